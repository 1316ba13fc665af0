package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript generalizes the teacher's ratelimit.slidingWindowScript
// from a fixed global key and unit cost to an arbitrary partition key and
// weighted cost, so the same script backs both the Request-Rate limiter
// (cost=1 per call) and the Token-Rate limiter (cost=estimated tokens).
//
// KEYS[1] = partition key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size (nanoseconds)
// ARGV[3] = limit
// ARGV[4] = cost of this call
// Returns 1 if admitted, 0 if it would exceed the limit.
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])
	local cost   = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local used = 0
	local members = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
	-- members holds member,score pairs; cost is stored in the member string.
	for i = 1, #members, 2 do
		local parts = {}
		for part in string.gmatch(members[i], "[^:]+") do
			table.insert(parts, part)
		end
		used = used + tonumber(parts[#parts])
	end

	if used + cost > limit then
		return 0
	end

	local member = tostring(now) .. ":" .. tostring(math.random(1, 1000000)) .. ":" .. tostring(cost)
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return 1
`)

// adjustScript records a reconciliation entry in the same sorted set
// slidingWindowScript reads from, without the admission check — used by the
// Token-Rate step's Post hook to true up a reservation once actual usage is
// known. delta may be negative (a refund).
//
// KEYS[1] = partition key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = delta (signed)
//
// Doesn't touch the key's TTL: Adjust always follows the Allow call that
// created the reservation, which already set one.
var adjustScript = redis.NewScript(`
	local key   = KEYS[1]
	local now   = tonumber(ARGV[1])
	local delta = tonumber(ARGV[2])

	local member = tostring(now) .. ":" .. tostring(math.random(1, 1000000)) .. ":" .. tostring(delta)
	redis.call('ZADD', key, now, member)
	return 1
`)

// RedisWindowLimiter backs the Request-Rate/Token-Rate steps with a Redis
// sliding window so PerConsumer budgets are shared across gateway replicas.
type RedisWindowLimiter struct {
	rdb *redis.Client
}

// NewRedisWindowLimiter wraps an existing Redis client.
func NewRedisWindowLimiter(rdb *redis.Client) *RedisWindowLimiter {
	return &RedisWindowLimiter{rdb: rdb}
}

func (r *RedisWindowLimiter) Allow(ctx context.Context, key string, limit, cost int, window time.Duration) (bool, error) {
	now := time.Now().UnixNano()
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{"ratelimit:" + key},
		now, window.Nanoseconds(), limit, cost,
	).Int()
	if err != nil {
		// Redis unavailable — degrade to allow, same policy as the
		// teacher's RPMLimiter.
		return true, nil
	}
	return result == 1, nil
}

func (r *RedisWindowLimiter) Adjust(ctx context.Context, key string, delta int) error {
	if delta == 0 {
		return nil
	}
	now := time.Now().UnixNano()
	_, err := adjustScript.Run(ctx, r.rdb,
		[]string{"ratelimit:" + key},
		now, delta,
	).Result()
	if err != nil {
		// Redis unavailable — the reservation stands un-reconciled rather
		// than blocking the response; same degrade-open policy as Allow.
		return nil
	}
	return nil
}
