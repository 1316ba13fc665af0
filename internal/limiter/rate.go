package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// RequestRate admits or rejects a call based on a requests-per-window budget.
type RequestRate struct {
	pipelineName string
	backend      WindowLimiter
	limit        int
	window       time.Duration
	partition    Partition
}

// NewRequestRate builds a Request-Rate limiter step.
func NewRequestRate(pipelineName string, backend WindowLimiter, limit int, window time.Duration, partition Partition) *RequestRate {
	return &RequestRate{pipelineName: pipelineName, backend: backend, limit: limit, window: window, partition: partition}
}

func (r *RequestRate) Name() string { return "request_rate" }

func (r *RequestRate) Pre(ctx context.Context, d *core.CallDetails) (core.PreResult, error) {
	key := partitionKey(r.partition, r.pipelineName, d)
	ok, err := r.backend.Allow(ctx, key, r.limit, 1, r.window)
	if err != nil {
		return core.Allow, err
	}
	if !ok {
		return rejectRateLimited(r.window), nil
	}
	return core.Allow, nil
}

func (r *RequestRate) Post(context.Context, *core.CallDetails, *core.UsageInformation) {}

// TokenRate admits or rejects a call based on an estimated-tokens-per-window
// budget. Pre reserves CallDetails.EstimatedPromptTokens against the budget
// since the true usage isn't known until the dispatcher returns; Post
// reconciles that reservation against the actual usage once it is —
// replacing it with UsageInformation.TotalTokens when the dispatcher parsed
// an exact total, or adding EstimatedCompletionTokens to it when only the
// streaming tee's estimate is available. Over-estimates are refunded,
// under-estimates are charged, the same accounting spec.md's token budget
// requires rather than treating the reservation as the final cost.
type TokenRate struct {
	pipelineName string
	backend      WindowLimiter
	limit        int
	window       time.Duration
	partition    Partition

	mu           sync.Mutex
	reservations map[string]int // RequestID -> cost reserved in Pre, consumed by Post
}

// NewTokenRate builds a Token-Rate limiter step.
func NewTokenRate(pipelineName string, backend WindowLimiter, limit int, window time.Duration, partition Partition) *TokenRate {
	return &TokenRate{
		pipelineName: pipelineName,
		backend:      backend,
		limit:        limit,
		window:       window,
		partition:    partition,
		reservations: make(map[string]int),
	}
}

func (t *TokenRate) Name() string { return "token_rate" }

func (t *TokenRate) Pre(ctx context.Context, d *core.CallDetails) (core.PreResult, error) {
	cost := d.EstimatedPromptTokens()
	if cost == 0 {
		cost = 1
	}
	key := partitionKey(t.partition, t.pipelineName, d)
	ok, err := t.backend.Allow(ctx, key, t.limit, cost, t.window)
	if err != nil {
		return core.Allow, err
	}
	if !ok {
		return rejectRateLimited(t.window), nil
	}

	t.mu.Lock()
	t.reservations[d.RequestID] = cost
	t.mu.Unlock()
	return core.Allow, nil
}

// Post trues up the window tally this call reserved in Pre against the
// dispatcher's actual usage, per spec.md §4.4.
func (t *TokenRate) Post(ctx context.Context, d *core.CallDetails, usage *core.UsageInformation) {
	t.mu.Lock()
	reserved, ok := t.reservations[d.RequestID]
	delete(t.reservations, d.RequestID)
	t.mu.Unlock()
	if !ok {
		return
	}

	key := partitionKey(t.partition, t.pipelineName, d)

	if usage == nil || !usage.Success {
		// Dispatch never completed (rejected further down the stack, every
		// upstream attempt failed, or the model was unmapped) — no tokens
		// were actually consumed, so refund the reservation in full.
		_ = t.backend.Adjust(ctx, key, -reserved)
		return
	}

	switch {
	case usage.TotalTokens > 0 && !usage.Streaming:
		if delta := usage.TotalTokens - reserved; delta != 0 {
			_ = t.backend.Adjust(ctx, key, delta)
		}
	case usage.EstimatedCompletionTokens > 0:
		_ = t.backend.Adjust(ctx, key, usage.EstimatedCompletionTokens)
	}
}

func rejectRateLimited(window time.Duration) core.PreResult {
	return core.PreResult{
		Reject:     true,
		StatusCode: 429,
		Body:       []byte(fmt.Sprintf(`{"error":{"message":"rate limit exceeded","type":"admission_rejected"}}`)),
		RetryAfter: window,
	}
}
