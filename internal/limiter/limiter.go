// Package limiter implements the Bulk-head, Request-Rate and Token-Rate
// limiter steps. Each step can partition its budget PerPipeline (one shared
// bucket for the whole pipeline) or PerConsumer (one bucket per
// CallDetails.ConsumerID), and each rate step's bucket storage is pluggable
// so the same policy code runs against an in-process counter or Redis.
package limiter

import (
	"context"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// Partition selects how a limiter's budget is divided across callers.
type Partition int

const (
	PerPipeline Partition = iota
	PerConsumer
)

func partitionKey(p Partition, pipelineName string, d *core.CallDetails) string {
	if p == PerConsumer {
		if d.ConsumerID != "" {
			return pipelineName + "|consumer|" + d.ConsumerID
		}
		// No authenticated consumer — fall back to a shared bucket rather
		// than an unbounded one per anonymous caller.
		return pipelineName + "|consumer|anonymous"
	}
	return pipelineName + "|pipeline"
}

// WindowLimiter checks a sliding-window budget for a partition key. cost is
// the number of units (requests, or estimated tokens) this call consumes.
// Implementations degrade to allow-on-error rather than fail closed, the
// same policy the teacher's RPMLimiter applies to a Redis outage.
type WindowLimiter interface {
	Allow(ctx context.Context, key string, limit, cost int, window time.Duration) (bool, error)

	// Adjust nudges a partition's current window tally by delta (positive to
	// charge more, negative to refund), recorded as of now. The Token-Rate
	// step uses this in its Post hook to true up an admission-time prompt
	// estimate against the upstream's actual usage once it's known.
	Adjust(ctx context.Context, key string, delta int) error
}
