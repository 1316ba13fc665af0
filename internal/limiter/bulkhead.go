package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// Bulkhead caps the number of concurrent in-flight calls per partition.
// Pre reserves a slot; Post always releases it, including when the request
// fails downstream — the reservation tracks concurrency, not outcome.
type Bulkhead struct {
	pipelineName string
	capacity     int
	partition    Partition

	mu       sync.Mutex
	inFlight map[string]int
}

// NewBulkhead builds a Bulkhead step for one pipeline.
func NewBulkhead(pipelineName string, capacity int, partition Partition) *Bulkhead {
	return &Bulkhead{
		pipelineName: pipelineName,
		capacity:     capacity,
		partition:    partition,
		inFlight:     make(map[string]int),
	}
}

func (b *Bulkhead) Name() string { return "bulkhead" }

func (b *Bulkhead) Pre(_ context.Context, d *core.CallDetails) (core.PreResult, error) {
	key := partitionKey(b.partition, b.pipelineName, d)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight[key] >= b.capacity {
		return core.PreResult{
			Reject:     true,
			StatusCode: 429,
			Body:       []byte(fmt.Sprintf(`{"error":{"message":"concurrency limit reached","type":"admission_rejected"}}`)),
			RetryAfter: 500 * time.Millisecond,
		}, nil
	}
	b.inFlight[key]++
	return core.Allow, nil
}

func (b *Bulkhead) Post(_ context.Context, d *core.CallDetails, _ *core.UsageInformation) {
	key := partitionKey(b.partition, b.pipelineName, d)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight[key] > 0 {
		b.inFlight[key]--
	}
}
