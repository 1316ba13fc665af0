// Package latency tracks a rolling average response time per endpoint,
// consumed by the LowestLatency endpoint selector.
package latency

import (
	"sync"
	"time"
)

// defaultAlpha is the EWMA smoothing factor: higher weighs recent samples
// more heavily. 0.2 means roughly the last ~10 samples dominate the average.
const defaultAlpha = 0.2

type cell struct {
	mu      sync.Mutex
	value   float64 // seconds
	samples int64
}

// Tracker holds one EWMA cell per endpoint ID.
type Tracker struct {
	alpha float64
	cells sync.Map // endpointID -> *cell
}

// NewTracker builds a Tracker with the default smoothing factor.
func NewTracker() *Tracker {
	return &Tracker{alpha: defaultAlpha}
}

// NewTrackerWithAlpha builds a Tracker with a custom smoothing factor in (0,1].
func NewTrackerWithAlpha(alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &Tracker{alpha: alpha}
}

func (t *Tracker) cellFor(endpointID string) *cell {
	if v, ok := t.cells.Load(endpointID); ok {
		return v.(*cell)
	}
	c := &cell{}
	actual, _ := t.cells.LoadOrStore(endpointID, c)
	return actual.(*cell)
}

// Record folds one observed dispatch duration into the endpoint's EWMA.
func (t *Tracker) Record(endpointID string, d time.Duration) {
	c := t.cellFor(endpointID)
	v := d.Seconds()

	c.mu.Lock()
	if c.samples == 0 {
		c.value = v
	} else {
		c.value = t.alpha*v + (1-t.alpha)*c.value
	}
	c.samples++
	c.mu.Unlock()
}

// Average returns the current EWMA for an endpoint. The second return value
// is false when no sample has ever been recorded — callers should treat an
// unseen endpoint as having unknown (not zero) latency.
func (t *Tracker) Average(endpointID string) (time.Duration, bool) {
	v, ok := t.cells.Load(endpointID)
	if !ok {
		return 0, false
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		return 0, false
	}
	return time.Duration(c.value * float64(time.Second)), true
}
