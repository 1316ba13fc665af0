// Package selector implements the Endpoint Selector: a tagged-variant tree
// that picks which Dispatcher should serve a call, and (for Priority) walks
// a fallback cascade when one tier's endpoints are unavailable.
package selector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
	"github.com/nulpointcorp/aicentral-gateway/internal/latency"
)

// Selector chooses a Dispatcher for a call and exposes the flattened leaf
// set so a Pipeline can build its failover candidate list.
type Selector interface {
	// Choose returns the dispatcher to use for this call. ok is false when
	// every leaf is currently unavailable (circuit-open or empty tree).
	Choose(ctx context.Context, d *core.CallDetails) (core.Dispatcher, bool)

	// Flatten returns every leaf Dispatcher reachable from this selector,
	// in priority order where that's meaningful.
	Flatten() []core.Dispatcher
}

// Random picks uniformly at random among its dispatchers on every call.
type Random struct {
	Dispatchers []core.Dispatcher
}

func (r *Random) Choose(_ context.Context, _ *core.CallDetails) (core.Dispatcher, bool) {
	if len(r.Dispatchers) == 0 {
		return nil, false
	}
	return r.Dispatchers[rand.IntN(len(r.Dispatchers))], true
}

func (r *Random) Flatten() []core.Dispatcher { return r.Dispatchers }

// Tier is one rung of a Priority cascade: a sub-selector plus the policy for
// whether a non-5xx/timeout (4xx other than 429) failure from this tier
// should still fall through to the next tier.
type Tier struct {
	Selector   Selector
	RetryOn4xx bool
}

// Priority walks its tiers in order, skipping a tier whose leaves are all
// circuit-broken, and returns the first tier's choice. Fallthrough on error
// (as opposed to unavailability) is driven by the caller (the Pipeline's
// failover loop over Flatten, reporting outcomes through RecordSuccess/
// RecordFailure and consulting RetryOn4xxFor), since the dispatch outcome is
// only known after the call returns.
type Priority struct {
	Tiers []Tier
	cb    *breaker
}

// NewPriority builds a Priority selector with its own per-endpoint circuit
// breaker state, mirroring the teacher's "skip circuit-broken providers
// during cascade" failover loop.
func NewPriority(tiers []Tier) *Priority {
	return &Priority{Tiers: tiers, cb: newBreaker()}
}

func (p *Priority) Choose(ctx context.Context, d *core.CallDetails) (core.Dispatcher, bool) {
	for _, tier := range p.Tiers {
		for _, leaf := range tier.Selector.Flatten() {
			if !p.cb.allow(leaf.EndpointID()) {
				continue
			}
			// Within an eligible tier, defer to its own selection policy
			// (e.g. Random among a tier's endpoints) but only accept a
			// choice whose breaker is closed.
			chosen, ok := tier.Selector.Choose(ctx, d)
			if ok && p.cb.allow(chosen.EndpointID()) {
				return chosen, true
			}
		}
	}
	return nil, false
}

func (p *Priority) Flatten() []core.Dispatcher {
	var out []core.Dispatcher
	for _, tier := range p.Tiers {
		out = append(out, tier.Selector.Flatten()...)
	}
	return out
}

// RetryOn4xxFor reports whether the tier containing endpointID accepts
// cascading past a non-retryable 4xx.
func (p *Priority) RetryOn4xxFor(endpointID string) bool {
	for _, tier := range p.Tiers {
		for _, leaf := range tier.Selector.Flatten() {
			if leaf.EndpointID() == endpointID {
				return tier.RetryOn4xx
			}
		}
	}
	return false
}

// RecordSuccess and RecordFailure feed the Priority cascade's breaker.
// Callers (the Pipeline) invoke these after a dispatch attempt completes.
func (p *Priority) RecordSuccess(endpointID string) { p.cb.recordSuccess(endpointID) }
func (p *Priority) RecordFailure(endpointID string) { p.cb.recordFailure(endpointID) }

// LowestLatency picks whichever dispatcher currently has the smallest EWMA
// average in the supplied Tracker. An endpoint with no samples yet is
// treated as the most attractive choice, so new endpoints get warmed up.
type LowestLatency struct {
	Dispatchers []core.Dispatcher
	Tracker     *latency.Tracker
}

func (l *LowestLatency) Choose(_ context.Context, _ *core.CallDetails) (core.Dispatcher, bool) {
	if len(l.Dispatchers) == 0 {
		return nil, false
	}
	var best core.Dispatcher
	bestLatency := time.Duration(-1)
	for _, dd := range l.Dispatchers {
		avg, ok := l.Tracker.Average(dd.EndpointID())
		if !ok {
			return dd, true
		}
		if bestLatency < 0 || avg < bestLatency {
			best = dd
			bestLatency = avg
		}
	}
	return best, best != nil
}

func (l *LowestLatency) Flatten() []core.Dispatcher { return l.Dispatchers }

// Hierarchical composes other selectors: it tries each child in order and
// returns the first child that can make a choice. Distinct from Priority in
// that it carries no circuit-breaker or retry policy of its own — it simply
// delegates, e.g. to fall back from an Affinity selector to a Random one.
type Hierarchical struct {
	Children []Selector
}

func (h *Hierarchical) Choose(ctx context.Context, d *core.CallDetails) (core.Dispatcher, bool) {
	for _, child := range h.Children {
		if chosen, ok := child.Choose(ctx, d); ok {
			return chosen, true
		}
	}
	return nil, false
}

func (h *Hierarchical) Flatten() []core.Dispatcher {
	var out []core.Dispatcher
	for _, child := range h.Children {
		out = append(out, child.Flatten()...)
	}
	return out
}

// Affinity sticks a (consumerId, assistantId) pair to whatever dispatcher
// Fallback picked for it the first time, for TTL. Once the entry expires the
// pair is free to land on a different dispatcher next time Fallback runs.
type Affinity struct {
	Fallback Selector
	TTL      time.Duration

	mu      sync.Mutex
	sticky  map[string]stickyEntry
}

type stickyEntry struct {
	endpointID string
	expiresAt  time.Time
}

// NewAffinity builds an Affinity selector wrapping fallback.
func NewAffinity(fallback Selector, ttl time.Duration) *Affinity {
	return &Affinity{Fallback: fallback, TTL: ttl, sticky: make(map[string]stickyEntry)}
}

func affinityKey(d *core.CallDetails) string {
	return d.ConsumerID + "\x00" + d.AssistantID
}

func (a *Affinity) Choose(ctx context.Context, d *core.CallDetails) (core.Dispatcher, bool) {
	if d.PreferredEndpointID != "" {
		for _, leaf := range a.Fallback.Flatten() {
			if leaf.EndpointID() == d.PreferredEndpointID {
				return leaf, true
			}
		}
		// Preferred endpoint isn't reachable from this tree — ignore it
		// silently and fall through to the sticky/fallback policy below,
		// never error on a stale or mistyped x-aicentral-affinity header.
	}

	key := affinityKey(d)

	a.mu.Lock()
	entry, ok := a.sticky[key]
	expired := ok && time.Now().After(entry.expiresAt)
	a.mu.Unlock()

	if ok && !expired {
		for _, leaf := range a.Fallback.Flatten() {
			if leaf.EndpointID() == entry.endpointID {
				a.touch(key)
				return leaf, true
			}
		}
		// The sticky endpoint no longer exists in the tree; fall through.
	}

	chosen, ok := a.Fallback.Choose(ctx, d)
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	a.sticky[key] = stickyEntry{endpointID: chosen.EndpointID(), expiresAt: time.Now().Add(a.TTL)}
	a.mu.Unlock()
	return chosen, true
}

func (a *Affinity) touch(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.sticky[key]
	if !ok {
		return
	}
	entry.expiresAt = time.Now().Add(a.TTL)
	a.sticky[key] = entry
}

func (a *Affinity) Flatten() []core.Dispatcher { return a.Fallback.Flatten() }
