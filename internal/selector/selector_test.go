package selector

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
	"github.com/nulpointcorp/aicentral-gateway/internal/latency"
)

type fakeDispatcher struct {
	id string
}

func (f *fakeDispatcher) EndpointID() string    { return f.id }
func (f *fakeDispatcher) MaxConcurrency() int   { return 0 }
func (f *fakeDispatcher) Dispatch(ctx context.Context, d *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	return nil, nil, nil
}

func TestRandom_EmptyReturnsNotOK(t *testing.T) {
	r := &Random{}
	if _, ok := r.Choose(context.Background(), &core.CallDetails{}); ok {
		t.Error("expected empty Random to report no choice")
	}
}

func TestRandom_AlwaysPicksFromSet(t *testing.T) {
	ids := map[string]bool{"a": true, "b": true, "c": true}
	var ds []core.Dispatcher
	for id := range ids {
		ds = append(ds, &fakeDispatcher{id: id})
	}
	r := &Random{Dispatchers: ds}
	for i := 0; i < 20; i++ {
		chosen, ok := r.Choose(context.Background(), &core.CallDetails{})
		if !ok || !ids[chosen.EndpointID()] {
			t.Fatalf("chose unexpected dispatcher: %v", chosen)
		}
	}
}

func TestPriority_FallsThroughOnCircuitOpenTier(t *testing.T) {
	primary := &Random{Dispatchers: []core.Dispatcher{&fakeDispatcher{id: "primary"}}}
	secondary := &Random{Dispatchers: []core.Dispatcher{&fakeDispatcher{id: "secondary"}}}
	p := NewPriority([]Tier{{Selector: primary}, {Selector: secondary}})

	chosen, ok := p.Choose(context.Background(), &core.CallDetails{})
	if !ok || chosen.EndpointID() != "primary" {
		t.Fatalf("expected primary to be chosen first, got %v", chosen)
	}

	for i := 0; i < errorThreshold; i++ {
		p.RecordFailure("primary")
	}

	chosen, ok = p.Choose(context.Background(), &core.CallDetails{})
	if !ok || chosen.EndpointID() != "secondary" {
		t.Fatalf("expected fallthrough to secondary after primary tripped, got %v", chosen)
	}
}

func TestPriority_RetryOn4xxForDefault(t *testing.T) {
	tier := &Random{Dispatchers: []core.Dispatcher{&fakeDispatcher{id: "a"}}}
	p := NewPriority([]Tier{{Selector: tier}})
	if p.RetryOn4xxFor("a") {
		t.Error("expected RetryOn4xx to default to false")
	}

	p2 := NewPriority([]Tier{{Selector: tier, RetryOn4xx: true}})
	if !p2.RetryOn4xxFor("a") {
		t.Error("expected RetryOn4xx override to be honored")
	}
}

func TestLowestLatency_PrefersUnseenEndpoint(t *testing.T) {
	tr := latency.NewTracker()
	tr.Record("warm", 10*time.Millisecond)
	ds := []core.Dispatcher{&fakeDispatcher{id: "warm"}, &fakeDispatcher{id: "cold"}}
	ll := &LowestLatency{Dispatchers: ds, Tracker: tr}

	chosen, ok := ll.Choose(context.Background(), &core.CallDetails{})
	if !ok || chosen.EndpointID() != "cold" {
		t.Fatalf("expected unseen endpoint to win, got %v", chosen)
	}
}

func TestLowestLatency_PrefersSmallerAverage(t *testing.T) {
	tr := latency.NewTracker()
	tr.Record("fast", 10*time.Millisecond)
	tr.Record("slow", 500*time.Millisecond)
	ds := []core.Dispatcher{&fakeDispatcher{id: "fast"}, &fakeDispatcher{id: "slow"}}
	ll := &LowestLatency{Dispatchers: ds, Tracker: tr}

	chosen, ok := ll.Choose(context.Background(), &core.CallDetails{})
	if !ok || chosen.EndpointID() != "fast" {
		t.Fatalf("expected fast endpoint to win, got %v", chosen)
	}
}

func TestAffinity_SticksWithinTTL(t *testing.T) {
	ds := []core.Dispatcher{&fakeDispatcher{id: "a"}, &fakeDispatcher{id: "b"}, &fakeDispatcher{id: "c"}}
	fallback := &Random{Dispatchers: ds}
	aff := NewAffinity(fallback, time.Minute)

	d := &core.CallDetails{ConsumerID: "team-a", AssistantID: "asst-1"}
	first, ok := aff.Choose(context.Background(), d)
	if !ok {
		t.Fatal("expected a choice")
	}
	for i := 0; i < 10; i++ {
		next, ok := aff.Choose(context.Background(), d)
		if !ok || next.EndpointID() != first.EndpointID() {
			t.Fatalf("expected sticky endpoint %s, got %v", first.EndpointID(), next)
		}
	}
}

func TestAffinity_DistinctKeysIndependent(t *testing.T) {
	ds := []core.Dispatcher{&fakeDispatcher{id: "a"}}
	fallback := &Random{Dispatchers: ds}
	aff := NewAffinity(fallback, time.Minute)

	d1 := &core.CallDetails{ConsumerID: "team-a", AssistantID: "asst-1"}
	d2 := &core.CallDetails{ConsumerID: "team-b", AssistantID: "asst-1"}
	c1, _ := aff.Choose(context.Background(), d1)
	c2, _ := aff.Choose(context.Background(), d2)
	if c1.EndpointID() != "a" || c2.EndpointID() != "a" {
		t.Fatalf("expected both consumers routed to the only endpoint")
	}
}

func TestAffinity_ExpiresAfterTTL(t *testing.T) {
	ds := []core.Dispatcher{&fakeDispatcher{id: "a"}, &fakeDispatcher{id: "b"}}
	fallback := &Random{Dispatchers: ds}
	aff := NewAffinity(fallback, time.Millisecond)

	d := &core.CallDetails{ConsumerID: "team-a", AssistantID: "asst-1"}
	if _, ok := aff.Choose(context.Background(), d); !ok {
		t.Fatal("expected a choice")
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := aff.Choose(context.Background(), d); !ok {
		t.Fatal("expected a choice after expiry")
	}
}

func TestHierarchical_DelegatesToFirstSuccessfulChild(t *testing.T) {
	empty := &Random{}
	fallback := &Random{Dispatchers: []core.Dispatcher{&fakeDispatcher{id: "only"}}}
	h := &Hierarchical{Children: []Selector{empty, fallback}}

	chosen, ok := h.Choose(context.Background(), &core.CallDetails{})
	if !ok || chosen.EndpointID() != "only" {
		t.Fatalf("expected delegation to the fallback child, got %v", chosen)
	}
}
