package app

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/config"
	"github.com/nulpointcorp/aicentral-gateway/internal/core"
	"github.com/nulpointcorp/aicentral-gateway/internal/latency"
	"github.com/nulpointcorp/aicentral-gateway/internal/limiter"
	"github.com/nulpointcorp/aicentral-gateway/internal/selector"
)

func TestBuildAuth_NoneModeReturnsDisabledStep(t *testing.T) {
	step := buildAuth(config.AuthConfig{Mode: "none"})
	res, err := step.Pre(context.Background(), &core.CallDetails{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reject || res.StatusCode != 0 || res.Body != nil || res.RetryAfter != 0 {
		t.Fatalf("expected a disabled auth step to allow every call, got %v", res)
	}
}

func TestBuildAuth_KeysModeBuildsClientList(t *testing.T) {
	step := buildAuth(config.AuthConfig{
		Mode: "keys",
		Clients: []config.ClientConfig{
			{Name: "team-a", Keys: []string{"sk-a"}},
		},
	})
	if step == nil {
		t.Fatal("expected a non-nil auth step")
	}
}

func TestPartitionOf(t *testing.T) {
	if partitionOf("per_consumer") != limiter.PerConsumer {
		t.Error("expected per_consumer to map to limiter.PerConsumer")
	}
	if partitionOf("per_pipeline") != limiter.PerPipeline {
		t.Error("expected per_pipeline to map to limiter.PerPipeline")
	}
	if partitionOf("") != limiter.PerPipeline {
		t.Error("expected the empty string to default to limiter.PerPipeline")
	}
}

func TestBuildSteps_OneStepPerConfigEntry(t *testing.T) {
	backend := limiter.NewMemoryWindowLimiter()
	steps := buildSteps("team-a", []config.StepConfig{
		{Bulkhead: &config.BulkheadConfig{Capacity: 10, Partition: "per_pipeline"}},
		{RequestRate: &config.WindowConfig{Limit: 100, Window: time.Minute, Partition: "per_consumer"}},
		{TokenRate: &config.WindowConfig{Limit: 1000, Window: time.Minute}},
	}, backend)

	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
}

func TestEndpointKind_KnownAndUnknown(t *testing.T) {
	cases := map[string]core.EndpointKind{
		"azure_openai": core.KindAzureOpenAI,
		"openai":       core.KindOpenAI,
		"anthropic":    core.KindAnthropic,
		"google_genai": core.KindGoogleGenAI,
	}
	for in, want := range cases {
		got, err := endpointKind(in)
		if err != nil {
			t.Fatalf("endpointKind(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("endpointKind(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := endpointKind("bedrock"); err == nil {
		t.Error("expected an error for an unknown endpoint kind")
	}
}

func TestLookupDispatchers_MissingIDErrors(t *testing.T) {
	dispatchers := map[string]core.Dispatcher{"a": &fakeDispatcher{id: "a"}}

	if _, err := lookupDispatchers([]string{"a"}, dispatchers); err != nil {
		t.Fatalf("unexpected error resolving a known id: %v", err)
	}
	if _, err := lookupDispatchers([]string{"missing"}, dispatchers); err == nil {
		t.Fatal("expected an error for an endpoint id absent from the dispatcher map")
	}
}

func TestBuildSelector_RandomAndLowestLatency(t *testing.T) {
	dispatchers := map[string]core.Dispatcher{
		"a": &fakeDispatcher{id: "a"},
		"b": &fakeDispatcher{id: "b"},
	}
	tracker := latency.NewTracker()

	sel, err := buildSelector(config.SelectorConfig{Kind: "random", EndpointIDs: []string{"a", "b"}}, dispatchers, tracker)
	if err != nil {
		t.Fatalf("random: unexpected error: %v", err)
	}
	if _, ok := sel.(*selector.Random); !ok {
		t.Errorf("expected a *selector.Random, got %T", sel)
	}

	sel, err = buildSelector(config.SelectorConfig{Kind: "lowest_latency", EndpointIDs: []string{"a", "b"}}, dispatchers, tracker)
	if err != nil {
		t.Fatalf("lowest_latency: unexpected error: %v", err)
	}
	if _, ok := sel.(*selector.LowestLatency); !ok {
		t.Errorf("expected a *selector.LowestLatency, got %T", sel)
	}
}

func TestBuildSelector_PriorityNestsTiers(t *testing.T) {
	dispatchers := map[string]core.Dispatcher{"a": &fakeDispatcher{id: "a"}, "b": &fakeDispatcher{id: "b"}}
	tracker := latency.NewTracker()

	sc := config.SelectorConfig{
		Kind: "priority",
		Tiers: []config.SelectorTierConfig{
			{Selector: config.SelectorConfig{Kind: "random", EndpointIDs: []string{"a"}}, RetryOn4xx: false},
			{Selector: config.SelectorConfig{Kind: "random", EndpointIDs: []string{"b"}}, RetryOn4xx: true},
		},
	}

	sel, err := buildSelector(sc, dispatchers, tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sel.(*selector.Priority); !ok {
		t.Fatalf("expected a *selector.Priority, got %T", sel)
	}
}

func TestBuildSelector_AffinityRequiresFallback(t *testing.T) {
	dispatchers := map[string]core.Dispatcher{"a": &fakeDispatcher{id: "a"}}
	tracker := latency.NewTracker()

	if _, err := buildSelector(config.SelectorConfig{Kind: "affinity", TTL: time.Minute}, dispatchers, tracker); err == nil {
		t.Fatal("expected an error when affinity has no fallback")
	}

	fallback := config.SelectorConfig{Kind: "random", EndpointIDs: []string{"a"}}
	sel, err := buildSelector(config.SelectorConfig{Kind: "affinity", TTL: time.Minute, Fallback: &fallback}, dispatchers, tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sel.(*selector.Affinity); !ok {
		t.Fatalf("expected a *selector.Affinity, got %T", sel)
	}
}

func TestBuildSelector_HierarchicalBuildsChildren(t *testing.T) {
	dispatchers := map[string]core.Dispatcher{"a": &fakeDispatcher{id: "a"}, "b": &fakeDispatcher{id: "b"}}
	tracker := latency.NewTracker()

	sc := config.SelectorConfig{
		Kind: "hierarchical",
		Children: []config.SelectorConfig{
			{Kind: "random", EndpointIDs: []string{"a"}},
			{Kind: "random", EndpointIDs: []string{"b"}},
		},
	}

	sel, err := buildSelector(sc, dispatchers, tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok := sel.(*selector.Hierarchical)
	if !ok {
		t.Fatalf("expected a *selector.Hierarchical, got %T", sel)
	}
	if len(h.Children) != 2 {
		t.Errorf("expected 2 children, got %d", len(h.Children))
	}
}

func TestBuildSelector_UnknownKindErrors(t *testing.T) {
	if _, err := buildSelector(config.SelectorConfig{Kind: "nonexistent"}, nil, latency.NewTracker()); err == nil {
		t.Fatal("expected an error for an unknown selector kind")
	}
}

func TestBuildSelector_UnknownEndpointIDErrors(t *testing.T) {
	dispatchers := map[string]core.Dispatcher{"a": &fakeDispatcher{id: "a"}}
	sc := config.SelectorConfig{Kind: "random", EndpointIDs: []string{"missing"}}
	if _, err := buildSelector(sc, dispatchers, latency.NewTracker()); err == nil {
		t.Fatal("expected an error when a selector references an unconfigured endpoint")
	}
}

type fakeDispatcher struct {
	id string
}

func (f *fakeDispatcher) EndpointID() string  { return f.id }
func (f *fakeDispatcher) MaxConcurrency() int { return 0 }
func (f *fakeDispatcher) Dispatch(_ context.Context, _ *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	return nil, nil, nil
}
