package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

func TestBulkhead_RejectsAtCapacity(t *testing.T) {
	b := NewBulkhead("p", 2, PerPipeline)
	d := &core.CallDetails{}

	r1, _ := b.Pre(context.Background(), d)
	r2, _ := b.Pre(context.Background(), d)
	r3, _ := b.Pre(context.Background(), d)

	if r1.Reject || r2.Reject {
		t.Fatal("expected first two calls to be admitted")
	}
	if !r3.Reject {
		t.Fatal("expected third call to be rejected at capacity 2")
	}
	if r3.StatusCode != 429 {
		t.Errorf("expected 429, got %d", r3.StatusCode)
	}
}

func TestBulkhead_PostReleasesSlot(t *testing.T) {
	b := NewBulkhead("p", 1, PerPipeline)
	d := &core.CallDetails{}

	b.Pre(context.Background(), d)
	b.Post(context.Background(), d, nil)

	r, _ := b.Pre(context.Background(), d)
	if r.Reject {
		t.Fatal("expected slot to be freed by Post")
	}
}

func TestBulkhead_PerConsumerIsolatesPartitions(t *testing.T) {
	b := NewBulkhead("p", 1, PerConsumer)
	a := &core.CallDetails{ConsumerID: "a"}
	c := &core.CallDetails{ConsumerID: "c"}

	r1, _ := b.Pre(context.Background(), a)
	r2, _ := b.Pre(context.Background(), c)
	if r1.Reject || r2.Reject {
		t.Fatal("expected independent consumers to each get their own slot")
	}
}

func TestMemoryWindowLimiter_AdmitsWithinLimit(t *testing.T) {
	m := NewMemoryWindowLimiter()
	ok, err := m.Allow(context.Background(), "k", 3, 1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected admission, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryWindowLimiter_RejectsOverLimit(t *testing.T) {
	m := NewMemoryWindowLimiter()
	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(context.Background(), "k", 3, 1, time.Minute)
		if !ok {
			t.Fatalf("expected call %d to be admitted", i)
		}
	}
	ok, _ := m.Allow(context.Background(), "k", 3, 1, time.Minute)
	if ok {
		t.Fatal("expected fourth call to be rejected at limit 3")
	}
}

func TestMemoryWindowLimiter_WeightedCost(t *testing.T) {
	m := NewMemoryWindowLimiter()
	ok, _ := m.Allow(context.Background(), "tokens", 1000, 800, time.Minute)
	if !ok {
		t.Fatal("expected 800 to fit within a 1000 budget")
	}
	ok, _ = m.Allow(context.Background(), "tokens", 1000, 300, time.Minute)
	if ok {
		t.Fatal("expected 800+300 to exceed a 1000 budget")
	}
}

func TestMemoryWindowLimiter_WindowExpires(t *testing.T) {
	m := NewMemoryWindowLimiter()
	ok, _ := m.Allow(context.Background(), "k", 1, 1, 5*time.Millisecond)
	if !ok {
		t.Fatal("expected first call admitted")
	}
	time.Sleep(10 * time.Millisecond)
	ok, _ = m.Allow(context.Background(), "k", 1, 1, 5*time.Millisecond)
	if !ok {
		t.Fatal("expected call admitted again after window expired")
	}
}

func TestRequestRate_RejectsOverLimit(t *testing.T) {
	rr := NewRequestRate("p", NewMemoryWindowLimiter(), 1, time.Minute, PerPipeline)
	d := &core.CallDetails{}

	r1, _ := rr.Pre(context.Background(), d)
	r2, _ := rr.Pre(context.Background(), d)
	if r1.Reject {
		t.Fatal("expected first call admitted")
	}
	if !r2.Reject {
		t.Fatal("expected second call rejected")
	}
}

func TestTokenRate_UsesEstimatedPromptTokens(t *testing.T) {
	tr := NewTokenRate("p", NewMemoryWindowLimiter(), 2, time.Minute, PerPipeline)
	d := &core.CallDetails{PromptText: "this prompt text is deliberately long enough to cost several tokens"}

	r, _ := tr.Pre(context.Background(), d)
	if !r.Reject {
		t.Fatal("expected the estimated token cost to exceed the tiny budget")
	}
}
