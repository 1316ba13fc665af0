package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]core.UsageInformation
}

func (r *recordingSink) WriteBatch(_ context.Context, entries []core.UsageInformation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]core.UsageInformation, len(entries))
	copy(cp, entries)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestLogger_EnqueueFlushesToSink(t *testing.T) {
	sink := &recordingSink{}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), sink)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Enqueue(core.UsageInformation{EndpointID: "ep-1", PromptTokens: 10})

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.total() != 1 {
		t.Fatalf("expected 1 entry flushed to sink, got %d", sink.total())
	}
}

func TestLogger_CloseFlushesRemainingEntries(t *testing.T) {
	sink := &recordingSink{}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), sink)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		l.Enqueue(core.UsageInformation{EndpointID: "ep-1"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if sink.total() != 5 {
		t.Errorf("expected 5 entries flushed on close, got %d", sink.total())
	}
}

func TestLogger_DropsEntriesWhenChannelFull(t *testing.T) {
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < channelBuffer+10; i++ {
		l.Enqueue(core.UsageInformation{EndpointID: "ep-1"})
	}
	if l.DroppedLogs() == 0 {
		t.Error("expected some entries to be dropped once the channel fills")
	}
}
