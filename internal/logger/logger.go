// Package logger implements a non-blocking, batched usage logger.
//
// Entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks a pipeline's
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in DroppedLogs. Logger always writes a structured
// slog line per entry; when an optional Sink is configured (the ClickHouse
// sink below), each flushed batch is also forwarded there for analytics.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Sink receives each flushed batch of usage entries. Sink implementations
// (ClickHouse) should not block for long — Logger's flush goroutine is shared
// across all pipelines in the process.
type Sink interface {
	WriteBatch(ctx context.Context, entries []core.UsageInformation) error
}

// Logger is a single process-wide async usage logger shared by every
// pipeline. Entries carry no pipeline name field, so the usage log does not
// record which pipeline produced an entry.
type Logger struct {
	ch        chan core.UsageInformation
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

// New builds a Logger. sink may be nil, in which case only the slog line is
// written per entry.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan core.UsageInformation, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Enqueue implements pipeline.UsageSink. Never blocks: a full channel drops
// the entry and increments DroppedLogs, matching the teacher's Logger.Log.
func (l *Logger) Enqueue(entry core.UsageInformation) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]core.UsageInformation, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "usage",
				slog.String("id", uuid.NewString()),
				slog.String("endpoint", e.EndpointID),
				slog.String("model", e.DeploymentOrModel),
				slog.String("call_kind", e.CallKind.String()),
				slog.Bool("streaming", e.Streaming),
				slog.Bool("success", e.Success),
				slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
				slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
				slog.Uint64("status", uint64(e.StatusCode)),
				slog.Duration("upstream_duration", e.UpstreamDuration),
				slog.Time("started_at", normalizeTime(e.StartedAt)),
			)
		}
		if l.sink != nil {
			if err := l.sink.WriteBatch(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "usage_sink_write_failed", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
