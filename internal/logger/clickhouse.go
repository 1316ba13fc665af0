package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// ClickHouseSink writes usage batches to a ClickHouse table, gated entirely
// on a DSN being configured — a process with no CLICKHOUSE_DSN runs with
// the slog-only logger, matching the teacher's "not wired in the open-source
// build" comment for this exact analytics path.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens a connection pool against dsn and verifies it with
// a Ping before returning, so misconfiguration fails at startup rather than
// on the first dropped batch.
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("logger: clickhouse: ping: %w", err)
	}
	if table == "" {
		table = "gateway_usage"
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

// WriteBatch appends one row per usage entry in a single batch insert.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []core.UsageInformation) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("logger: clickhouse: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.StartedAt,
			e.EndpointID,
			e.UpstreamHost,
			e.DeploymentOrModel,
			e.CallKind.String(),
			e.Streaming,
			e.Success,
			uint32(e.PromptTokens),
			uint32(e.CompletionTokens),
			uint32(e.TotalTokens),
			uint32(e.UpstreamDuration.Milliseconds()),
			uint16(e.StatusCode),
		); err != nil {
			return fmt.Errorf("logger: clickhouse: append row: %w", err)
		}
	}
	return batch.Send()
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
