// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, when any pipeline needs it)
//  2. initTelemetry — Prometheus registry and the async usage logger (+ its
//     optional ClickHouse sink)
//  3. initPipelines — one internal/pipeline.Pipeline per configured pipeline:
//     auth step, limiter steps, endpoint dispatchers, selector tree
//  4. initRouter    — internal/hostrouter matching inbound Host headers to
//     the pipeline that serves them
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/aicentral-gateway/internal/config"
	"github.com/nulpointcorp/aicentral-gateway/internal/hostrouter"
	"github.com/nulpointcorp/aicentral-gateway/internal/limiter"
	"github.com/nulpointcorp/aicentral-gateway/internal/logger"
	"github.com/nulpointcorp/aicentral-gateway/internal/metrics"
	"github.com/nulpointcorp/aicentral-gateway/internal/pipeline"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.GatewayConfig
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client

	usageLogger *logger.Logger
	chSink      *logger.ClickHouseSink
	telemetry   *metrics.Registry

	pipelines map[string]*pipeline.Pipeline
	router    *hostrouter.Router
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.GatewayConfig, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log, pipelines: make(map[string]*pipeline.Pipeline)}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"telemetry", a.initTelemetry},
		{"pipelines", a.initPipelines},
		{"router", a.initRouter},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("pipelines", len(a.pipelines)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.router.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; calls are not synchronized with each other, so
// concurrent calls are not safe.
func (a *App) Close() {
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse sink close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.usageLogger != nil {
		if err := a.usageLogger.Close(); err != nil {
			a.log.Error("usage logger close error", slog.String("error", err.Error()))
		}
		a.usageLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// windowLimiterBackend picks the Redis-backed sliding window when Redis is
// configured, falling back to the in-process limiter otherwise — the same
// per-process degrade the teacher's RPMLimiter takes when Redis is absent.
func (a *App) windowLimiterBackend() limiter.WindowLimiter {
	if a.rdb != nil {
		return limiter.NewRedisWindowLimiter(a.rdb)
	}
	return limiter.NewMemoryWindowLimiter()
}

// sharedHTTPClient is used by every endpoint dispatcher; per-attempt
// timeouts are enforced by the pipeline's context, not this client.
var sharedHTTPClient = &http.Client{}
