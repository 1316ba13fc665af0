package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/hostrouter"
	"github.com/nulpointcorp/aicentral-gateway/internal/latency"
	"github.com/nulpointcorp/aicentral-gateway/internal/logger"
	"github.com/nulpointcorp/aicentral-gateway/internal/metrics"
	"github.com/nulpointcorp/aicentral-gateway/internal/pipeline"
)

// initInfra establishes optional external connections. Redis is only needed
// once a pipeline's rate-limiter steps are backed by it.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initTelemetry builds the Prometheus registry and the async usage logger,
// wiring the ClickHouse sink only when a DSN is configured — the same
// "not wired in the open-source build" leniency the managed version lifts.
func (a *App) initTelemetry(ctx context.Context) error {
	a.telemetry = metrics.New()

	var sink logger.Sink
	if a.cfg.ClickHouse.DSN != "" {
		chSink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		a.chSink = chSink
		sink = chSink
		a.log.Info("usage log sink: clickhouse")
	} else {
		a.log.Info("usage log sink: none (slog only)")
	}

	l, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.usageLogger = l
	return nil
}

// initPipelines builds one pipeline.Pipeline per configured entry: auth
// step, limiter steps sharing one window-limiter backend, endpoint
// dispatchers with credentials resolved from the environment, and the
// selector tree that picks among them.
func (a *App) initPipelines(ctx context.Context) error {
	backend := a.windowLimiterBackend()

	for _, pc := range a.cfg.Pipelines {
		dispatchers, err := buildDispatchers(pc.Endpoints, sharedHTTPClient)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", pc.Name, err)
		}

		tracker := latency.NewTracker()

		sel, err := buildSelector(pc.Selector, dispatchers, tracker)
		if err != nil {
			return fmt.Errorf("pipeline %q: selector: %w", pc.Name, err)
		}

		respCache, cacheExclusions, err := buildResponseCache(ctx, pc.Cache, a.rdb)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", pc.Name, err)
		}
		var cacheTTL time.Duration
		if pc.Cache != nil {
			cacheTTL = pc.Cache.TTL
		}

		p := pipeline.New(pipeline.Options{
			Name:            pc.Name,
			Auth:            buildAuth(pc.Auth),
			Steps:           buildSteps(pc.Name, pc.Steps, backend),
			Selector:        sel,
			Latency:         tracker,
			Telemetry:       a.telemetry,
			Usage:           a.usageLogger,
			Log:             a.log,
			MaxRetries:      pc.MaxRetries,
			ProviderTimeout: pc.ProviderTimeout,
			Cache:           respCache,
			CacheTTL:        cacheTTL,
			CacheExclusions: cacheExclusions,
		})

		a.pipelines[pc.Name] = p
		a.log.Info("pipeline ready",
			slog.String("pipeline", pc.Name),
			slog.String("host", pc.Host),
			slog.Int("endpoints", len(dispatchers)),
		)
	}
	return nil
}

// initRouter builds the host router, keying each pipeline by its
// configured Host (empty Host becomes the catch-all default).
func (a *App) initRouter(_ context.Context) error {
	byHost := make(map[string]hostrouter.Handler, len(a.pipelines))
	for _, pc := range a.cfg.Pipelines {
		byHost[pc.Host] = a.pipelines[pc.Name]
	}
	a.router = hostrouter.New(byHost, a.telemetry.Handler(), a.cfg.CORSOrigins, a.log)
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" -> "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
