package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/stats"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// initInfra establishes optional external connections. Redis backs the
// distributed request-rate window; without it ceilings hold per replica.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices builds the in-process services: provider repository, usage
// tracker, authenticator, content guard, price book, quota guard, statistics
// sink, and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.repo = provider.NewStaticRepository(a.cfg.ProviderRecords())
	a.tracker = usage.NewTracker()

	if keys := a.cfg.AuthKeys(); len(keys) > 0 {
		a.authn = auth.NewAuthenticator(keys)
		a.log.Info("authentication enabled", slog.Int("keys", len(keys)))
	} else {
		a.log.Warn("authentication disabled: no keys configured")
	}

	sw, err := guard.NewSensitiveWords(a.cfg.SensitiveWords.Literals, a.cfg.SensitiveWords.Patterns)
	if err != nil {
		return fmt.Errorf("sensitive words: %w", err)
	}
	a.sensitive = sw
	if n := sw.Len(); n > 0 {
		a.log.Info("content guard enabled", slog.Int("rules", n))
	}

	a.prices = pricing.NewBook(a.cfg.Pricing)

	var window *ratelimit.SlidingWindow
	if a.rdb != nil {
		window = ratelimit.NewSlidingWindow(a.rdb)
		a.log.Info("distributed rate limiting enabled")
	}
	a.limits = ratelimit.NewGuard(a.tracker, window, a.log)

	// Statistics sink: ClickHouse when configured, structured log otherwise.
	var flusher stats.Flusher
	if a.cfg.ClickHouse.Addr != "" {
		ch, err := stats.NewClickHouseFlusher(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		flusher = ch
		a.log.Info("statistics backend: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	} else {
		flusher = &stats.LogFlusher{Log: a.log}
		a.log.Info("statistics backend: log")
	}
	sink, err := stats.NewAsync(a.baseCtx, flusher, a.log)
	if err != nil {
		return fmt.Errorf("stats sink: %w", err)
	}
	a.sink = sink

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initRelay wires the proxy pipeline with all configured subsystems.
func (a *App) initRelay(_ context.Context) error {
	a.relay = proxy.New(a.baseCtx, a.repo, a.tracker, proxy.Options{
		Logger: a.log,
		Breaker: proxy.BreakerConfig{
			Threshold:    a.cfg.CircuitBreaker.Threshold,
			BaseCooldown: a.cfg.CircuitBreaker.BaseCooldown,
			MaxCooldown:  a.cfg.CircuitBreaker.MaxCooldown,
		},
		StickyTTL:       a.cfg.StickyTTL,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		Metrics:         a.prom,
		Auth:            a.authn,
		Sensitive:       a.sensitive,
		Limits:          a.limits,
		Prices:          a.prices,
		Sink:            a.sink,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
