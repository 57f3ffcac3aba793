package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/moderation"
	"github.com/nulpointcorp/model-router/internal/proxy"
	"github.com/nulpointcorp/model-router/internal/ratelimit"
	"github.com/nulpointcorp/model-router/internal/session"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
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

// initCatalog builds the provider transports, key pools, and the logical
// model table. Topology errors are caught by config validation before we
// reach here.
func (a *App) initCatalog(_ context.Context) error {
	a.catalog = buildCatalog(a.cfg)
	if len(a.catalog.providers) == 0 {
		return fmt.Errorf("no enabled providers configured")
	}

	names := make([]string, 0, len(a.catalog.providers))
	for n := range a.catalog.providers {
		names = append(names, n)
	}
	a.log.Info("catalog loaded",
		slog.Any("providers", names),
		slog.Int("logical_models", len(a.catalog.models)),
	)

	return nil
}

// initServices creates the cache backend, metrics, health oracle, session
// store, and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		a.kc = npCache.NewRedisCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.kc = a.memCache
		cacheReady = func() bool { return true }
		a.log.Info("cache backend: memory (in-process, not shared across replicas)")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.pool = keypool.New(a.log)
	a.stats = metrics.NewStore(a.kc)
	a.sessions = session.NewStore(a.kc, a.cfg.Routing.SessionTTL, a.log)

	if a.cfg.Routing.EnableHealthCheck {
		a.oracle = health.NewOracle(a.baseCtx, a.catalog.ProbeTargets(), cacheReady, a.prom)
		a.log.Info("provider health checks enabled",
			slog.Int("targets", len(a.catalog.ProbeTargets())))
	}

	var sink logger.Sink
	if a.cfg.ClickHouse.DSN != "" {
		s, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = s
		a.log.Info("request log sink: clickhouse")
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the selector, retry engine, and the HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	selector := proxy.NewSelector(
		a.catalog,
		a.stats,
		a.sessions,
		a.oracle,
		a.kc,
		proxy.SelectorConfig{
			DisabledProviders: a.catalog.DisabledProviders(),
			HealthEnabled:     a.cfg.Routing.EnableHealthCheck,
			StickyBoost:       a.cfg.Routing.StickyBoost,
			P95CapMs:          a.cfg.Routing.P95CapMs,
		},
		a.prom,
		a.log,
	)

	engine := proxy.NewEngine(
		a.kc,
		a.pool,
		a.catalog,
		proxy.RetryConfig{
			FailureThreshold: a.cfg.Routing.ProviderFailureThreshold,
			FailureCooldown:  a.cfg.Routing.ProviderFailureCooldown,
			Budget:           a.cfg.Routing.RetryBudget,
		},
		a.prom,
		a.stats,
		a.log,
	)

	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && (a.cfg.RateLimit.RPMLimit > 0 || len(a.cfg.RateLimit.ModelRPMLimits) > 0) {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.cfg.RateLimit.ModelRPMLimits)
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.Int("model_limits", len(a.cfg.RateLimit.ModelRPMLimits)),
		)
	}

	var gate moderation.Gate
	if len(a.cfg.Moderation.BlockedTerms) > 0 {
		gate = moderation.NewBlocklistGate(a.cfg.Moderation.BlockedTerms)
		a.log.Info("moderation gate enabled",
			slog.Int("blocked_terms", len(a.cfg.Moderation.BlockedTerms)))
	}

	a.gw = proxy.NewGateway(a.baseCtx, proxy.GatewayDeps{
		Selector:      selector,
		Engine:        engine,
		Sessions:      a.sessions,
		Moderation:    gate,
		Health:        a.oracle,
		Limiter:       limiter,
		RequestLogger: a.reqLogger,
		Cache:         a.kc,
		Metrics:       a.prom,
		Logger:        a.log,
		CORSOrigins:   a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
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
