// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse when configured)
//  2. initCatalog  — provider transports, key pools, logical model table
//  3. initServices — cache, metrics, health oracle, sessions, request logger
//  4. initGateway  — selector + retry engine + HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/keypool"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/proxy"
	"github.com/nulpointcorp/model-router/internal/session"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	catalog   *Catalog
	kc        npCache.KeyedCache
	memCache  *npCache.MemoryCache
	pool      *keypool.Pool
	stats     *metrics.Store
	oracle    *health.Oracle
	sessions  *session.Store
	reqLogger *logger.Logger

	prom *metrics.Registry
	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"services", a.initServices},
		{"gateway", a.initGateway},
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

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.catalog.providers)),
		slog.Int("logical_models", len(a.catalog.models)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.oracle != nil {
		a.oracle.Close()
		a.oracle = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
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

// redisPinger returns a zero-argument probe function suitable for the
// health oracle. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}
