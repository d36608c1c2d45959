// Copyright 2025 James Ross
package appctx

import (
	"context"
	"fmt"
	"time"

	"github.com/novita/gpu-controlplane/internal/cache"
	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/health"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/migration"
	"github.com/novita/gpu-controlplane/internal/scheduler"
	"github.com/novita/gpu-controlplane/internal/store"
	"github.com/novita/gpu-controlplane/internal/upstream"
	"github.com/novita/gpu-controlplane/internal/webhook"
	"go.uber.org/zap"
)

// App is the explicit application context: every shared dependency the
// server, worker pool, scheduler, and admin CLI are built from (spec.md
// §9 "no global singletons" design note). It is constructed once at
// process start and passed by reference.
type App struct {
	Config *config.Config
	Log    *zap.Logger

	Store    store.Store
	Cache    *cache.Cache
	Upstream *upstream.Client
	Jobs     *jobqueue.Queue
	Instance *instance.Service
	Webhook  *webhook.Dispatcher
	Migration *migration.Engine
	Scheduler *scheduler.Scheduler
	Health    *health.Bootstrap
}

// New wires every shared component from cfg. It dials the configured
// store backend, falling back to an in-process MemoryStore when the
// primary is unreachable and store.enable_fallback is set (spec.md §4.1
// "Storage fallback").
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	backend, err := connectStore(cfg, log)
	if err != nil {
		return nil, err
	}

	c := cache.New(backend, log)
	upClient := upstream.New(&cfg.Upstream, &cfg.Novita, log)
	jobs := jobqueue.New(backend, log, cfg.Job.RetryBase, cfg.Job.RetryMax, cfg.Job.RetryJitter)

	regions := []upstream.Region{{Code: cfg.Instance.DefaultRegion, Priority: 0}}
	svc := instance.New(c, upClient, jobs, regions, &cfg.Instance, log)

	hooks := webhook.New(cfg.Webhook.Timeout, cfg.Webhook.MaxAttempts, log)
	migrationEngine := migration.New(upClient, svc, backend, &cfg.Migration, log)
	sched := scheduler.New(svc, jobs, backend, cfg, log)
	bootstrap := health.NewBootstrap(svc, upClient, jobs, backend, sched, &cfg.Sync, log)

	return &App{
		Config: cfg, Log: log,
		Store: backend, Cache: c, Upstream: upClient, Jobs: jobs, Instance: svc,
		Webhook: hooks, Migration: migrationEngine, Scheduler: sched, Health: bootstrap,
	}, nil
}

func connectStore(cfg *config.Config, log *zap.Logger) (store.Store, error) {
	rs := store.NewRedisStore(&cfg.Store)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.DialTimeout)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		if !cfg.Store.EnableFallback {
			return nil, fmt.Errorf("appctx: connect store: %w", err)
		}
		log.Warn("store unreachable, falling back to in-process memory store", zap.Error(err))
		_ = rs.Close()
		return store.NewMemoryStore(), nil
	}
	return rs, nil
}

// SyncOnStartup runs the single-flight bootstrap reconciliation against
// upstream, guarded by the distributed sync:lock key so only one replica
// in a multi-process deployment performs it (spec.md §4.3 "Startup sync").
func SyncOnStartup(ctx context.Context, app *App) error {
	if !app.Config.Sync.EnableAutomaticSync {
		return nil
	}
	return scheduler.SyncOnStartup(ctx, app.Store, app.Config.Sync.LockTTL, app.Health.Sync)
}

// Close releases resources owned by the app context in dependency order.
func (a *App) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	a.Jobs.Shutdown(shutdownCtx, a.Config.Job.ShutdownWait)
	return a.Store.Close()
}
