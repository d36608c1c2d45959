// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/novita/gpu-controlplane/internal/appctx"
	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/obs"
	"github.com/novita/gpu-controlplane/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|scheduler|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app, err := appctx.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application context", obs.Err(err))
	}

	httpSrv := obs.StartHTTPServer(cfg, app.Health.Summary)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Job.ShutdownWait):
		}
	}()

	if err := appctx.SyncOnStartup(ctx, app); err != nil {
		logger.Warn("startup sync failed, continuing without it", obs.Err(err))
	}

	pool := buildWorkerPool(app)

	switch role {
	case "worker":
		pool.Run(ctx)
	case "scheduler":
		app.Scheduler.Run(ctx)
	case "all":
		go app.Scheduler.Run(ctx)
		pool.Run(ctx)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Job.ShutdownWait)
	defer shutdownCancel()
	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("error during shutdown", obs.Err(err))
	}
}

func buildWorkerPool(app *appctx.App) *worker.Pool {
	pool := worker.NewPool(&app.Config.Job, app.Jobs, app.Log)
	pool.Register(jobqueue.TypeMonitorInstance, worker.MonitorInstanceHandler(app.Instance, &app.Config.Instance))
	pool.Register(jobqueue.TypeMonitorStartup, worker.MonitorStartupHandler(app.Instance, &app.Config.Instance))
	pool.Register(jobqueue.TypeSendWebhook, worker.SendWebhookHandler(app.Webhook))
	pool.Register(jobqueue.TypeMigrateSpotInstances, worker.MigrateSpotInstancesHandler(app.Migration))
	pool.Register(jobqueue.TypeAutoStop, worker.AutoStopHandler(app.Instance, &app.Config.AutoStop, app.Log))
	return pool
}
