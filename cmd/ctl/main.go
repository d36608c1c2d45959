// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/novita/gpu-controlplane/internal/admin"
	"github.com/novita/gpu-controlplane/internal/appctx"
	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/obs"
)

func main() {
	var configPath string
	var cmd string
	var instanceID string
	var n int
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&cmd, "cmd", "", "Admin command: stats|peek|sweep|stop|health")
	fs.StringVar(&instanceID, "instance", "", "instanceId for the stop command")
	fs.IntVar(&n, "n", 10, "Number of records for peek")
	_ = fs.Parse(os.Args[1:])

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

	ctx := context.Background()
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, app)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		res, err := admin.Peek(ctx, app, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "sweep":
		res, err := admin.Sweep(ctx, app)
		if err != nil {
			logger.Fatal("admin sweep error", obs.Err(err))
		}
		printJSON(res)
	case "stop":
		if instanceID == "" {
			logger.Fatal("admin stop requires --instance")
		}
		status, err := admin.ForceStop(ctx, app, instanceID)
		if err != nil {
			logger.Fatal("admin stop error", obs.Err(err))
		}
		printJSON(map[string]string{"instanceId": instanceID, "status": string(status)})
	case "health":
		res, err := admin.Health(ctx, app)
		if err != nil {
			logger.Fatal("admin health error", obs.Err(err))
		}
		printJSON(res)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
