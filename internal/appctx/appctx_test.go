// Copyright 2025 James Ross
package appctx

import (
	"testing"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/store"
	"go.uber.org/zap"
)

func TestNewFallsBackToMemoryStoreWhenRedisUnreachable(t *testing.T) {
	cfg := &config.Config{
		Novita:   config.Novita{APIBaseURL: "http://localhost:1"},
		Store:    config.Store{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, EnableFallback: true},
		Upstream: config.Upstream{RateLimitPerMinute: 100, QueueDepth: 8, QueueMaxWait: time.Second, RequestTimeout: time.Second, MaxRetryAttempts: 0},
		Instance: config.Instance{DefaultRegion: "CN-HK-01"},
		Job:      config.Job{WorkerCount: 1, ClaimPoll: time.Second, JobTimeout: time.Second, ShutdownWait: time.Second},
		Webhook:  config.Webhook{Timeout: time.Second, MaxAttempts: 1},
	}
	app, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := app.Store.(*store.MemoryStore); !ok {
		t.Fatalf("expected fallback to MemoryStore, got %T", app.Store)
	}
}

func TestNewFailsWithoutFallback(t *testing.T) {
	cfg := &config.Config{
		Novita:   config.Novita{APIBaseURL: "http://localhost:1"},
		Store:    config.Store{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, EnableFallback: false},
		Upstream: config.Upstream{RateLimitPerMinute: 100, QueueDepth: 8, QueueMaxWait: time.Second, RequestTimeout: time.Second},
		Instance: config.Instance{DefaultRegion: "CN-HK-01"},
		Job:      config.Job{WorkerCount: 1, ClaimPoll: time.Second, JobTimeout: time.Second, ShutdownWait: time.Second},
	}
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error when store is unreachable and fallback is disabled")
	}
}
