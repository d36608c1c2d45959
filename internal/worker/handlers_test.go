// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/novita/gpu-controlplane/internal/cache"
	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/instance"
	"github.com/novita/gpu-controlplane/internal/jobqueue"
	"github.com/novita/gpu-controlplane/internal/store"
	"github.com/novita/gpu-controlplane/internal/upstream"
	"go.uber.org/zap"
)

func newHandlerTestService(t *testing.T, handler http.HandlerFunc) (*instance.Service, *jobqueue.Queue) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	upCfg := &config.Upstream{
		RateLimitPerMinute: 6000, QueueMaxWait: time.Second, QueueDepth: 64,
		MaxRetryAttempts: 1, RequestTimeout: 2 * time.Second,
		Breaker: config.CircuitBreaker{OpenAfterFailures: 5, CooldownPeriod: time.Second, CloseAfterSuccesses: 1},
		UserAgent: "test/1.0",
	}
	novita := &config.Novita{APIKey: "k", APIBaseURL: srv.URL}
	up := upstream.New(upCfg, novita, zap.NewNop())

	backend := store.NewMemoryStore()
	c := cache.New(backend, zap.NewNop())
	jobs := jobqueue.New(backend, zap.NewNop(), 10*time.Millisecond, time.Second, 0)
	svc := instance.New(c, up, jobs, nil, &config.Instance{DefaultRegion: "CN-HK-01"}, zap.NewNop())
	return svc, jobs
}

func TestMonitorInstanceHandlerTransitionsToReadyWhenRunning(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.Instance{ID: "u1", Status: "running"})
	}
	svc, jobs := newHandlerTestService(t, handler)
	ctx := context.Background()

	rec := &instance.Record{
		InstanceID: "inst-1", UpstreamID: "u1", Status: instance.StatusCreated,
		Timestamps: map[string]time.Time{"created": time.Now()},
		Config:     instance.CreateConfig{WebhookURL: "http://example.invalid/hook"},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	job := &jobqueue.Job{Payload: mustJSON(t, map[string]string{"instanceId": "inst-1"})}
	h := MonitorInstanceHandler(svc, &config.Instance{MonitorDeadline: time.Hour})
	if err := h(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != instance.StatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}

	stats, err := jobs.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected a webhook job enqueued, stats=%+v", stats)
	}
}

func TestMonitorInstanceHandlerTimesOutPastDeadline(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.Instance{ID: "u2", Status: "creating"})
	}
	svc, _ := newHandlerTestService(t, handler)
	ctx := context.Background()

	rec := &instance.Record{
		InstanceID: "inst-2", UpstreamID: "u2", Status: instance.StatusCreated,
		Timestamps: map[string]time.Time{"created": time.Now().Add(-time.Hour)},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	job := &jobqueue.Job{Payload: mustJSON(t, map[string]string{"instanceId": "inst-2"})}
	h := MonitorInstanceHandler(svc, &config.Instance{MonitorDeadline: time.Minute})
	if err := h(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, "inst-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != instance.StatusFailed {
		t.Fatalf("expected failed after deadline, got %s", got.Status)
	}
}

func TestMonitorInstanceHandlerReturnsErrorWhileStillPending(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.Instance{ID: "u3", Status: "creating"})
	}
	svc, _ := newHandlerTestService(t, handler)
	ctx := context.Background()

	rec := &instance.Record{
		InstanceID: "inst-3", UpstreamID: "u3", Status: instance.StatusCreated,
		Timestamps: map[string]time.Time{"created": time.Now()},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	job := &jobqueue.Job{Payload: mustJSON(t, map[string]string{"instanceId": "inst-3"})}
	h := MonitorInstanceHandler(svc, &config.Instance{MonitorDeadline: time.Hour})
	if err := h(ctx, job); err == nil {
		t.Fatal("expected error to keep the job retrying while still creating")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
