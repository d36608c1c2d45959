// Copyright 2025 James Ross
package health

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

func newTestBootstrap(t *testing.T, handler http.HandlerFunc, syncCfg *config.Sync) (*Bootstrap, *instance.Service) {
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
	jobs := jobqueue.New(backend, zap.NewNop(), 100*time.Millisecond, 10*time.Second, 0)
	svc := instance.New(c, up, jobs, nil, &config.Instance{DefaultRegion: "CN-HK-01"}, zap.NewNop())

	b := NewBootstrap(svc, up, jobs, backend, nil, syncCfg, zap.NewNop())
	return b, svc
}

func TestSyncMergesMatchingUpstreamInstance(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.ListInstancesResult{
			Instances: []upstream.Instance{{ID: "u1", Status: "running", Region: "CN-HK-01"}},
			Total:     1,
		})
	}
	syncCfg := &config.Sync{CreatingGracePeriod: time.Minute}
	b, svc := newTestBootstrap(t, handler, syncCfg)

	ctx := context.Background()
	rec := &instance.Record{
		InstanceID: "inst-1", UpstreamID: "u1", Status: instance.StatusCreated,
		Timestamps: map[string]time.Time{"created": time.Now().Add(-time.Hour)},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	merged, err := svc.Get(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if merged.Status != instance.StatusRunning {
		t.Fatalf("expected merged status running, got %s", merged.Status)
	}
	if b.lastSync.InstancesSeen != 1 {
		t.Fatalf("expected 1 instance seen, got %d", b.lastSync.InstancesSeen)
	}
}

func TestSyncMarksObsoleteWhenNoUpstreamMatch(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.ListInstancesResult{Instances: nil, Total: 0})
	}
	syncCfg := &config.Sync{
		RemoveObsoleteInstances:       true,
		ObsoleteInstanceRetentionDays: 1,
		CreatingGracePeriod:           time.Minute,
	}
	b, svc := newTestBootstrap(t, handler, syncCfg)

	ctx := context.Background()
	rec := &instance.Record{
		InstanceID: "inst-2", UpstreamID: "u-gone", Status: instance.StatusExited,
		Timestamps: map[string]time.Time{"created": time.Now().Add(-48 * time.Hour)},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if b.lastSync.InstancesStale != 1 {
		t.Fatalf("expected 1 stale instance, got %d", b.lastSync.InstancesStale)
	}
}

func TestSyncMarksTerminatedAndRetainsRecordByDefault(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.ListInstancesResult{Instances: nil, Total: 0})
	}
	syncCfg := &config.Sync{
		RemoveObsoleteInstances:       false,
		ObsoleteInstanceRetentionDays: 7,
		CreatingGracePeriod:           time.Minute,
	}
	b, svc := newTestBootstrap(t, handler, syncCfg)

	ctx := context.Background()
	rec := &instance.Record{
		InstanceID: "inst-A", UpstreamID: "u-gone", Status: instance.StatusRunning,
		Timestamps: map[string]time.Time{"created": time.Now().Add(-48 * time.Hour)},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if b.lastSync.InstancesStale != 1 {
		t.Fatalf("expected 1 stale instance, got %d", b.lastSync.InstancesStale)
	}

	after, err := svc.Get(ctx, "inst-A")
	if err != nil {
		t.Fatalf("expected record to still be present after default obsolete handling: %v", err)
	}
	if after.Status != instance.StatusTerminated {
		t.Fatalf("expected status terminated, got %s", after.Status)
	}
	if after.Timestamps["terminated"].IsZero() {
		t.Fatal("expected timestamps.terminated to be set")
	}
}

func TestSyncPurgesTerminatedInstancePastRetention(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.ListInstancesResult{Instances: nil, Total: 0})
	}
	syncCfg := &config.Sync{
		RemoveObsoleteInstances:       false,
		ObsoleteInstanceRetentionDays: 1,
		CreatingGracePeriod:           time.Minute,
	}
	b, svc := newTestBootstrap(t, handler, syncCfg)

	ctx := context.Background()
	rec := &instance.Record{
		InstanceID: "inst-B", UpstreamID: "u-gone-2", Status: instance.StatusTerminated,
		Timestamps: map[string]time.Time{
			"created":    time.Now().Add(-72 * time.Hour),
			"terminated": time.Now().Add(-48 * time.Hour),
		},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if b.lastSync.InstancesStale != 1 {
		t.Fatalf("expected 1 stale instance, got %d", b.lastSync.InstancesStale)
	}
	if _, err := svc.Get(ctx, "inst-B"); err == nil {
		t.Fatal("expected record to be purged after retention window elapsed")
	}
}

func TestSyncRemovesStuckCreatingInstanceWithoutUpstreamID(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upstream.ListInstancesResult{Instances: nil, Total: 0})
	}
	syncCfg := &config.Sync{
		RemoveObsoleteInstances: false,
		CreatingGracePeriod:     time.Minute,
	}
	b, svc := newTestBootstrap(t, handler, syncCfg)

	ctx := context.Background()
	rec := &instance.Record{
		InstanceID: "inst-C", Status: instance.StatusCreating,
		Timestamps: map[string]time.Time{"created": time.Now().Add(-time.Hour)},
	}
	if err := svc.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if b.lastSync.InstancesStale != 1 {
		t.Fatalf("expected 1 stale instance, got %d", b.lastSync.InstancesStale)
	}
	if _, err := svc.Get(ctx, "inst-C"); err == nil {
		t.Fatal("expected stuck creating instance to be removed")
	}
}

func TestSummaryReportsDegradedOnUpstreamFailure(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	b, _ := newTestBootstrap(t, handler, &config.Sync{CreatingGracePeriod: time.Minute})

	raw, err := b.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	summary := raw.(Summary)
	if summary.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", summary.Status)
	}
	if summary.Services["upstream"].Status != "down" {
		t.Fatalf("expected upstream down, got %+v", summary.Services["upstream"])
	}
}
