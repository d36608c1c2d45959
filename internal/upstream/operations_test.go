// Copyright 2025 James Ross
package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novita/gpu-controlplane/internal/apperr"
	"github.com/novita/gpu-controlplane/internal/config"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := &config.Upstream{
		RateLimitPerMinute: 6000,
		QueueMaxWait:       time.Second,
		QueueDepth:         64,
		MaxRetryAttempts:   3,
		RequestTimeout:     2 * time.Second,
		Breaker: config.CircuitBreaker{
			OpenAfterFailures:   5,
			CooldownPeriod:      50 * time.Millisecond,
			CloseAfterSuccesses: 1,
		},
		UserAgent: "test-agent/1.0",
	}
	novita := &config.Novita{APIKey: "test-key", APIBaseURL: srv.URL}
	return New(cfg, novita, zap.NewNop()), srv
}

func TestGetOptimalProductRegionFallback(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"products": []Product{
				{ID: "p-sgp", ProductName: "RTX 4090 24GB", Region: "AS-SGP-02", SpotPrice: 0.6, Available: true},
				{ID: "p-ca", ProductName: "RTX 4090 24GB", Region: "US-CA-06 (California)", SpotPrice: 0.4, Available: true},
			},
		})
	})
	c, srv := newTestClient(t, handler)
	defer srv.Close()

	regions := []Region{
		{Code: "CN-HK-01", Priority: 0},
		{Code: "AS-SGP-02", Priority: 1},
		{Code: "US-CA-06", Priority: 2},
	}
	p, region, err := c.GetOptimalProduct(context.Background(), "RTX 4090 24GB", "CN-HK-01", regions)
	if err != nil {
		t.Fatal(err)
	}
	if region != "AS-SGP-02" {
		t.Fatalf("expected AS-SGP-02 (priority over lower price), got %s", region)
	}
	if p.ID != "p-sgp" {
		t.Fatalf("expected p-sgp, got %s", p.ID)
	}
}

func TestGetOptimalProductNoAvailability(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"products": []Product{}})
	})
	c, srv := newTestClient(t, handler)
	defer srv.Close()

	_, _, err := c.GetOptimalProduct(context.Background(), "RTX 4090 24GB", "CN-HK-01", nil)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestClientRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Instance{ID: "u1", Status: "running"})
	})
	c, srv := newTestClient(t, handler)
	defer srv.Close()

	inst, err := c.GetInstance(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != "running" {
		t.Fatalf("expected running, got %s", inst.Status)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestClientDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	c, srv := newTestClient(t, handler)
	defer srv.Close()

	_, err := c.GetInstance(context.Background(), "missing")
	if apperr.KindOf(err) != apperr.KindUpstreamClient {
		t.Fatalf("expected KindUpstreamClient, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
}

func TestClientCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, srv := newTestClient(t, handler)
	defer srv.Close()
	c.maxAttempts = 0 // force each call to count as exactly one breaker failure

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = c.GetInstance(context.Background(), "u1")
	}
	if apperr.KindOf(lastErr) == apperr.KindCircuitOpen {
		t.Fatal("breaker should not be open before the 5th recorded failure completes")
	}

	_, err := c.GetInstance(context.Background(), "u1")
	if apperr.KindOf(err) != apperr.KindCircuitOpen {
		t.Fatalf("expected circuit open after 5 consecutive failures, got %v", err)
	}
}
