// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/novita/gpu-controlplane/internal/config"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc produces a JSON-marshalable health summary; the core's
// health.Bootstrap.Summary method satisfies this without obs needing to
// import the health package (avoids an import cycle, same reason the
// teacher keeps StartHTTPServer's readiness hook as a bare func).
type HealthFunc func(context.Context) (any, error)

// StartHTTPServer exposes /metrics, /healthz (liveness) and /health (the
// richer summary of spec.md §6.1's health operation, when provided).
func StartHTTPServer(cfg *config.Config, health HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
			return
		}
		summary, err := health(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("health check failed: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
