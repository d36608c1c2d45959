// Copyright 2025 James Ross
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/novita/gpu-controlplane/internal/apperr"
	"github.com/novita/gpu-controlplane/internal/obs"
	"go.uber.org/zap"
)

// Status is the tagged variant over the payload's status field (spec.md
// §6.3, §9 "Webhook payload union").
type Status string

const (
	StatusRunning          Status = "running"
	StatusFailed           Status = "failed"
	StatusTimeout          Status = "timeout"
	StatusReady            Status = "ready"
	StatusHealthChecking   Status = "health_checking"
	StatusStartupInitiated Status = "startup_initiated"
	StatusStartupCompleted Status = "startup_completed"
	StatusStartupFailed    Status = "startup_failed"
	StatusStopped          Status = "stopped"
	StatusDeleted          Status = "deleted"
)

// Payload is the outbound notification body (spec.md §6.3).
type Payload struct {
	InstanceID       string         `json:"instanceId"`
	UpstreamID       string         `json:"upstreamId,omitempty"`
	Status           Status         `json:"status"`
	Timestamp        string         `json:"timestamp"`
	ElapsedTimeMs    int64          `json:"elapsedTime,omitempty"`
	Error            string         `json:"error,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	HealthCheck      any            `json:"healthCheck,omitempty"`
	StartupOperation any            `json:"startupOperation,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

// Dispatcher delivers HMAC-signed webhook POSTs with retry (spec.md §6.3).
type Dispatcher struct {
	http        *http.Client
	maxAttempts int
	log         *zap.Logger
}

func New(timeout time.Duration, maxAttempts int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		http:        &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// sign computes the hex-encoded HMAC-SHA256 of body under secret, matching
// the X-Webhook-Signature value verbatim modulo the "sha256=" prefix
// (spec.md §8 "Webhook signature determinism").
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver POSTs payload to url, retrying up to maxAttempts times with
// exponential backoff (1s, 2s, 4s, 8s, 16s capped at 30s) plus ±10%
// jitter. 4xx responses are final (spec.md §6.3).
func (d *Dispatcher) Deliver(ctx context.Context, url, secret string, payload Payload) error {
	start := time.Now()
	defer func() {
		obs.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal webhook payload", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, err := d.attempt(ctx, url, secret, body)
		if err == nil && status >= 200 && status < 300 {
			obs.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
			return nil
		}

		lastErr = err
		if status >= 400 && status < 500 {
			obs.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
			return apperr.New(apperr.KindWebhookDeliveryFailed, fmt.Sprintf("webhook endpoint returned %d", status))
		}
		if lastErr == nil {
			lastErr = apperr.New(apperr.KindWebhookDeliveryFailed, fmt.Sprintf("webhook endpoint returned %d", status))
		}

		if attempt == d.maxAttempts {
			break
		}
		delay := webhookBackoff(attempt)
		d.log.Warn("webhook delivery retrying", zap.String("url", url), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			obs.WebhookDeliveriesTotal.WithLabelValues("cancelled").Inc()
			return apperr.Wrap(apperr.KindWebhookDeliveryFailed, "delivery cancelled", ctx.Err())
		}
	}
	obs.WebhookDeliveriesTotal.WithLabelValues("exhausted").Inc()
	return apperr.Wrap(apperr.KindWebhookDeliveryFailed, "webhook delivery exhausted retries", lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, url, secret string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, secret))
		req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// webhookBackoff implements the 1s,2s,4s,8s,16s-capped-at-30s schedule of
// spec.md §6.3 plus ±10% jitter.
func webhookBackoff(attempt int) time.Duration {
	base := time.Second * time.Duration(1<<uint(attempt-1))
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(base))
	return base + jitter
}
