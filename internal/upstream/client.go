// Copyright 2025 James Ross
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/novita/gpu-controlplane/internal/apperr"
	"github.com/novita/gpu-controlplane/internal/breaker"
	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/novita/gpu-controlplane/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryJitter = 0.3
)

// Client is the typed adapter over the provider's HTTP API (spec.md §4.2),
// composing the reliability stack: rate limiter, bounded request queue,
// retry with backoff, circuit breaker, per-request timeout.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	userAgent string

	limiter *ratelimit.Limiter
	cb      *breaker.CircuitBreaker
	queue   chan struct{}

	queueMaxWait time.Duration
	maxAttempts  int
	reqTimeout   time.Duration

	log *zap.Logger
}

func New(cfg *config.Upstream, novita *config.Novita, log *zap.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:   novita.APIBaseURL,
		apiKey:    novita.APIKey,
		userAgent: cfg.UserAgent,
		limiter:   ratelimit.New(cfg.RateLimitPerMinute),
		cb: breaker.NewNamed("upstream",
			cfg.Breaker.CooldownPeriod,
			cfg.Breaker.OpenAfterFailures,
			cfg.Breaker.CloseAfterSuccesses,
		),
		queue:        make(chan struct{}, cfg.QueueDepth),
		queueMaxWait: cfg.QueueMaxWait,
		maxAttempts:  cfg.MaxRetryAttempts,
		reqTimeout:   cfg.RequestTimeout,
		log:          log,
	}
}

// acquire reserves a slot in the bounded FIFO request queue, failing fast
// if none frees up within queueMaxWait (spec.md §4.2 "Request queue").
func (c *Client) acquire(ctx context.Context) (func(), error) {
	select {
	case c.queue <- struct{}{}:
		return func() { <-c.queue }, nil
	case <-time.After(c.queueMaxWait):
		return nil, apperr.New(apperr.KindQueueTimeout, "upstream request queue full")
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindQueueTimeout, "upstream request queue wait cancelled", ctx.Err())
	}
}

// do executes method/path with the full reliability stack and decodes a
// JSON response into out (if non-nil). body, if non-nil, is marshaled as
// the JSON request body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.KindNetwork, "rate limiter wait cancelled", err)
	}

	var raw []byte
	if body != nil {
		raw, err = json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "marshal upstream request body", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts+1; attempt++ {
		if !c.cb.Allow() {
			return apperr.New(apperr.KindCircuitOpen, "upstream circuit breaker open")
		}

		respBody, status, retryAfter, err := c.doOnce(ctx, method, path, raw)
		if err == nil && status < 300 {
			c.cb.Record(true)
			if out != nil && len(respBody) > 0 {
				if jerr := json.Unmarshal(respBody, out); jerr != nil {
					return apperr.Wrap(apperr.KindUnknown, "decode upstream response", jerr)
				}
			}
			return nil
		}

		kind := classify(status, err)
		ae := apperr.Wrap(kind, fmt.Sprintf("%s %s", method, path), err)
		if status > 0 {
			ae = apperr.WithDetails(ae, map[string]any{"status": status, "body": string(respBody)})
		}
		lastErr = ae

		if !kind.Retryable() {
			c.cb.Record(false)
			return ae
		}
		c.cb.Record(false)

		if attempt > c.maxAttempts {
			break
		}

		delay := backoff(defaultRetryBase, attempt, defaultRetryJitter)
		if retryAfter > 0 {
			delay = retryAfter
		}
		c.log.Warn("upstream request retrying",
			zap.String("method", method), zap.String("path", path),
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindNetwork, "retry wait cancelled", ctx.Err())
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (respBody []byte, status int, retryAfter time.Duration, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	out, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return out, resp.StatusCode, retryAfter, readErr
}

// classify maps a transport error or HTTP status to an apperr.Kind per the
// error taxonomy of spec.md §7.
func classify(status int, err error) apperr.Kind {
	if err != nil && status == 0 {
		return apperr.KindNetwork
	}
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.KindUpstreamRateLimit
	case status >= 500:
		return apperr.KindUpstreamServer
	case status >= 400:
		return apperr.KindUpstreamClient
	default:
		return apperr.KindUnknown
	}
}
