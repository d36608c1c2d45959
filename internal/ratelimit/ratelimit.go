// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate.Limiter sized in requests-per-minute,
// the unit spec.md §4.2 states the upstream adapter's limit in (default
// 100 req/min).
type Limiter struct {
	rl *rate.Limiter
}

// New builds a limiter allowing perMinute requests per minute with a burst
// equal to perMinute/6 (10s worth of traffic), rounded up to at least 1.
func New(perMinute int) *Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	every := time.Minute / time.Duration(perMinute)
	return &Limiter{rl: rate.NewLimiter(rate.Every(every), burst)}
}

// Wait blocks until a token is available or ctx is done, whichever comes
// first. Callers should derive ctx from the adapter's bounded request-queue
// wait so a caller stuck behind a saturated limiter fails fast instead of
// blocking indefinitely.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Allow reports whether a request may proceed immediately without
// consuming a wait, used by health reporting to surface current headroom.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}

// SetLimit adjusts the rate at runtime, used if config is hot-reloaded.
func (l *Limiter) SetLimit(perMinute int) {
	if perMinute < 1 {
		perMinute = 1
	}
	l.rl.SetLimit(rate.Every(time.Minute / time.Duration(perMinute)))
}
