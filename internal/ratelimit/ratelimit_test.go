// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := New(60) // 1/sec, burst 10
	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed == 0 || allowed > 11 {
		t.Fatalf("expected a small burst window to pass, got %d", allowed)
	}
}

func TestLimiterWaitRespectsContext(t *testing.T) {
	l := New(60)
	for i := 0; i < 20; i++ {
		l.Allow()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context deadline error when bucket is drained")
	}
}
