// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"testing"
	"time"
)

// Under concurrent load while HalfOpen, only a single probe is allowed at a time.
func TestBreakerHalfOpenSingleProbeUnderLoad(t *testing.T) {
	cb := New(50*time.Millisecond, 2, 2)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after 2 consecutive failures")
	}

	time.Sleep(60 * time.Millisecond)

	const N = 100
	var wg sync.WaitGroup
	wg.Add(N)
	trues := 0
	var mu sync.Mutex
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				trues++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if trues != 1 {
		t.Fatalf("expected exactly 1 allowed probe, got %d", trues)
	}

	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected open after failed probe, got %v", cb.State())
	}

	time.Sleep(60 * time.Millisecond)
	trues = 0
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				trues++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if trues != 1 {
		t.Fatalf("expected exactly 1 allowed probe in second cycle, got %d", trues)
	}

	cb.Record(true)
	if cb.State() != HalfOpen {
		t.Fatalf("expected still half-open after one success (closeAfterSuccesses=2), got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected second probe to be allowed")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("expected closed after 2 consecutive probe successes, got %v", cb.State())
	}
}
