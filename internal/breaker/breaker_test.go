// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestBreakerTransitions(t *testing.T) {
	cb := New(200*time.Millisecond, 2, 1)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open")
	}
	if cb.Allow() != false {
		t.Fatal("should not allow until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if cb.Allow() != true {
		t.Fatal("should allow probe in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after probe success")
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := New(10*time.Millisecond, 5, 3)
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	if cb.State() != Open {
		t.Fatal("expected open after 5 consecutive failures")
	}
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe allowed")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected reopen on failed probe")
	}
}
