// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreGetSetDel(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "k1")
	if err != nil || string(v) != "v1" {
		t.Fatalf("got %q, %v", v, err)
	}

	if err := s.Del(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreSetIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "lock", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: %v, %v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "lock", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail: %v, %v", ok, err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "expiring", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Get(ctx, "expiring"); err != ErrNotFound {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryStoreZSetOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.ZAdd(ctx, "jobs:pending", "job-a", 100)
	_ = s.ZAdd(ctx, "jobs:pending", "job-b", 50)
	_ = s.ZAdd(ctx, "jobs:pending", "job-c", 75)

	card, _ := s.ZCard(ctx, "jobs:pending")
	if card != 3 {
		t.Fatalf("expected card 3, got %d", card)
	}

	members, err := s.ZRange(ctx, "jobs:pending", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"job-b", "job-c", "job-a"}
	for i, m := range members {
		if m.Member != want[i] {
			t.Fatalf("position %d: got %s want %s", i, m.Member, want[i])
		}
	}

	_ = s.ZRem(ctx, "jobs:pending", "job-b")
	card, _ = s.ZCard(ctx, "jobs:pending")
	if card != 2 {
		t.Fatalf("expected card 2 after ZRem, got %d", card)
	}
}

func TestMemoryStoreScanPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "instance:1", []byte("a"), 0)
	_ = s.Set(ctx, "instance:2", []byte("b"), 0)
	_ = s.Set(ctx, "product:1", []byte("c"), 0)

	keys, err := s.Scan(ctx, "instance:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}

// TestMemoryStoreKindDistinguishesEncodings exercises the WRONGTYPE defense
// of spec.md §4.1 against the in-memory backend.
func TestMemoryStoreKindDistinguishesEncodings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "mixed:1", []byte("scalar"), 0)
	_ = s.ZAdd(ctx, "mixed:2", "m", 1)

	k1, _ := s.Kind(ctx, "mixed:1")
	if k1 != "string" {
		t.Fatalf("expected string, got %s", k1)
	}
	k2, _ := s.Kind(ctx, "mixed:2")
	if k2 != "zset" {
		t.Fatalf("expected zset, got %s", k2)
	}
	k3, _ := s.Kind(ctx, "missing")
	if k3 != "none" {
		t.Fatalf("expected none, got %s", k3)
	}
}
