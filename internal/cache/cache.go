// Copyright 2025 James Ross
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/novita/gpu-controlplane/internal/store"
	"go.uber.org/zap"
)

// Namespace prefixes the job queue (jobs:*) must never collide with
// (spec.md §5 shared-resource policy).
const (
	NamespaceInstance = "cache:instance:"
	NamespaceProduct  = "cache:product:"
	NamespaceTemplate = "cache:template:"
)

// defaultMaxEntries bounds a namespace's resident key count when the
// caller does not request a specific capacity via NewWithCapacity.
const defaultMaxEntries = 5000

const lruPrefix = "cache:lru:"

// Cache is a typed, namespaced layer over store.Store. It does not itself
// understand record shapes; callers marshal/unmarshal JSON payloads through
// Get/Set and the typed helpers below. Each namespace tracks its own
// recency-ordered sorted set so it can evict its least-recently-used entries
// independently once it grows past maxEntries (spec.md §2 cache component).
type Cache struct {
	backend    store.Store
	log        *zap.Logger
	maxEntries int
}

func New(backend store.Store, log *zap.Logger) *Cache {
	return NewWithCapacity(backend, log, defaultMaxEntries)
}

// NewWithCapacity is New with an explicit per-namespace entry cap. A
// non-positive maxEntries disables eviction entirely.
func NewWithCapacity(backend store.Store, log *zap.Logger, maxEntries int) *Cache {
	return &Cache{backend: backend, log: log, maxEntries: maxEntries}
}

// touch records key as most-recently-used within namespace and evicts the
// oldest entries if the namespace has grown past its cap.
func (c *Cache) touch(ctx context.Context, namespace, key string) {
	if c.maxEntries <= 0 {
		return
	}
	lru := lruPrefix + namespace
	if err := c.backend.ZAdd(ctx, lru, key, float64(time.Now().UnixNano())); err != nil {
		c.log.Warn("cache: failed to update lru", zap.String("namespace", namespace), zap.Error(err))
		return
	}
	card, err := c.backend.ZCard(ctx, lru)
	if err != nil || card <= int64(c.maxEntries) {
		return
	}
	stale, err := c.backend.ZRange(ctx, lru, math.Inf(-1), math.Inf(1))
	if err != nil {
		return
	}
	overflow := int(card) - c.maxEntries
	if overflow > len(stale) {
		overflow = len(stale)
	}
	for _, m := range stale[:overflow] {
		if err := c.backend.Del(ctx, namespace+m.Member); err != nil {
			c.log.Warn("cache: lru eviction delete failed", zap.String("key", namespace+m.Member), zap.Error(err))
			continue
		}
		_ = c.backend.ZRem(ctx, lru, m.Member)
	}
}

// Get returns the raw bytes stored under namespace+key, or store.ErrNotFound.
// It defends against WRONGTYPE per spec.md §4.1: if the backend reports the
// key holds a non-scalar encoding, Get treats it as absent rather than
// propagating a type-confusion error up the call stack.
func (c *Cache) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	full := namespace + key
	kind, err := c.backend.Kind(ctx, full)
	if err == nil && kind != "none" && kind != "string" {
		c.log.Warn("cache: skipping key with unexpected encoding", zap.String("key", full), zap.String("kind", kind))
		return nil, store.ErrNotFound
	}
	raw, err := c.backend.Get(ctx, full)
	if err != nil {
		return nil, err
	}
	c.touch(ctx, namespace, key)
	return raw, nil
}

func (c *Cache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := c.backend.Set(ctx, namespace+key, value, ttl); err != nil {
		return err
	}
	c.touch(ctx, namespace, key)
	return nil
}

func (c *Cache) Del(ctx context.Context, namespace, key string) error {
	if c.maxEntries > 0 {
		_ = c.backend.ZRem(ctx, lruPrefix+namespace, key)
	}
	return c.backend.Del(ctx, namespace+key)
}

// GetJSON unmarshals the cached value into dst. Returns store.ErrNotFound if
// absent.
func (c *Cache) GetJSON(ctx context.Context, namespace, key string, dst any) error {
	raw, err := c.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (c *Cache) SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s%s: %w", namespace, key, err)
	}
	return c.Set(ctx, namespace, key, raw, ttl)
}

// Keys lists keys under namespace, filtering out anything the backend
// returned that does not actually carry the namespace prefix and anything
// whose encoding does not match "string" (the WRONGTYPE defense, applied
// here to bulk sweeps rather than single-key Get).
func (c *Cache) Keys(ctx context.Context, namespace string) ([]string, error) {
	raw, err := c.backend.Scan(ctx, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if len(k) < len(namespace) || k[:len(namespace)] != namespace {
			continue
		}
		kind, err := c.backend.Kind(ctx, k)
		if err != nil || (kind != "string" && kind != "none") {
			if err == nil && kind != "none" {
				c.log.Warn("cache: scan skipping mismatched key", zap.String("key", k), zap.String("kind", kind))
			}
			continue
		}
		out = append(out, k[len(namespace):])
	}
	return out, nil
}

// Invalidate deletes every entry in namespace; used by admin tooling and
// tests, never by steady-state request handling.
func (c *Cache) Invalidate(ctx context.Context, namespace string) error {
	keys, err := c.Keys(ctx, namespace)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.Del(ctx, namespace, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Logger() *zap.Logger { return c.log }
