// Copyright 2025 James Ross
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback used when config.Store.EnableFallback
// is set and Redis is unreachable at startup (spec.md §4.1). It has no
// durability across restarts and is intended for degraded-mode operation,
// not for production steady state.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]entry
	zsets  map[string]map[string]float64
	closed bool
}

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]entry),
		zsets:  make(map[string]map[string]float64),
	}
}

func (s *MemoryStore) expired(e entry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.values[key]
	s.mu.RUnlock()
	if !ok || s.expired(e) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.values[key] = entry{value: cp, expires: exp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	delete(s.zsets, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.values[key]; ok && !s.expired(e) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = entry{value: cp, expires: exp}
	return true, nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.values {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			keys = append(keys, k)
		}
	}
	for k := range s.zsets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z := s.zsets[key]
	out := make([]ZMember, 0, len(z))
	for member, score := range z {
		if score >= min && score <= max {
			out = append(out, ZMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (s *MemoryStore) Pipeline(ctx context.Context, ops []PipeOp) ([]PipeResult, error) {
	results := make([]PipeResult, len(ops))
	for i, op := range ops {
		switch op.Op {
		case "get":
			v, err := s.Get(ctx, op.Key)
			results[i] = PipeResult{Value: v, Found: err == nil, Err: errNilIfNotFound(err)}
		case "set":
			err := s.Set(ctx, op.Key, op.Value, op.TTL)
			results[i] = PipeResult{Err: err}
		case "del":
			err := s.Del(ctx, op.Key)
			results[i] = PipeResult{Err: err}
		case "zadd":
			err := s.ZAdd(ctx, op.Key, string(op.Value), op.Score)
			results[i] = PipeResult{Err: err}
		case "zcard":
			n, err := s.ZCard(ctx, op.Key)
			results[i] = PipeResult{Value: []byte{byte(n)}, Err: err}
		}
	}
	return results, nil
}

func errNilIfNotFound(err error) error {
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Kind reports "string" for scalar keys and "zset" for sorted sets, mirroring
// Redis's TYPE command closely enough for Scan-driven callers to skip
// mismatched keys.
func (s *MemoryStore) Kind(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.values[key]; ok && !s.expired(e) {
		return "string", nil
	}
	if _, ok := s.zsets[key]; ok {
		return "zset", nil
	}
	return "none", nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
