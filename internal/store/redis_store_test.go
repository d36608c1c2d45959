// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedisStore(t *testing.T) (*RedisStore, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return NewRedisStoreFromClient(client), cleanup
}

func TestRedisStoreGetSetDel(t *testing.T) {
	s, cleanup := setupTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, s.Del(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreSetIfAbsent(t *testing.T) {
	s, cleanup := setupTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	acquired, err := s.SetIfAbsent(ctx, "lock", []byte("holder-a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.SetIfAbsent(ctx, "lock", []byte("holder-b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "second acquire must fail while lock is held")
}

func TestRedisStoreZSet(t *testing.T) {
	s, cleanup := setupTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "jobs:pending", "job-a", 100))
	require.NoError(t, s.ZAdd(ctx, "jobs:pending", "job-b", 50))
	require.NoError(t, s.ZAdd(ctx, "jobs:pending", "job-c", 75))

	card, err := s.ZCard(ctx, "jobs:pending")
	require.NoError(t, err)
	assert.EqualValues(t, 3, card)

	members, err := s.ZRange(ctx, "jobs:pending", 0, 100)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "job-b", members[0].Member)
	assert.Equal(t, "job-c", members[1].Member)
	assert.Equal(t, "job-a", members[2].Member)

	require.NoError(t, s.ZRem(ctx, "jobs:pending", "job-b"))
	card, err = s.ZCard(ctx, "jobs:pending")
	require.NoError(t, err)
	assert.EqualValues(t, 2, card)
}

func TestRedisStoreScan(t *testing.T) {
	s, cleanup := setupTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "instance:1", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "instance:2", []byte("b"), 0))
	require.NoError(t, s.Set(ctx, "product:1", []byte("c"), 0))

	keys, err := s.Scan(ctx, "instance:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"instance:1", "instance:2"}, keys)
}

func TestRedisStoreKindSkipsWrongType(t *testing.T) {
	s, cleanup := setupTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "mixed:1", []byte("scalar"), 0))
	require.NoError(t, s.ZAdd(ctx, "mixed:2", "m", 1))

	k1, err := s.Kind(ctx, "mixed:1")
	require.NoError(t, err)
	assert.Equal(t, "string", k1)

	k2, err := s.Kind(ctx, "mixed:2")
	require.NoError(t, err)
	assert.Equal(t, "zset", k2)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	s, cleanup := setupTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "expiring", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := s.Get(ctx, "expiring")
	assert.ErrorIs(t, err, ErrNotFound)
}
