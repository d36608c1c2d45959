// Copyright 2025 James Ross
package store

import (
	"context"
	"math"
	"runtime"
	"strconv"
	"time"

	"github.com/novita/gpu-controlplane/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store atop go-redis v9, the client the teacher's
// newer packages (worker, reaper) standardized on over the older v8 client
// still used by its legacy producer/config packages.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore dials a pooled Redis client per config.Store.
func NewRedisStore(cfg *config.Store) *RedisStore {
	poolSize := 10 * runtime.NumCPU()
	return &RedisStore{rdb: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})}
}

// NewRedisStoreFromClient wraps an already-constructed client, used by
// tests against miniredis.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Ping is used by appctx.New to decide whether Redis is reachable
// at startup before falling back to MemoryStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, cur, err := s.rdb.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	raw, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, 0, len(raw))
	for _, z := range raw {
		member, _ := z.Member.(string)
		out = append(out, ZMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) Pipeline(ctx context.Context, ops []PipeOp) ([]PipeResult, error) {
	results := make([]PipeResult, len(ops))
	pipe := s.rdb.Pipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Op {
		case "get":
			cmds[i] = pipe.Get(ctx, op.Key)
		case "set":
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case "del":
			cmds[i] = pipe.Del(ctx, op.Key)
		case "zadd":
			cmds[i] = pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: string(op.Value)})
		case "zcard":
			cmds[i] = pipe.ZCard(ctx, op.Key)
		}
	}
	// Best-effort: a single failing command should not sink the batch.
	_, _ = pipe.Exec(ctx)
	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v, err := c.Bytes()
			results[i] = PipeResult{Value: v, Found: err == nil, Err: errOrNil(err)}
		default:
			results[i] = PipeResult{Err: cmd.Err()}
		}
	}
	return results, nil
}

func (s *RedisStore) Kind(ctx context.Context, key string) (string, error) {
	return s.rdb.Type(ctx, key).Result()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func errOrNil(err error) error {
	if err == redis.Nil {
		return nil
	}
	return err
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
