// Package dedupe answers "has this already been done?" for broadcasts and
// snapshot writes. A claim succeeds exactly once per key.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ReplayGroup collapses concurrent reads of the same round replay.
var ReplayGroup singleflight.Group

type Claimer interface {
	// Claim returns true for the first caller of key and false afterwards.
	Claim(ctx context.Context, key string) (bool, error)
}

// Memory is a process-local claim set. Each match room owns one, so keys
// only need to be unique within a match.
type Memory struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemory() *Memory { return &Memory{keys: make(map[string]struct{})} }

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

// Redis claims keys with SET NX so several server processes agree on who
// sends a broadcast. Keys expire after ttl.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis parses a redis:// URL and checks the server answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Scoped prefixes every key with scope before delegating.
func Scoped(c Claimer, scope string) Claimer {
	return scoped{c: c, scope: scope}
}

type scoped struct {
	c     Claimer
	scope string
}

func (s scoped) Claim(ctx context.Context, key string) (bool, error) {
	return s.c.Claim(ctx, s.scope+":"+key)
}
