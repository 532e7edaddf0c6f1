// internal/collector/replay.go
package collector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/signalnine/vigil/internal/config"
)

// ReplayCache remembers accepted requests. SeenOrRecord must check and
// record in one atomic step.
type ReplayCache interface {
	SeenOrRecord(ctx context.Context, key string) (bool, error)
}

// ReplayTTL is how long a request must be remembered. A timestamp may sit
// up to maxSkew in the future, so it stays acceptable for twice the skew.
func ReplayTTL(maxSkew time.Duration) time.Duration {
	return 2 * maxSkew
}

// ErrReplayCacheFull is returned instead of evicting a key that may still
// be replayed. The agent retries it like any other 5xx.
var ErrReplayCacheFull = &RejectError{Status: http.StatusServiceUnavailable, Code: "replay_cache_full", Reason: "collector busy"}

// MemoryReplay is a bounded, expiring in-process cache. When capacity live
// keys are held, new keys are refused until old ones expire.
type MemoryReplay struct {
	mu       sync.Mutex
	capacity int
	seen     *expirable.LRU[string, struct{}]
}

// NewMemoryReplay keeps at most capacity keys, each for ttl
func NewMemoryReplay(capacity int, ttl time.Duration) *MemoryReplay {
	return &MemoryReplay{
		capacity: capacity,
		seen:     expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

func (m *MemoryReplay) SeenOrRecord(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen.Get(key); ok {
		return true, nil
	}
	if m.capacity > 0 && m.seen.Len() >= m.capacity {
		return false, ErrReplayCacheFull
	}
	m.seen.Add(key, struct{}{})
	return false, nil
}

// Len returns the number of live keys
func (m *MemoryReplay) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen.Len()
}

// RedisReplay shares replay state between collector replicas
type RedisReplay struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisReplay uses SET NX with a TTL so check-and-record is one command
func NewRedisReplay(client *redis.Client, prefix string, ttl time.Duration) *RedisReplay {
	return &RedisReplay{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisReplay) SeenOrRecord(ctx context.Context, key string) (bool, error) {
	stored, err := r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !stored, nil
}

// Ping checks the redis connection
func (r *RedisReplay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis client
func (r *RedisReplay) Close() error {
	return r.client.Close()
}

// NewReplayCache builds the backend named in cfg
func NewReplayCache(ctx context.Context, cfg config.ReplayConfig, maxSkew time.Duration) (ReplayCache, error) {
	ttl := ReplayTTL(maxSkew)
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryReplay(cfg.Capacity, ttl), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		r := NewRedisReplay(client, cfg.KeyPrefix, ttl)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown replay backend %q", cfg.Backend)
}
