package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is a keyed atomic counter. IncrementBy must be a single
// atomic round trip so concurrent callers never observe the same value.
type CounterStore interface {
	IncrementBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Current returns 0 for a key that was never set.
	Current(ctx context.Context, key string) (int64, error)
}

// MemoryCounter is an in-process CounterStore for single-node deployments
// and tests. Failures can be injected with SetFailure.
type MemoryCounter struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
	fail    error
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

// SetFailure makes every call return err until cleared with nil.
func (m *MemoryCounter) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Set overwrites a counter value.
func (m *MemoryCounter) Set(key string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
}

func (m *MemoryCounter) expireLocked(key string) {
	if at, ok := m.expires[key]; ok && time.Now().After(at) {
		delete(m.values, key)
		delete(m.expires, key)
	}
}

func (m *MemoryCounter) IncrementBy(ctx context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	m.expireLocked(key)
	m.values[key] += n
	return m.values[key], nil
}

func (m *MemoryCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.values[key]; ok {
		m.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryCounter) Current(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	m.expireLocked(key)
	return m.values[key], nil
}

// RedisCounter stores counters in Redis using INCRBY.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects to the Redis server at url and verifies the
// connection.
func NewRedisCounter(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

func (r *RedisCounter) IncrementBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.client.IncrBy(ctx, key, n).Result()
}

func (r *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisCounter) Current(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *RedisCounter) Close() error {
	return r.client.Close()
}
