package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the throttle window.
type Store interface {
	// Load returns the current state, or a zero state if none exists.
	Load(ctx context.Context) (*ThrottleState, error)

	// Save replaces the current state.
	Save(ctx context.Context, state *ThrottleState) error
}

// MemoryStore keeps the throttle window in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state ThrottleState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the current state.
func (m *MemoryStore) Load(ctx context.Context) (*ThrottleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.state
	return &state, nil
}

// Save replaces the current state.
func (m *MemoryStore) Save(ctx context.Context, state *ThrottleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = *state
	return nil
}

// RedisStore shares the throttle window between processes through Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Load reads the throttle window from Redis.
// Returns a zero state if no window was ever stored.
func (r *RedisStore) Load(ctx context.Context) (*ThrottleState, error) {
	blockedUntil, err := r.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if errors.Is(err, redis.Nil) {
		return &ThrottleState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}

	state := &ThrottleState{
		BlockedUntil: time.UnixMilli(blockedUntil),
	}

	lastUpdate, err := r.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdate != "" {
		if err := json.Unmarshal([]byte(lastUpdate), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	reason, err := r.redis.Get(ctx, RedisKeyReason).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reason: %w", err)
	}
	state.Reason = reason

	return state, nil
}

// Save stores the throttle window atomically. Keys expire shortly after the
// window closes so stale state never outlives its purpose.
func (r *RedisStore) Save(ctx context.Context, state *ThrottleState) error {
	ttl := time.Until(state.BlockedUntil) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyBlockedUntil, state.BlockedUntil.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, ttl)
	pipe.Set(ctx, RedisKeyReason, state.Reason, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}
