package tutor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore persists chat session identifiers between voice sessions.
// Get returns "" with a nil error when no identifier is stored.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, sessionID string) error
	Delete(ctx context.Context, key string) error
}

// SessionKey builds the storage key for one client and course
func SessionKey(clientID, courseID string) string {
	return fmt.Sprintf("voice_session:%s:%s", clientID, courseID)
}

// MemoryStore keeps identifiers in process memory
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids[key], nil
}

func (m *MemoryStore) Set(_ context.Context, key, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[key] = sessionID
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, key)
	return nil
}

// RedisStore keeps identifiers in Redis with a sliding TTL
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to url (redis://...) and verifies the connection
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	id, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	if r.ttl > 0 {
		r.rdb.Expire(ctx, key, r.ttl)
	}
	return id, nil
}

func (r *RedisStore) Set(ctx context.Context, key, sessionID string) error {
	if err := r.rdb.Set(ctx, key, sessionID, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (r *RedisStore) Ping(ctx context.Context) (bool, error) {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
