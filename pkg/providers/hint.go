package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HintStore persists the last provider that worked for a user, so fallback
// can prefer it on the next session.
type HintStore interface {
	// LastWorking returns "" with a nil error when no hint is recorded.
	LastWorking(ctx context.Context, userID string) (ID, error)
	SetLastWorking(ctx context.Context, userID string, id ID) error
}

const hintKeyPrefix = "voicerelay:last_provider:"

// RedisHintStore keeps hints in Redis with a TTL, so stale preferences age
// out on their own.
type RedisHintStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHintStore wraps an existing Redis client. A non-positive ttl
// defaults to 30 days.
func NewRedisHintStore(client *redis.Client, ttl time.Duration) *RedisHintStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisHintStore{client: client, ttl: ttl}
}

func (s *RedisHintStore) LastWorking(ctx context.Context, userID string) (ID, error) {
	if userID == "" {
		return "", nil
	}
	val, err := s.client.Get(ctx, hintKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, err := ParseID(val)
	if err != nil {
		// A stale value for a provider we no longer know about.
		return "", nil
	}
	return id, nil
}

func (s *RedisHintStore) SetLastWorking(ctx context.Context, userID string, id ID) error {
	if userID == "" {
		return nil
	}
	return s.client.Set(ctx, hintKeyPrefix+userID, string(id), s.ttl).Err()
}

// MemoryHintStore is a process-local HintStore for tests and single-node
// deployments without Redis.
type MemoryHintStore struct {
	mu    sync.Mutex
	hints map[string]ID
}

func NewMemoryHintStore() *MemoryHintStore {
	return &MemoryHintStore{hints: make(map[string]ID)}
}

func (s *MemoryHintStore) LastWorking(_ context.Context, userID string) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints[userID], nil
}

func (s *MemoryHintStore) SetLastWorking(_ context.Context, userID string, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[userID] = id
	return nil
}
