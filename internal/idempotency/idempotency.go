// Package idempotency remembers Idempotency-Key headers so retried
// requests replay the first result instead of repeating side effects.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type State int

const (
	// Reserved means the caller owns the key and must Complete or Release it.
	Reserved State = iota
	// InFlight means another request holds the key right now.
	InFlight
	// Done means the key finished earlier; Result holds what it produced.
	Done
)

const (
	pendingValue = "pending"
	donePrefix   = "done:"
)

type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (State, string, error)
	Complete(ctx context.Context, key, result string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Key scopes a client key to a user and an operation.
func Key(op, userID, clientKey string) string {
	return "idem:" + op + ":" + userID + ":" + strings.TrimSpace(clientKey)
}

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (State, string, error) {
	ok, err := r.client.SetNX(ctx, key, pendingValue, ttl).Result()
	if err != nil {
		return 0, "", err
	}
	if ok {
		return Reserved, "", nil
	}
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		ok, err = r.client.SetNX(ctx, key, pendingValue, ttl).Result()
		if err != nil {
			return 0, "", err
		}
		if ok {
			return Reserved, "", nil
		}
		return InFlight, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return parse(v)
}

func (r *RedisStore) Complete(ctx context.Context, key, result string, ttl time.Duration) error {
	return r.client.Set(ctx, key, donePrefix+result, ttl).Err()
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func parse(v string) (State, string, error) {
	if strings.HasPrefix(v, donePrefix) {
		return Done, strings.TrimPrefix(v, donePrefix), nil
	}
	return InFlight, "", nil
}

type memEntry struct {
	value   string
	expires time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (State, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return parse(e.value)
	}
	m.entries[key] = memEntry{value: pendingValue, expires: now.Add(ttl)}
	return Reserved, "", nil
}

func (m *MemoryStore) Complete(_ context.Context, key, result string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: donePrefix + result, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
