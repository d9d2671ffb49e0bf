// Package idempotency binds client supplied Idempotency-Key values to the job
// a request created, so a retried create returns the original job instead of
// creating a duplicate.
//
// A key goes through two states: reserved (a request is creating the job) and
// bound (the job id is known). Keys expire after a TTL.
package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/job-dispatch/internal/errs"
)

const DefaultTTL = 24 * time.Hour

const pending = ""

// sweepEvery bounds how often MemoryKeys scans for expired keys.
const sweepEvery = time.Minute

type Keys interface {
	// Reserve claims key. When the key is already taken it returns reserved
	// false and the bound job id, which is empty while the first request is
	// still in flight.
	Reserve(ctx context.Context, key string) (jobID string, reserved bool, err error)
	Bind(ctx context.Context, key, jobID string) error
	// Release drops a reservation whose request failed.
	Release(ctx context.Context, key string) error
}

// ValidKey rejects keys that are empty or unreasonably long.
func ValidKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > 255 {
		return errs.NewValidationError("idempotency_key", "must be 1 to 255 characters")
	}
	return nil
}

type MemoryKeys struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	keys      map[string]entry
	nextSweep time.Time
}

type entry struct {
	jobID   string
	expires time.Time
}

func NewMemoryKeys(ttl time.Duration) *MemoryKeys {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryKeys{ttl: ttl, now: time.Now, keys: make(map[string]entry)}
}

func (m *MemoryKeys) Reserve(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.keys[key]; ok && now.Before(e.expires) {
		return e.jobID, false, nil
	}
	m.keys[key] = entry{jobID: pending, expires: now.Add(m.ttl)}
	if !now.Before(m.nextSweep) {
		m.sweep(now)
		m.nextSweep = now.Add(sweepEvery)
	}
	return "", true, nil
}

func (m *MemoryKeys) Bind(_ context.Context, key, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		e.expires = m.now().Add(m.ttl)
	}
	e.jobID = jobID
	m.keys[key] = e
	return nil
}

func (m *MemoryKeys) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.keys[key]; ok && e.jobID == pending {
		delete(m.keys, key)
	}
	return nil
}

// sweep drops expired keys. Called with mu held.
func (m *MemoryKeys) sweep(now time.Time) {
	for k, e := range m.keys {
		if !now.Before(e.expires) {
			delete(m.keys, k)
		}
	}
}

// RedisKeys stores keys in Redis so retries are recognised by every replica.
type RedisKeys struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisKeys(client redis.UniversalClient, ttl time.Duration) *RedisKeys {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisKeys{client: client, prefix: "idem:create:", ttl: ttl}
}

func (r *RedisKeys) Reserve(ctx context.Context, key string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, pending, r.ttl).Result()
	if err != nil {
		return "", false, errs.NewTransientError("reserve idempotency key", err)
	}
	if ok {
		return "", true, nil
	}
	jobID, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		// Expired between the two calls; try once more.
		ok, err = r.client.SetNX(ctx, r.prefix+key, pending, r.ttl).Result()
		if err != nil {
			return "", false, errs.NewTransientError("reserve idempotency key", err)
		}
		return "", ok, nil
	}
	if err != nil {
		return "", false, errs.NewTransientError("read idempotency key", err)
	}
	return jobID, false, nil
}

func (r *RedisKeys) Bind(ctx context.Context, key, jobID string) error {
	if err := r.client.Set(ctx, r.prefix+key, jobID, r.ttl).Err(); err != nil {
		return errs.NewTransientError("bind idempotency key", err)
	}
	return nil
}

func (r *RedisKeys) Release(ctx context.Context, key string) error {
	// Only a pending reservation is released; a bound key stays.
	cur, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errs.NewTransientError("release idempotency key", err)
	}
	if cur != pending {
		return nil
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errs.NewTransientError("release idempotency key", err)
	}
	return nil
}
