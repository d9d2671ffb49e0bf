package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/job-dispatch/internal/models"
)

// Cache memoises legs from another Router for ttl. Errors are not cached.
type Cache struct {
	next  Router
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	leg     Leg
	expires time.Time
}

func NewCache(next Router, ttl time.Duration) *Cache {
	return &Cache{next: next, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

func (c *Cache) Route(ctx context.Context, from, to models.Coord) (Leg, error) {
	k := keyFor(from, to)
	now := c.now()
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.leg, nil
	}

	leg, err := c.next.Route(ctx, from, to)
	if err != nil {
		return Leg{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{leg: leg, expires: now.Add(c.ttl)}
	for key, old := range c.store {
		if !now.Before(old.expires) {
			delete(c.store, key)
		}
	}
	c.mu.Unlock()
	return leg, nil
}
