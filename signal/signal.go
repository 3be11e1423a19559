// Package signal provides the short-lived completion-signal cache used to
// let a waiting caller skip a store read when a job just finished. It is a
// latency optimization only: the job record remains the source of truth and
// correctness never depends on the cache being populated.
package signal

import (
	"context"
	"sync"
	"time"
)

// Cache is a minimal TTL key/value store.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

type memoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory returns an in-process Cache, suitable for tests and single-node
// runs.
func NewMemory() Cache {
	return &memoryCache{items: make(map[string]memoryEntry)}
}

func (c *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}

	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()

		return "", false, nil
	}

	return entry.value, true, nil
}
