package runqueue

import (
	"context"
	"sync"
	"time"
)

type requestIDKey struct{}

// WithRequestID marks ctx with a caller-chosen id used to replay results of repeated submissions
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set by WithRequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type dedupEntry struct {
	result    outcome
	timestamp time.Time
}

// dedupCache keeps successful results for a bounded time
type dedupCache struct {
	entries map[string]dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &dedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
	}
	go c.cleanup(ctx)
	return c
}

func (c *dedupCache) Get(id string) (outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || time.Since(entry.timestamp) > c.ttl {
		return outcome{}, false
	}
	return entry.result, true
}

func (c *dedupCache) Set(id string, result outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = dedupEntry{result: result, timestamp: time.Now()}
}

func (c *dedupCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *dedupCache) cleanup(ctx context.Context) {
	interval := min(c.ttl, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for id, entry := range c.entries {
				if now.Sub(entry.timestamp) > c.ttl {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
