package extractor

import (
	"context"
	"sync"
)

// cacheKey identifies one fetch. kind is the entity kind, a and b the
// numeric scope (plan, suite); unused slots stay zero.
type cacheKey struct {
	kind string
	a, b int
}

type cacheEntry struct {
	ready chan struct{}
	val   any
	err   error
}

// fetchCache deduplicates fetches within a run. The first caller for a key
// runs the fetch; concurrent callers for the same key block until it
// completes and share the result, errors included.
type fetchCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

func newFetchCache() *fetchCache {
	return &fetchCache{entries: make(map[cacheKey]*cacheEntry)}
}

func (c *fetchCache) do(ctx context.Context, key cacheKey, fn func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e.val, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &cacheEntry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.val, e.err = fn()
	close(e.ready)
	return e.val, e.err
}
