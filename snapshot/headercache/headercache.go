package headercache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shruggr/dictcache/snapshot"
)

// Store wraps a snapshot.Store with an in-memory LRU of headers by name, so
// repeated freshness checks for the same dictionary skip the backend.
// Misses are not cached.
type Store struct {
	snapshot.Store
	lru *lru.Cache[string, snapshot.Header]
	mu  sync.Mutex
}

// New wraps store with a header cache holding up to size names
func New(store snapshot.Store, size int) (*Store, error) {
	l, err := lru.New[string, snapshot.Header](size)
	if err != nil {
		return nil, err
	}

	return &Store{
		Store: store,
		lru:   l,
	}, nil
}

// Lookup serves the header from the cache when present
func (c *Store) Lookup(ctx context.Context, name string) (*snapshot.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.lru.Get(name); ok {
		return &h, nil
	}

	h, err := c.Store.Lookup(ctx, name)
	if err != nil || h == nil {
		return h, err
	}

	c.lru.Add(name, *h)
	return h, nil
}

// Register replaces the cached header for name.
// The lock is held across the backend call so a concurrent Lookup cannot
// re-cache the header being replaced.
func (c *Store) Register(ctx context.Context, name string, stamp snapshot.Stamp) (*snapshot.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(name)

	h, err := c.Store.Register(ctx, name, stamp)
	if err != nil {
		return nil, err
	}

	c.lru.Add(name, *h)
	return h, nil
}

// Len returns the number of cached headers
func (c *Store) Len() int {
	return c.lru.Len()
}

// Close purges the cache and closes the wrapped store
func (c *Store) Close() error {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()

	return c.Store.Close()
}
