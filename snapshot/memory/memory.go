package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/shruggr/dictcache/snapshot"
)

// Store is an in-memory implementation of snapshot.Store
// Suitable for testing and as the fallback when no cache file is usable
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	headers map[string]*snapshot.Header // by name
	entries map[int64]map[string]string // by dictionary id
}

// New creates a new in-memory snapshot store
func New() *Store {
	return &Store{
		headers: make(map[string]*snapshot.Header),
		entries: make(map[int64]map[string]string),
	}
}

// Lookup returns the live header for name, nil if absent
func (s *Store) Lookup(ctx context.Context, name string) (*snapshot.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.headers[name]
	if !ok {
		return nil, nil
	}
	copied := *h
	return &copied, nil
}

// Register creates an empty snapshot for (name, stamp), dropping any
// previous snapshot under name
func (s *Store) Register(ctx context.Context, name string, stamp snapshot.Stamp) (*snapshot.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.headers[name]; ok {
		delete(s.entries, old.ID)
	}

	s.nextID++
	h := &snapshot.Header{ID: s.nextID, Name: name, Stamp: stamp}
	s.headers[name] = h
	s.entries[h.ID] = make(map[string]string)

	copied := *h
	return &copied, nil
}

// List returns the headers of all live snapshots, ordered by name
func (s *Store) List(ctx context.Context) ([]*snapshot.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	headers := make([]*snapshot.Header, 0, len(s.headers))
	for _, h := range s.headers {
		copied := *h
		headers = append(headers, &copied)
	}
	slices.SortFunc(headers, func(a, b *snapshot.Header) int {
		return strings.Compare(a.Name, b.Name)
	})
	return headers, nil
}

// Load calls fn for every pair of the snapshot
func (s *Store) Load(ctx context.Context, id int64, fn func(snapshot.Pair) error) error {
	s.mu.RLock()
	pairs := make([]snapshot.Pair, 0, len(s.entries[id]))
	for k, v := range s.entries[id] {
		pairs = append(pairs, snapshot.Pair{Key: k, Value: v})
	}
	s.mu.RUnlock()

	for _, p := range pairs {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts pairs into the snapshot
func (s *Store) Put(ctx context.Context, id int64, pairs []snapshot.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.entries[id]
	if !ok {
		return snapshot.NewWriteError("", fmt.Errorf("dictionary %d not registered", id))
	}
	for _, p := range pairs {
		m[p.Key] = p.Value
	}
	return nil
}

// Delete removes keys from the snapshot
func (s *Store) Delete(ctx context.Context, id int64, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.entries[id]
	if !ok {
		return snapshot.NewWriteError("", fmt.Errorf("dictionary %d not registered", id))
	}
	for _, k := range keys {
		delete(m, k)
	}
	return nil
}

// Close releases any resources
func (s *Store) Close() error {
	return nil
}
