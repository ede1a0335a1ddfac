package dictcache

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/shruggr/dictcache/arity"
	"github.com/shruggr/dictcache/reverseindex"
	"github.com/shruggr/dictcache/snapshot"
)

// Dictionary is the cached view of one dictionary snapshot.
//
// Invariants, holding after every call:
//   - reverse.Lookup(v) is exactly the set of keys k with entries[k] == v
//   - reverse.LookupFolded(v) is the same under reverseindex.Fold
//   - arity.Max() is the largest stroke count among keys once any pending
//     rescan has run, 0 when empty
//
// Mutations are written to the backend first and applied in memory only
// once committed, so a failed call leaves the view as it was.
//
// A Dictionary is not safe for concurrent use.
type Dictionary struct {
	store   snapshot.Store
	header  snapshot.Header
	fill    bool
	entries map[string]string
	reverse *reverseindex.Index
	arity   arity.Tracker
}

func newDictionary(store snapshot.Store, header snapshot.Header, fill bool) *Dictionary {
	return &Dictionary{
		store:   store,
		header:  header,
		fill:    fill,
		entries: make(map[string]string),
		reverse: reverseindex.New(),
	}
}

// load rebuilds the forward map and every index from the stored pairs
func (d *Dictionary) load(ctx context.Context) error {
	return d.store.Load(ctx, d.header.ID, func(p snapshot.Pair) error {
		d.apply(p.Key, p.Value)
		return nil
	})
}

// apply sets key to value in memory, unhooking any stale reverse entry
func (d *Dictionary) apply(key, value string) {
	if old, ok := d.entries[key]; ok {
		if old == value {
			return
		}
		d.reverse.Remove(key, old)
	} else {
		d.arity.Observe(key)
	}
	d.entries[key] = value
	d.reverse.Add(key, value)
}

// ShouldBeFilled reports whether the dictionary was created empty because
// no snapshot matched the requested name and stamp
func (d *Dictionary) ShouldBeFilled() bool {
	return d.fill
}

// Name returns the dictionary name
func (d *Dictionary) Name() string {
	return d.header.Name
}

// Stamp returns the freshness stamp the snapshot was stored under
func (d *Dictionary) Stamp() snapshot.Stamp {
	return d.header.Stamp
}

// ID returns the backend id of the current snapshot. Clear moves the
// dictionary to a new id.
func (d *Dictionary) ID() int64 {
	return d.header.ID
}

// Update upserts pairs in order as a single atomic batch.
// When a key repeats, its last pair wins.
func (d *Dictionary) Update(ctx context.Context, pairs []snapshot.Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	if err := d.store.Put(ctx, d.header.ID, pairs); err != nil {
		return fmt.Errorf("failed to update dictionary %q: %w", d.header.Name, err)
	}

	for _, p := range pairs {
		d.apply(p.Key, p.Value)
	}
	return nil
}

// Set upserts a single pair
func (d *Dictionary) Set(ctx context.Context, key, value string) error {
	return d.Update(ctx, []snapshot.Pair{{Key: key, Value: value}})
}

// Delete removes key. Deleting an absent key does nothing.
func (d *Dictionary) Delete(ctx context.Context, key string) error {
	old, ok := d.entries[key]
	if !ok {
		return nil
	}

	if err := d.store.Delete(ctx, d.header.ID, []string{key}); err != nil {
		return fmt.Errorf("failed to delete %q from dictionary %q: %w", key, d.header.Name, err)
	}

	delete(d.entries, key)
	d.reverse.Remove(key, old)
	d.arity.Forget(key)
	return nil
}

// Clear removes every pair. The snapshot is swapped for an empty one under
// the same name and stamp in one backend transaction.
func (d *Dictionary) Clear(ctx context.Context) error {
	h, err := d.store.Register(ctx, d.header.Name, d.header.Stamp)
	if err != nil {
		return fmt.Errorf("failed to clear dictionary %q: %w", d.header.Name, err)
	}

	d.header = *h
	clear(d.entries)
	d.reverse.Reset()
	d.arity.Reset()
	return nil
}

// Get returns the translation for key
func (d *Dictionary) Get(key string) (string, bool) {
	v, ok := d.entries[key]
	return v, ok
}

// GetDefault returns the translation for key, or def if key is absent
func (d *Dictionary) GetDefault(key, def string) string {
	if v, ok := d.entries[key]; ok {
		return v
	}
	return def
}

// Value returns the translation for key, or ErrNotFound
func (d *Dictionary) Value(key string) (string, error) {
	v, ok := d.entries[key]
	if !ok {
		return "", fmt.Errorf("outline %q: %w", key, ErrNotFound)
	}
	return v, nil
}

// Len returns the number of outlines
func (d *Dictionary) Len() int {
	return len(d.entries)
}

// Contains reports whether key is present
func (d *Dictionary) Contains(key string) bool {
	_, ok := d.entries[key]
	return ok
}

// Keys iterates the outlines present when iteration starts, in no
// particular order
func (d *Dictionary) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		keys := slices.Collect(maps.Keys(d.entries))
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// ReverseLookup returns the outlines translating to exactly value, or
// ErrNotFound
func (d *Dictionary) ReverseLookup(value string) ([]string, error) {
	keys := d.reverse.Lookup(value)
	if len(keys) == 0 {
		return nil, fmt.Errorf("translation %q: %w", value, ErrNotFound)
	}
	return keys, nil
}

// CaseReverseLookup returns the outlines whose translation matches value
// ignoring case, or ErrNotFound
func (d *Dictionary) CaseReverseLookup(value string) ([]string, error) {
	keys := d.reverse.LookupFolded(value)
	if len(keys) == 0 {
		return nil, fmt.Errorf("translation %q (any case): %w", value, ErrNotFound)
	}
	return keys, nil
}

// LongestKeyLength returns the largest number of strokes in any outline.
// The first call after deleting a longest outline rescans all keys.
func (d *Dictionary) LongestKeyLength() int {
	if d.arity.Stale() {
		d.arity.Rescan(maps.Keys(d.entries))
	}
	return d.arity.Max()
}
