// Package dictcache caches parsed steno dictionaries between runs.
//
// A snapshot is stored under a dictionary name together with a freshness
// stamp. GetDictionary returns the cached pairs when the stamp matches, or
// an empty Dictionary flagged ShouldBeFilled when it does not, for the
// caller to populate from the source file.
package dictcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/shruggr/dictcache/snapshot"
	"github.com/shruggr/dictcache/snapshot/badger"
	"github.com/shruggr/dictcache/snapshot/headercache"
	"github.com/shruggr/dictcache/snapshot/memory"
	"github.com/shruggr/dictcache/snapshot/sqlite"
)

// Backend names a storage engine
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
	BackendMemory Backend = "memory"
)

// Config holds configuration for a cache Store
type Config struct {
	Backend         Backend      // Storage engine, sqlite when empty
	Path            string       // SQLite file or BadgerDB directory
	HeaderCacheSize int          // Number of snapshot headers kept in memory, 0 disables
	Logger          *slog.Logger // Defaults to slog.Default()
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// compactor is implemented by backends that can reclaim space
type compactor interface {
	Compact(ctx context.Context) error
}

// Store is a durable collection of dictionary snapshots
type Store struct {
	backend snapshot.Store
	raw     snapshot.Store
	logger  *slog.Logger
}

// Open opens (creating if absent) the cache described by config.
// Failures are *StorageError values of kind OpenFailure or CorruptStore.
func Open(ctx context.Context, config *Config) (*Store, error) {
	var backend snapshot.Store
	var err error

	switch config.Backend {
	case "", BackendSQLite:
		backend, err = sqlite.New(ctx, &sqlite.Config{DBPath: config.Path})
	case BackendBadger:
		backend, err = badger.New(ctx, &badger.Config{DataDir: config.Path, Logger: config.Logger})
	case BackendMemory:
		backend = memory.New()
	default:
		err = snapshot.NewOpenError(config.Path, fmt.Errorf("unknown backend %q", config.Backend))
	}
	if err != nil {
		return nil, err
	}

	raw := backend
	if config.HeaderCacheSize > 0 {
		backend, err = headercache.New(raw, config.HeaderCacheSize)
		if err != nil {
			raw.Close()
			return nil, snapshot.NewOpenError(config.Path, fmt.Errorf("failed to create header cache: %w", err))
		}
	}

	logger := config.logger().With("component", "dictcache")
	logger.Debug("opened dictionary cache", "backend", config.Backend, "path", config.Path)

	return &Store{backend: backend, raw: raw, logger: logger}, nil
}

// OpenOrFallback opens the cache, recovering from failures instead of
// returning them. A corrupt cache is deleted and recreated once; if the cache
// still cannot be opened, an in-memory store is returned so callers can carry
// on without persistence.
func OpenOrFallback(ctx context.Context, config *Config) *Store {
	s, err := Open(ctx, config)
	if err == nil {
		return s
	}

	logger := config.logger()

	if snapshot.IsKind(err, snapshot.CorruptStore) {
		logger.Warn("discarding corrupt dictionary cache", "path", config.Path, "error", err)

		if rmErr := removeCache(config); rmErr != nil {
			logger.Warn("failed to remove corrupt dictionary cache", "path", config.Path, "error", rmErr)
		} else if s, err = Open(ctx, config); err == nil {
			return s
		}
	}

	logger.Warn("dictionary cache unavailable, continuing without persistence", "path", config.Path, "error", err)

	fallback := *config
	fallback.Backend = BackendMemory
	fallback.Path = ""
	s, err = Open(ctx, &fallback)
	if err != nil {
		// The memory backend has no failure modes
		panic(err)
	}
	return s
}

// removeCache deletes the on-disk files of the configured backend
func removeCache(config *Config) error {
	if config.Path == "" {
		return fmt.Errorf("no cache path configured")
	}

	switch config.Backend {
	case "", BackendSQLite:
		for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
			if err := os.Remove(config.Path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		return nil
	case BackendBadger:
		if badger.Locked(config.Path) {
			return fmt.Errorf("cache directory %s is in use", config.Path)
		}
		return os.RemoveAll(config.Path)
	default:
		return fmt.Errorf("cannot remove %s cache", config.Backend)
	}
}

// New creates a Store over an already opened backend
func New(backend snapshot.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, raw: backend, logger: logger.With("component", "dictcache")}
}

// GetDictionary returns the dictionary cached under name.
// If the stored stamp equals stamp the cached pairs are loaded; otherwise a
// new empty snapshot replaces whatever was stored and the returned
// Dictionary reports ShouldBeFilled. Unreadable snapshots are treated as
// misses.
func (s *Store) GetDictionary(ctx context.Context, name string, stamp snapshot.Stamp) (*Dictionary, error) {
	h, err := s.backend.Lookup(ctx, name)
	switch {
	case snapshot.IsKind(err, snapshot.CorruptStore):
		s.logger.Warn("discarding unreadable snapshot", "name", name, "error", err)
	case err != nil:
		return nil, fmt.Errorf("failed to look up dictionary %q: %w", name, err)
	case h != nil && h.Stamp == stamp:
		d := newDictionary(s.backend, *h, false)
		err := d.load(ctx)
		if err == nil {
			s.logger.Debug("dictionary cache hit", "name", name, "id", h.ID, "entries", d.Len())
			return d, nil
		}
		if !snapshot.IsKind(err, snapshot.CorruptStore) {
			return nil, fmt.Errorf("failed to load dictionary %q: %w", name, err)
		}
		s.logger.Warn("discarding unreadable snapshot", "name", name, "id", h.ID, "error", err)
	}

	h, err = s.backend.Register(ctx, name, stamp)
	if err != nil {
		return nil, fmt.Errorf("failed to register dictionary %q: %w", name, err)
	}

	s.logger.Debug("dictionary cache miss", "name", name, "id", h.ID, "stamp", stamp)
	return newDictionary(s.backend, *h, true), nil
}

// List returns the headers of all cached dictionaries
func (s *Store) List(ctx context.Context) ([]*snapshot.Header, error) {
	return s.backend.List(ctx)
}

// Compact asks the backend to reclaim space left by replaced snapshots.
// Backends without a compaction step return nil.
func (s *Store) Compact(ctx context.Context) error {
	c, ok := s.raw.(compactor)
	if !ok {
		return nil
	}
	if err := c.Compact(ctx); err != nil {
		return fmt.Errorf("failed to compact cache: %w", err)
	}
	return nil
}

// Close releases the backend. Every mutation is already durable.
func (s *Store) Close() error {
	return s.backend.Close()
}
