package dictcache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shruggr/dictcache/snapshot"
	"github.com/shruggr/dictcache/snapshot/memory"
	"github.com/shruggr/dictcache/snapshot/sqlite"
)

var errInjected = errors.New("injected failure")

// faultyStore fails every mutation while failWrites is set
type faultyStore struct {
	snapshot.Store
	failWrites     bool
	corruptLookups bool
}

func (f *faultyStore) Lookup(ctx context.Context, name string) (*snapshot.Header, error) {
	if f.corruptLookups {
		return nil, snapshot.NewCorruptError("", errInjected)
	}
	return f.Store.Lookup(ctx, name)
}

func (f *faultyStore) Register(ctx context.Context, name string, stamp snapshot.Stamp) (*snapshot.Header, error) {
	if f.failWrites {
		return nil, snapshot.NewWriteError("", errInjected)
	}
	return f.Store.Register(ctx, name, stamp)
}

func (f *faultyStore) Put(ctx context.Context, id int64, pairs []snapshot.Pair) error {
	if f.failWrites {
		return snapshot.NewWriteError("", errInjected)
	}
	return f.Store.Put(ctx, id, pairs)
}

func (f *faultyStore) Delete(ctx context.Context, id int64, keys []string) error {
	if f.failWrites {
		return snapshot.NewWriteError("", errInjected)
	}
	return f.Store.Delete(ctx, id, keys)
}

func TestFailedMutationsLeaveViewUntouched(t *testing.T) {
	ctx := context.Background()
	backend := &faultyStore{Store: memory.New()}
	c := New(backend, quietLogger())
	defer c.Close()

	d := standardDictionary(t, c)
	if err := d.Set(ctx, "SHEI/LA/TWO", "sheila two"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	backend.failWrites = true

	err := d.Update(ctx, []snapshot.Pair{
		{Key: "FRED", Value: "frederick"},
		{Key: "TAR/ANT/UL/A", Value: "bigspider"},
	})
	if !errors.Is(err, errInjected) || !snapshot.IsKind(err, WriteFailure) {
		t.Fatalf("Expected injected write failure, got %v", err)
	}
	if err := d.Delete(ctx, "JIM"); !errors.Is(err, errInjected) {
		t.Fatalf("Expected injected failure from Delete, got %v", err)
	}
	if err := d.Clear(ctx); !errors.Is(err, errInjected) {
		t.Fatalf("Expected injected failure from Clear, got %v", err)
	}

	if d.Len() != 4 {
		t.Errorf("Expected 4 entries, got %d", d.Len())
	}
	if v, _ := d.Get("FRED"); v != "fred" {
		t.Errorf("FRED = %q after failed update", v)
	}
	if d.Contains("TAR/ANT/UL/A") {
		t.Error("Failed batch left a partial entry")
	}
	if got := d.LongestKeyLength(); got != 3 {
		t.Errorf("Expected longest key 3, got %d", got)
	}
	if _, err := d.ReverseLookup("frederick"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Failed update leaked into reverse index: %v", err)
	}
	if keys, err := d.ReverseLookup("jim"); err != nil || len(keys) != 1 {
		t.Errorf("Failed delete removed reverse entry: %v, %v", keys, err)
	}

	backend.failWrites = false
	again := getDictionary(t, c, standardName, standardStamp)
	if again.Len() != 4 {
		t.Errorf("Stored snapshot should have 4 entries, got %d", again.Len())
	}
}

func TestBatchIsAtomicOnDisk(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t, BackendSQLite)

	c := openTestCache(t, config)
	d := standardDictionary(t, c)

	// Abort the transaction part-way through the batch
	raw, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		t.Fatalf("Failed to open raw db: %v", err)
	}
	_, err = raw.Exec(`CREATE TRIGGER boom BEFORE INSERT ON entries
		WHEN NEW.key = 'BOOM' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	raw.Close()
	if err != nil {
		t.Fatalf("Failed to create trigger: %v", err)
	}

	err = d.Update(ctx, []snapshot.Pair{
		{Key: "JIM", Value: "james"},
		{Key: "NEW", Value: "new"},
		{Key: "BOOM", Value: "boom"},
		{Key: "AFTER", Value: "after"},
	})
	if !snapshot.IsKind(err, WriteFailure) {
		t.Fatalf("Expected write failure, got %v", err)
	}

	if v, _ := d.Get("JIM"); v != "jim" {
		t.Errorf("JIM = %q in memory after aborted batch", v)
	}
	if d.Contains("NEW") {
		t.Error("Aborted batch left NEW in memory")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c = openTestCache(t, config)
	defer c.Close()

	d = getDictionary(t, c, standardName, standardStamp)
	if d.Len() != 3 {
		t.Errorf("Expected pre-batch 3 entries on disk, got %d", d.Len())
	}
	if v, _ := d.Get("JIM"); v != "jim" {
		t.Errorf("JIM = %q on disk after aborted batch", v)
	}
}

func TestCorruptSnapshotIsTreatedAsMiss(t *testing.T) {
	backend := &faultyStore{Store: memory.New()}
	c := New(backend, quietLogger())
	defer c.Close()

	standardDictionary(t, c)

	backend.corruptLookups = true
	d := getDictionary(t, c, standardName, standardStamp)
	if !d.ShouldBeFilled() || d.Len() != 0 {
		t.Errorf("Expected empty dictionary needing fill, got fill=%v len=%d", d.ShouldBeFilled(), d.Len())
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()

	missing := filepath.Join(t.TempDir(), "no", "such", "dir", "cache.sqlite3")
	_, err := Open(ctx, &Config{Path: missing, Logger: quietLogger()})
	var se *StorageError
	if !errors.As(err, &se) || se.Kind != OpenFailure {
		t.Errorf("Expected open failure, got %v", err)
	}

	garbage := filepath.Join(t.TempDir(), "cache.sqlite3")
	if err := os.WriteFile(garbage, bytes.Repeat([]byte("garbage!"), 256), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, err = Open(ctx, &Config{Path: garbage, Logger: quietLogger()})
	if !errors.As(err, &se) || se.Kind != CorruptStore {
		t.Errorf("Expected corrupt store, got %v", err)
	}

	_, err = Open(ctx, &Config{Backend: "floppy", Logger: quietLogger()})
	if !errors.As(err, &se) || se.Kind != OpenFailure {
		t.Errorf("Expected open failure for unknown backend, got %v", err)
	}
}

func TestOpenOrFallbackRecreatesCorruptCache(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t, BackendSQLite)

	if err := os.WriteFile(config.Path, bytes.Repeat([]byte("garbage!"), 256), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c := OpenOrFallback(ctx, config)
	if _, ok := c.raw.(*sqlite.Store); !ok {
		t.Fatalf("Expected recreated sqlite store, got %T", c.raw)
	}
	standardDictionary(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c = openTestCache(t, config)
	defer c.Close()
	if d := getDictionary(t, c, standardName, standardStamp); d.Len() != 3 {
		t.Errorf("Expected recreated cache to persist 3 entries, got %d", d.Len())
	}
}

func TestOpenOrFallbackUsesMemory(t *testing.T) {
	config := &Config{
		Path:   filepath.Join(t.TempDir(), "no", "such", "dir", "cache.sqlite3"),
		Logger: quietLogger(),
	}

	c := OpenOrFallback(context.Background(), config)
	defer c.Close()

	if _, ok := c.raw.(*memory.Store); !ok {
		t.Fatalf("Expected memory fallback, got %T", c.raw)
	}

	d := getDictionary(t, c, standardName, standardStamp)
	if !d.ShouldBeFilled() {
		t.Error("Fallback cache should start empty")
	}
	if err := d.Update(context.Background(), threesome); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if d.Len() != 3 {
		t.Errorf("Expected 3 entries, got %d", d.Len())
	}
}

func TestDistinctDictionariesConcurrently(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			c := openTestCache(t, testConfig(t, backend))
			defer c.Close()

			const workers = 4
			const perWorker = 25

			errs := make(chan error, workers)
			var wg sync.WaitGroup
			for w := range workers {
				wg.Go(func() {
					name := fmt.Sprintf("dict-%d", w)
					d, err := c.GetDictionary(ctx, name, snapshot.StampFromInt(1))
					if err != nil {
						errs <- err
						return
					}
					for i := range perWorker {
						if err := d.Set(ctx, fmt.Sprintf("KEY/%d", i), name); err != nil {
							errs <- err
							return
						}
					}
				})
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Fatalf("Worker failed: %v", err)
			}

			for w := range workers {
				name := fmt.Sprintf("dict-%d", w)
				d := getDictionary(t, c, name, snapshot.StampFromInt(1))
				if d.Len() != perWorker {
					t.Errorf("%s: expected %d entries, got %d", name, perWorker, d.Len())
				}
				keys, err := d.ReverseLookup(name)
				if err != nil || len(keys) != perWorker {
					t.Errorf("%s: reverse lookup returned %d keys, err %v", name, len(keys), err)
				}
			}
		})
	}
}

func TestListAndCompact(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Store) {
		ctx := context.Background()

		standardDictionary(t, c)
		getDictionary(t, c, "another", snapshot.StampFromInt(1))

		// Replacing the snapshot leaves space for Compact to reclaim
		getDictionary(t, c, standardName, snapshot.StampFromInt(178))

		headers, err := c.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(headers) != 2 {
			t.Fatalf("Expected 2 headers, got %d", len(headers))
		}
		if headers[0].Name != "another" || headers[1].Name != standardName {
			t.Errorf("Headers not ordered by name: %q, %q", headers[0].Name, headers[1].Name)
		}
		if headers[1].Stamp != snapshot.StampFromInt(178) {
			t.Errorf("Expected replaced stamp, got %q", headers[1].Stamp)
		}

		if err := c.Compact(ctx); err != nil {
			t.Fatalf("Compact failed: %v", err)
		}
	})
}

func TestFillLargeDictionary(t *testing.T) {
	// A main steno dictionary runs to well over 100k outlines, more than
	// badger accepts in one transaction
	const size = 150_000

	forEachBackend(t, func(t *testing.T, c *Store) {
		ctx := context.Background()

		d := getDictionary(t, c, "main.json", snapshot.StampFromInt(1))
		if !d.ShouldBeFilled() {
			t.Fatal("Expected an empty dictionary to fill")
		}

		pairs := make([]snapshot.Pair, 0, size)
		for i := range size {
			pairs = append(pairs, snapshot.Pair{Key: fmt.Sprintf("STROKE/%06d", i), Value: fmt.Sprintf("word%d", i%1000)})
		}
		pairs[size-1] = snapshot.Pair{Key: "TAR/ANT/UL/A", Value: "Tarantula"}

		id := d.ID()
		if err := d.Update(ctx, pairs); err != nil {
			t.Fatalf("Update of %d pairs failed: %v", size, err)
		}
		if d.ID() != id {
			t.Errorf("Dictionary id changed from %d to %d", id, d.ID())
		}
		if d.Len() != size {
			t.Errorf("Expected %d entries in memory, got %d", size, d.Len())
		}

		again := getDictionary(t, c, "main.json", snapshot.StampFromInt(1))
		if again.ShouldBeFilled() {
			t.Fatal("Filled dictionary should be cached")
		}
		if again.Len() != size {
			t.Errorf("Expected %d stored entries, got %d", size, again.Len())
		}
		if got := again.LongestKeyLength(); got != 4 {
			t.Errorf("Expected longest key 4, got %d", got)
		}
		if keys, err := again.CaseReverseLookup("tarantula"); err != nil || len(keys) != 1 {
			t.Errorf("CaseReverseLookup(tarantula) = %v, %v", keys, err)
		}
		if keys, err := again.ReverseLookup("word7"); err != nil || len(keys) != size/1000 {
			t.Errorf("ReverseLookup(word7) returned %d keys, err %v", len(keys), err)
		}
	})
}

func TestOpenOrFallbackLeavesLockedCacheAlone(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t, BackendBadger)

	owner := openTestCache(t, config)
	defer owner.Close()
	standardDictionary(t, owner)

	c := OpenOrFallback(ctx, config)
	if _, ok := c.raw.(*memory.Store); !ok {
		t.Fatalf("Expected memory fallback for a locked cache, got %T", c.raw)
	}
	c.Close()

	d := getDictionary(t, owner, standardName, standardStamp)
	if d.ShouldBeFilled() || d.Len() != 3 {
		t.Errorf("Locked cache was disturbed: fill=%v len=%d", d.ShouldBeFilled(), d.Len())
	}
	if _, err := os.Stat(filepath.Join(config.Path, "MANIFEST")); err != nil {
		t.Errorf("Locked cache directory was removed: %v", err)
	}
}
