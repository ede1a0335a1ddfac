package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shruggr/dictcache/namehash"
	"github.com/shruggr/dictcache/snapshot"
)

// formatVersion is bumped whenever the key layout changes incompatibly
const formatVersion = "2"

// Key layout:
//
//	m/format              → layout version
//	m/sequence            → id and generation sequence
//	h/<namehash>          → msgpack headerRecord
//	i/<id u64 be>         → namehash of the owning name
//	e/<gen u64 be><key>   → value
//
// A snapshot keeps its id for life. Its entries live under a generation
// named in the header, so a batch too large for one transaction can be
// staged under a new generation and published by rewriting the header.
var (
	formatKey    = []byte("m/format")
	sequenceKey  = []byte("m/sequence")
	headerPrefix = []byte("h/")
	idPrefix     = []byte("i/")
	entryPrefix  = []byte("e/")
)

var errUnregistered = errors.New("dictionary not registered")

type headerRecord struct {
	ID    int64  `msgpack:"id"`
	Gen   int64  `msgpack:"gen"`
	Name  string `msgpack:"name"`
	Stamp string `msgpack:"stamp"`
}

// Store is a BadgerDB-backed implementation of snapshot.Store
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	dir    string
	logger *slog.Logger
}

// Config holds configuration for BadgerDB
type Config struct {
	DataDir string       // Directory for data storage
	Logger  *slog.Logger // Receives badger's own log output; nil silences it
}

// New opens (creating if absent) a BadgerDB-backed snapshot store
func New(ctx context.Context, config *Config) (*Store, error) {
	if config.DataDir == "" {
		return nil, snapshot.NewOpenError("", fmt.Errorf("DataDir is required"))
	}

	logger := config.Logger
	opts := badger.DefaultOptions(config.DataDir)
	if logger != nil {
		opts = opts.WithLogger(newSlogAdapter(logger))
	} else {
		opts = opts.WithLogger(nil) // Disable badger's verbose logging
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, classify(config.DataDir, fmt.Errorf("failed to open badger db: %w", err))
	}

	store := &Store{db: db, dir: config.DataDir, logger: logger}

	if err := store.checkFormat(); err != nil {
		db.Close()
		return nil, err
	}

	seq, err := db.GetSequence(sequenceKey, 16)
	if err != nil {
		db.Close()
		return nil, snapshot.NewOpenError(config.DataDir, fmt.Errorf("failed to lease id sequence: %w", err))
	}
	store.seq = seq

	return store, nil
}

// classify maps an open error onto the storage error taxonomy. Anything that
// is not an access problem means the directory holds data badger cannot read.
// badger flattens the lock error to text, so the lock itself is probed
// before a directory is ever reported corrupt.
func classify(dir string, err error) error {
	if errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrNotExist) ||
		strings.Contains(err.Error(), "Cannot acquire directory lock") ||
		Locked(dir) {
		return snapshot.NewOpenError(dir, err)
	}
	return snapshot.NewCorruptError(dir, err)
}

func (s *Store) checkFormat() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(formatKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(formatKey, []byte(formatVersion))
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if string(val) != formatVersion {
				return fmt.Errorf("%w: version %q, want %q", snapshot.ErrUnsupportedFormat, val, formatVersion)
			}
			return nil
		})
	})
	if err != nil {
		return snapshot.NewCorruptError(s.dir, fmt.Errorf("failed to check format: %w", err))
	}
	return nil
}

func idKey(id int64) []byte {
	return binary.BigEndian.AppendUint64(slices.Clone(idPrefix), uint64(id))
}

func entriesPrefix(gen int64) []byte {
	return binary.BigEndian.AppendUint64(slices.Clone(entryPrefix), uint64(gen))
}

func entryKey(gen int64, key string) []byte {
	return append(entriesPrefix(gen), key...)
}

func headerKey(nh namehash.NameHash) []byte {
	return append(slices.Clone(headerPrefix), nh.Bytes()...)
}

// decodeHeader decodes a header record and checks it belongs under nh
func (s *Store) decodeHeader(nh namehash.NameHash, val []byte) (*headerRecord, error) {
	var rec headerRecord
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return nil, snapshot.NewCorruptError(s.dir, fmt.Errorf("failed to decode header: %w", err))
	}
	if err := nh.Verify(rec.Name); err != nil {
		return nil, snapshot.NewCorruptError(s.dir, err)
	}
	return &rec, nil
}

// live resolves snapshot id to its name hash and header record
func (s *Store) live(txn *badger.Txn, id int64) (namehash.NameHash, *headerRecord, error) {
	item, err := txn.Get(idKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("%w: %d", errUnregistered, id)
	}
	if err != nil {
		return nil, nil, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, snapshot.NewCorruptError(s.dir, fmt.Errorf("failed to read id marker: %w", err))
	}
	nh, err := namehash.Parse(raw)
	if err != nil {
		return nil, nil, snapshot.NewCorruptError(s.dir, fmt.Errorf("bad id marker: %w", err))
	}

	item, err = txn.Get(headerKey(nh))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, snapshot.NewCorruptError(s.dir, fmt.Errorf("dictionary %d has no header", id))
	}
	if err != nil {
		return nil, nil, err
	}

	var rec *headerRecord
	err = item.Value(func(val []byte) error {
		rec, err = s.decodeHeader(nh, val)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if rec.ID != id {
		return nil, nil, snapshot.NewCorruptError(s.dir, fmt.Errorf("id marker %d points at header of %d", id, rec.ID))
	}
	return nh, rec, nil
}

// nextID allocates a dictionary id or entry generation
func (s *Store) nextID() (int64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return int64(n) + 1, nil
}

// dropGeneration removes every entry of an unreachable generation
func (s *Store) dropGeneration(gen int64) {
	if err := s.db.DropPrefix(entriesPrefix(gen)); err != nil {
		s.logger.Warn("failed to drop snapshot entries", "gen", gen, "error", err)
	}
}

// Lookup retrieves the live header for name
func (s *Store) Lookup(ctx context.Context, name string) (*snapshot.Header, error) {
	nh, err := namehash.Sum(name)
	if err != nil {
		return nil, err
	}

	var rec *headerRecord
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headerKey(nh))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			rec, err = s.decodeHeader(nh, val)
			return err
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // Return nil for unregistered names
	}
	if err != nil {
		return nil, err
	}

	return &snapshot.Header{ID: rec.ID, Name: rec.Name, Stamp: snapshot.Stamp(rec.Stamp)}, nil
}

// Register points name at a new, empty snapshot. The header swap is a single
// transaction; the replaced snapshot's entries are unreachable from then on
// and are dropped afterwards.
func (s *Store) Register(ctx context.Context, name string, stamp snapshot.Stamp) (*snapshot.Header, error) {
	nh, err := namehash.Sum(name)
	if err != nil {
		return nil, err
	}

	id, err := s.nextID()
	if err != nil {
		return nil, snapshot.NewWriteError(s.dir, err)
	}

	val, err := msgpack.Marshal(&headerRecord{ID: id, Gen: id, Name: name, Stamp: string(stamp)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	var orphan int64
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(headerKey(nh))
		switch {
		case err == nil:
			err = item.Value(func(old []byte) error {
				rec, err := s.decodeHeader(nh, old)
				if err != nil {
					// Overwritten below; its entries stay behind unreachable
					s.logger.Warn("replacing unreadable snapshot header", "name", name, "error", err)
					return nil
				}
				orphan = rec.Gen
				return txn.Delete(idKey(rec.ID))
			})
			if err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		if err := txn.Set(headerKey(nh), val); err != nil {
			return err
		}
		return txn.Set(idKey(id), nh.Bytes())
	})
	if err != nil {
		return nil, snapshot.NewWriteError(s.dir, fmt.Errorf("failed to register dictionary: %w", err))
	}

	if orphan != 0 {
		s.dropGeneration(orphan)
	}

	return &snapshot.Header{ID: id, Name: name, Stamp: stamp}, nil
}

// List returns all live headers ordered by name
func (s *Store) List(ctx context.Context) ([]*snapshot.Header, error) {
	var headers []*snapshot.Header

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = headerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(headerPrefix); it.ValidForPrefix(headerPrefix); it.Next() {
			item := it.Item()
			nh, err := namehash.Parse(item.Key()[len(headerPrefix):])
			if err != nil {
				return snapshot.NewCorruptError(s.dir, fmt.Errorf("bad header key: %w", err))
			}

			err = item.Value(func(val []byte) error {
				rec, err := s.decodeHeader(nh, val)
				if err != nil {
					return err
				}
				headers = append(headers, &snapshot.Header{ID: rec.ID, Name: rec.Name, Stamp: snapshot.Stamp(rec.Stamp)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(headers, func(a, b *snapshot.Header) int {
		return strings.Compare(a.Name, b.Name)
	})
	return headers, nil
}

// Load streams the pairs of a snapshot in key order. A snapshot that is no
// longer registered has no pairs.
func (s *Store) Load(ctx context.Context, id int64, fn func(snapshot.Pair) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		_, rec, err := s.live(txn, id)
		if errors.Is(err, errUnregistered) {
			return nil
		}
		if err != nil {
			return err
		}

		prefix := entriesPrefix(rec.Gen)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return snapshot.NewCorruptError(s.dir, fmt.Errorf("failed to read entry: %w", err))
			}

			p := snapshot.Pair{Key: string(item.Key()[len(prefix):]), Value: string(val)}
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put upserts pairs atomically. A batch too large for one badger
// transaction is applied by rewriting the snapshot under a new generation.
func (s *Store) Put(ctx context.Context, id int64, pairs []snapshot.Pair) error {
	err := s.update(id, func(txn *badger.Txn, gen int64) error {
		for _, p := range pairs {
			if err := txn.Set(entryKey(gen, p.Key), []byte(p.Value)); err != nil {
				return fmt.Errorf("failed to set %q: %w", p.Key, err)
			}
		}
		return nil
	})

	if errors.Is(err, badger.ErrTxnTooBig) {
		s.logger.Debug("batch exceeds one transaction, rewriting snapshot", "id", id, "pairs", len(pairs))

		upserts := make(map[string]string, len(pairs))
		for _, p := range pairs {
			upserts[p.Key] = p.Value
		}
		err = s.rewrite(ctx, id, func(key string) bool {
			_, ok := upserts[key]
			return ok
		}, upserts)
	}

	if err != nil {
		return snapshot.NewWriteError(s.dir, err)
	}
	return nil
}

// Delete removes keys atomically, rewriting the snapshot when the batch is
// too large for one transaction
func (s *Store) Delete(ctx context.Context, id int64, keys []string) error {
	err := s.update(id, func(txn *badger.Txn, gen int64) error {
		for _, k := range keys {
			if err := txn.Delete(entryKey(gen, k)); err != nil {
				return fmt.Errorf("failed to delete %q: %w", k, err)
			}
		}
		return nil
	})

	if errors.Is(err, badger.ErrTxnTooBig) {
		s.logger.Debug("batch exceeds one transaction, rewriting snapshot", "id", id, "keys", len(keys))

		drop := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			drop[k] = struct{}{}
		}
		err = s.rewrite(ctx, id, func(key string) bool {
			_, ok := drop[key]
			return ok
		}, nil)
	}

	if err != nil {
		return snapshot.NewWriteError(s.dir, err)
	}
	return nil
}

// update runs fn in a read-write transaction against the live generation
// of snapshot id
func (s *Store) update(id int64, fn func(txn *badger.Txn, gen int64) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, rec, err := s.live(txn, id)
		if err != nil {
			return err
		}
		return fn(txn, rec.Gen)
	})
}

// rewrite copies snapshot id into a fresh generation, leaving out the keys
// skip matches and adding pairs, then publishes it by rewriting the header in
// one small transaction. Until then readers and the store on disk only ever
// see the old generation.
func (s *Store) rewrite(ctx context.Context, id int64, skip func(key string) bool, pairs map[string]string) error {
	var old *headerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, old, err = s.live(txn, id)
		return err
	})
	if err != nil {
		return err
	}

	gen, err := s.nextID()
	if err != nil {
		return err
	}

	if err := s.stage(ctx, old.Gen, gen, skip, pairs); err != nil {
		s.dropGeneration(gen)
		return fmt.Errorf("failed to stage snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		nh, cur, err := s.live(txn, id)
		if err != nil {
			return err
		}
		if cur.Gen != old.Gen {
			return fmt.Errorf("dictionary %d changed while being rewritten", id)
		}

		cur.Gen = gen
		val, err := msgpack.Marshal(cur)
		if err != nil {
			return fmt.Errorf("failed to encode header: %w", err)
		}
		return txn.Set(headerKey(nh), val)
	})
	if err != nil {
		s.dropGeneration(gen)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	s.dropGeneration(old.Gen)
	return nil
}

// stage copies generation from into generation to and adds pairs. The new
// generation is unreachable until a header names it, so it is written with
// a WriteBatch that badger splits across as many transactions as it needs.
func (s *Store) stage(ctx context.Context, from, to int64, skip func(key string) bool, pairs map[string]string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	prefix := entriesPrefix(from)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			key := string(item.Key()[len(prefix):])
			if skip(key) {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read entry: %w", err)
			}
			if err := wb.Set(entryKey(to, key), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for k, v := range pairs {
		if err := wb.Set(entryKey(to, k), []byte(v)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Compact runs BadgerDB value log garbage collection
// Call this periodically to reclaim space from replaced snapshots
func (s *Store) Compact(ctx context.Context) error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil // Not an error - just means no rewrite was needed
	}
	return err
}

// Close releases all BadgerDB resources
func (s *Store) Close() error {
	if s.seq != nil {
		if err := s.seq.Release(); err != nil {
			s.logger.Warn("failed to release id sequence", "error", err)
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
