package snapshot

import (
	"context"
	"strconv"
	"time"
)

// Stamp is an opaque freshness token for a source dictionary, such as its
// modification time. Stamps are only ever compared for equality.
type Stamp string

// StampFromTime builds a stamp from a modification time
func StampFromTime(t time.Time) Stamp {
	return Stamp(strconv.FormatInt(t.UTC().UnixNano(), 10))
}

// StampFromInt builds a stamp from an integer counter or timestamp
func StampFromInt(n int64) Stamp {
	return Stamp(strconv.FormatInt(n, 10))
}

// Header identifies one live snapshot
type Header struct {
	ID    int64  // Backend-assigned dictionary id
	Name  string // Usually the source dictionary path
	Stamp Stamp
}

// Pair is one outline → translation entry
type Pair struct {
	Key   string
	Value string
}

// Store defines the durable backing for dictionary snapshots.
// Every mutating call is atomic: it either commits entirely or leaves the
// stored snapshot untouched.
type Store interface {
	// Lookup returns the live snapshot header for name
	// Returns nil if no snapshot is registered under name
	Lookup(ctx context.Context, name string) (*Header, error)

	// Register creates a new empty snapshot for (name, stamp), replacing
	// any snapshot previously registered under name, including one with the
	// same stamp. The replaced snapshot's pairs are discarded.
	Register(ctx context.Context, name string, stamp Stamp) (*Header, error)

	// List returns the headers of all live snapshots, ordered by name
	List(ctx context.Context) ([]*Header, error)

	// Load calls fn for every pair of the snapshot
	Load(ctx context.Context, id int64, fn func(Pair) error) error

	// Put upserts pairs into the snapshot in a single transaction
	// Pairs are applied in order, so a later pair for the same key wins
	Put(ctx context.Context, id int64, pairs []Pair) error

	// Delete removes keys from the snapshot in a single transaction
	Delete(ctx context.Context, id int64, keys []string) error

	// Close releases any resources
	Close() error
}
