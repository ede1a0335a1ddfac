package dictcache

import (
	"errors"

	"github.com/shruggr/dictcache/snapshot"
)

// ErrNotFound is returned when an outline or translation has no match
var ErrNotFound = errors.New("not found")

// StorageError reports a failure of the backing store
type StorageError = snapshot.StorageError

// Storage error kinds
const (
	OpenFailure  = snapshot.OpenFailure
	CorruptStore = snapshot.CorruptStore
	WriteFailure = snapshot.WriteFailure
)
