package snapshot

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures
type ErrorKind int

const (
	// OpenFailure means the backing resource could not be opened
	// (permissions, missing path segments, lock held elsewhere)
	OpenFailure ErrorKind = iota + 1

	// CorruptStore means existing persisted data is unreadable
	CorruptStore

	// WriteFailure means a mutation could not be committed
	WriteFailure
)

func (k ErrorKind) String() string {
	switch k {
	case OpenFailure:
		return "open failure"
	case CorruptStore:
		return "corrupt store"
	case WriteFailure:
		return "write failure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// StorageError reports a failure of the backing store
type StorageError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot store: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("snapshot store %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrUnsupportedFormat is wrapped in a CorruptStore error when a store was
// written with an unknown layout version
var ErrUnsupportedFormat = errors.New("unsupported store format")

// NewOpenError wraps err as an OpenFailure
func NewOpenError(path string, err error) error {
	return &StorageError{Kind: OpenFailure, Path: path, Err: err}
}

// NewCorruptError wraps err as a CorruptStore failure
func NewCorruptError(path string, err error) error {
	return &StorageError{Kind: CorruptStore, Path: path, Err: err}
}

// NewWriteError wraps err as a WriteFailure
func NewWriteError(path string, err error) error {
	return &StorageError{Kind: WriteFailure, Path: path, Err: err}
}

// IsKind reports whether err is a StorageError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == kind
}
