//go:build windows

package badger

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Locked reports whether a badger instance holds the lock on dir.
// On Windows badger keeps dir/LOCK open without sharing.
func Locked(dir string) bool {
	f, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_RDWR, 0)
	if err == nil {
		f.Close()
		return false
	}
	return !errors.Is(err, fs.ErrNotExist)
}
