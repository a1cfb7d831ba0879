//go:build !unix

package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFileName is the lock guarding single-writer access.
const LockFileName = "write.lock"

// ErrLocked reports that another writer holds the directory.
var ErrLocked = errors.New("directory is locked by another writer")

// Lock is an exclusively created lock file. Without flock a crashed writer
// leaves the file behind and it must be removed by hand.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock creates dir/write.lock, failing if it already exists.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release closes and removes the lock file.
func (l *Lock) Release() error {
	closeErr := l.file.Close()
	return errors.Join(closeErr, os.Remove(l.path))
}
