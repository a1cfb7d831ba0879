//go:build unix

package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFileName is the advisory lock guarding single-writer access.
const LockFileName = "write.lock"

// ErrLocked reports that another writer holds the directory.
var ErrLocked = errors.New("directory is locked by another writer")

// Lock is an exclusive flock on a directory's lock file.
type Lock struct {
	file *os.File
}

// AcquireLock takes a non-blocking exclusive lock on dir/write.lock. The lock
// is tied to the open file description, so a second Store in the same
// process is rejected just like another process.
func AcquireLock(dir string) (*Lock, error) {
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", dir, err)
	}
	return &Lock{file: f}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	return errors.Join(unlockErr, closeErr)
}
