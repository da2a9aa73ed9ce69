//go:build unix

package fsutil

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// AcquireLock takes a non-blocking exclusive flock on path, creating the file
// when needed. ErrLocked is returned when another process already holds it.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &Lock{
		path: path,
		release: func() error {
			unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
			closeErr := f.Close()
			return errors.Join(unlockErr, closeErr)
		},
	}, nil
}
