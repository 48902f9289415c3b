//go:build unix

package db

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type fileLock struct {
	f *os.File
}

// lockFile takes an exclusive flock on path. It fails immediately when
// another process holds the lock.
func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "lock %s", path)
		}
		return nil, errors.Wrapf(err, "flock %s", path)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return errors.Wrap(err, "unlock")
	}
	return l.f.Close()
}
