//go:build !unix

package db

import (
	"os"

	"github.com/pkg/errors"
)

// fileLock only creates the lock file on platforms without flock.
type fileLock struct {
	f *os.File
}

func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	return l.f.Close()
}
