//go:build unix

package db

import (
	"errors"
	"testing"
)

func TestOpenRejectsSecondOwner(t *testing.T) {
	dir := t.TempDir()
	openDB(t, dir, testOptions())

	if _, err := Open(dir, testOptions()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
