package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("lsmdb: closed")
	ErrInvalidArgument = errors.New("lsmdb: invalid argument")
	ErrCorruption      = errors.New("lsmdb: corruption")
	ErrIO              = errors.New("lsmdb: io failure")
)

// CorruptionError describes a checksum or framing failure found in an on-disk file.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("lsmdb: corruption at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("lsmdb: corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

// Corruptf builds a CorruptionError with a formatted reason.
func Corruptf(path string, offset int64, format string, args ...any) error {
	return &CorruptionError{Path: path, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// IOError wraps a failed disk operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("lsmdb: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// IOFailure wraps err as an IOError, or returns nil when err is nil.
func IOFailure(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}
