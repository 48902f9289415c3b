package db

import (
	"errors"

	"lsmkv/pkg/dberrors"
)

var (
	// ErrClosed is returned by every operation on a closed database.
	ErrClosed = dberrors.ErrClosed
	// ErrLocked means another process owns the database directory.
	ErrLocked = errors.New("lsmdb: database is locked by another process")

	errInvalidOptions = dberrors.ErrInvalidArgument
)
