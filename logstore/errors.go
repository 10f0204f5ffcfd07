package logstore

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("logstore: store closed")
	// ErrInvalidRange is returned for negative offsets or lengths.
	ErrInvalidRange = errors.New("logstore: invalid byte range")
)

// StorageError wraps an I/O failure on a log file.
type StorageError struct {
	Op   string
	File string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("logstore: %s %s: %v", e.Op, e.File, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TruncatedReadError is returned when a file holds fewer bytes than a
// recorded location claims.
type TruncatedReadError struct {
	File   string
	Offset int64
	Want   int64
	Got    int64
}

func (e *TruncatedReadError) Error() string {
	return fmt.Sprintf("logstore: truncated read %s@%d: want %d bytes, got %d", e.File, e.Offset, e.Want, e.Got)
}
