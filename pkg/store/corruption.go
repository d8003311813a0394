package store

import (
	"errors"
	"strings"

	berrors "go.etcd.io/bbolt"
)

// IsCorruption reports whether err carries one of the recoverable
// corruption signatures the embedded engine produces for page-level
// damage or broken format invariants. Lock contention is deliberately
// excluded: a locked file is transient and must never trigger a
// rebuild.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, berrors.ErrInvalid) ||
		errors.Is(err, berrors.ErrChecksum) ||
		errors.Is(err, berrors.ErrVersionMismatch) {
		return true
	}
	msg := err.Error()
	for _, sig := range corruptionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// corruptionSignatures matches engine failures that arrive wrapped in
// plain errors (mmap validation, freelist decoding).
var corruptionSignatures = []string{
	"invalid database",
	"checksum error",
	"version mismatch",
	"file size too small",
	"invalid page",
	"freelist",
}

// IsLockTimeout reports whether err is a file-lock acquisition timeout,
// meaning another process currently holds the store open.
func IsLockTimeout(err error) bool {
	return err != nil && errors.Is(err, berrors.ErrTimeout)
}
