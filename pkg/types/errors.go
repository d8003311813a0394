package types

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the in-process API. Callers match them
// with errors.Is.
var (
	// ErrTenantDisabled is returned for any operation on a tenant whose
	// status is not enabled.
	ErrTenantDisabled = errors.New("tenant is disabled")

	// ErrTenantNotFound is returned for an unknown tenant when
	// auto-create is off.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrNotFound is returned when an item id or record is missing.
	ErrNotFound = errors.New("item not found")

	// ErrUnauthorized is returned when a record exists but belongs to a
	// different tenant than the caller.
	ErrUnauthorized = errors.New("item belongs to another tenant")

	// ErrAlreadyProcessing is returned on an attempt to transition an
	// item that is already claimed.
	ErrAlreadyProcessing = errors.New("item is already processing")

	// ErrNoItemsAvailable is returned by batch claims that find nothing
	// eligible. Single claims return an empty result instead.
	ErrNoItemsAvailable = errors.New("no items available")

	// ErrVolumeUnavailable is returned when no healthy volume exists or
	// a referenced volume is not mounted.
	ErrVolumeUnavailable = errors.New("storage volume unavailable")

	// ErrInsufficientStorage is returned when every healthy volume is
	// full.
	ErrInsufficientStorage = errors.New("insufficient storage")

	// ErrCorruption signals recoverable store corruption. It never
	// surfaces to callers: the rebuild path consumes it.
	ErrCorruption = errors.New("store corruption detected")
)

// QuotaScope distinguishes tenant-wide from per-directory quotas.
type QuotaScope string

const (
	QuotaScopeTenant    QuotaScope = "tenant"
	QuotaScopeDirectory QuotaScope = "directory"
)

// QuotaExceededError is returned when a write would exceed a file-count
// limit. It carries the observed counters for the caller's diagnostics.
type QuotaExceededError struct {
	Scope   QuotaScope
	Path    string
	Current int64
	Max     int64
}

func (e *QuotaExceededError) Error() string {
	if e.Scope == QuotaScopeTenant {
		return fmt.Sprintf("tenant quota exceeded: %d/%d files", e.Current, e.Max)
	}
	return fmt.Sprintf("directory quota exceeded for %s: %d/%d files", e.Path, e.Current, e.Max)
}

// IsQuotaExceeded reports whether err is a quota refusal of either scope.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
