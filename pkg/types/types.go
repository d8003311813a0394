package types

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ItemStatus represents the scheduling state of a stored item
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusFailed     ItemStatus = "failed"
	// StatusPermanentlyFailed marks items that exhausted their retries.
	// Only the reconciler's retention purge removes them.
	StatusPermanentlyFailed ItemStatus = "permanently-failed"
	// StatusCompleted never persists in current stores; it can still be
	// read out of stores written by older releases and is purged by the
	// reconciler.
	StatusCompleted ItemStatus = "completed"
)

// Terminal reports whether the status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	return s == StatusPermanentlyFailed || s == StatusCompleted
}

// Item is the metadata record for one stored byte file. It is owned by
// exactly one tenant and mutated only under that tenant's mutex.
type Item struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	VolumeID            string     `json:"volume_id"`
	PhysicalPath        string     `json:"physical_path"`
	DirectoryPath       string     `json:"directory_path"`
	SizeBytes           int64      `json:"size_bytes"`
	CreatedAt           time.Time  `json:"created_at"`
	Status              ItemStatus `json:"status"`
	RetryCount          int        `json:"retry_count"`
	LastFailedAt        *time.Time `json:"last_failed_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	AvailableAt         *time.Time `json:"available_at,omitempty"`
	OriginalName        string     `json:"original_name,omitempty"`
}

// Eligible reports whether the item may be claimed at the given
// instant. Pending items are claimable immediately; failed items wait
// out their backoff gate.
func (i *Item) Eligible(now time.Time) bool {
	if i.Status != StatusPending && i.Status != StatusFailed {
		return false
	}
	return i.AvailableAt == nil || !i.AvailableAt.After(now)
}

// Clone returns a deep copy. Claim and reset paths mutate a clone and
// swap it into the cache only after the durable write succeeds.
func (i *Item) Clone() *Item {
	c := *i
	if i.LastFailedAt != nil {
		t := *i.LastFailedAt
		c.LastFailedAt = &t
	}
	if i.ProcessingStartedAt != nil {
		t := *i.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if i.AvailableAt != nil {
		t := *i.AvailableAt
		c.AvailableAt = &t
	}
	return &c
}

// Location is the projection of an item handed to a consumer on claim.
type Location struct {
	ItemID        string
	TenantID      string
	VolumeID      string
	PhysicalPath  string
	DirectoryPath string
	SizeBytes     int64
	Status        ItemStatus
	RetryCount    int
	LastError     string
}

// LocationOf builds the consumer projection for an item.
func LocationOf(i *Item) *Location {
	return &Location{
		ItemID:        i.ID,
		TenantID:      i.TenantID,
		VolumeID:      i.VolumeID,
		PhysicalPath:  i.PhysicalPath,
		DirectoryPath: i.DirectoryPath,
		SizeBytes:     i.SizeBytes,
		Status:        i.Status,
		RetryCount:    i.RetryCount,
		LastError:     i.LastError,
	}
}

// TenantQuotaPath is the reserved directory-path key under which the
// tenant-wide file-count quota is stored. Real directory paths are
// slash-rooted, so the key cannot collide.
const TenantQuotaPath = "__tenant__"

// DefaultDirectory is the logical directory assigned to writes that do
// not specify one, and to records synthesized by a rebuild.
const DefaultDirectory = "/"

// QuotaRecord tracks the file count for one tenant directory.
// MaxCount 0 means unlimited; Enabled false bypasses enforcement.
type QuotaRecord struct {
	DirectoryPath string    `json:"directory_path"`
	CurrentCount  int64     `json:"current_count"`
	MaxCount      int64     `json:"max_count"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`
}

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantEnabled   TenantStatus = "enabled"
	TenantDisabled  TenantStatus = "disabled"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is an isolation domain: it owns its metadata store, quota
// store, active cache and mutex.
type Tenant struct {
	ID          string       `json:"id"`
	Status      TenantStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StoragePath string       `json:"storage_path"`
}

// VolumeInfo is the read-only view of a mounted volume.
type VolumeInfo struct {
	ID             string
	MountPath      string
	TotalCapacity  int64
	AvailableSpace int64
	Healthy        bool
}

// NewItemID returns a fresh opaque 32-hex item identifier.
func NewItemID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
