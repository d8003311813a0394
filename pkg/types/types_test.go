package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestNewItemID tests the item id format
func TestNewItemID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewItemID()
		assert.Len(t, id, 32)
		for _, c := range id {
			hex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
			assert.True(t, hex, "unexpected character %q in id %s", c, id)
		}
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

// TestItemEligible tests claim eligibility across statuses and gates
func TestItemEligible(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		item Item
		want bool
	}{
		{
			name: "pending without gate",
			item: Item{Status: StatusPending},
			want: true,
		},
		{
			name: "pending with expired gate",
			item: Item{Status: StatusPending, AvailableAt: &past},
			want: true,
		},
		{
			name: "pending with future gate",
			item: Item{Status: StatusPending, AvailableAt: &future},
			want: false,
		},
		{
			name: "failed with expired backoff",
			item: Item{Status: StatusFailed, AvailableAt: &past},
			want: true,
		},
		{
			name: "failed still backing off",
			item: Item{Status: StatusFailed, AvailableAt: &future},
			want: false,
		},
		{
			name: "processing never eligible",
			item: Item{Status: StatusProcessing},
			want: false,
		},
		{
			name: "permanently failed never eligible",
			item: Item{Status: StatusPermanentlyFailed, AvailableAt: &past},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.item.Eligible(now))
		})
	}
}

// TestItemClone tests that clones share no pointers with the original
func TestItemClone(t *testing.T) {
	failed := time.Now().UTC()
	started := failed.Add(time.Second)
	available := failed.Add(time.Minute)

	original := &Item{
		ID:                  NewItemID(),
		Status:              StatusFailed,
		LastFailedAt:        &failed,
		ProcessingStartedAt: &started,
		AvailableAt:         &available,
	}

	c := original.Clone()
	assert.Equal(t, original, c)

	*c.LastFailedAt = c.LastFailedAt.Add(time.Hour)
	*c.AvailableAt = c.AvailableAt.Add(time.Hour)
	c.Status = StatusPending

	assert.Equal(t, failed, *original.LastFailedAt)
	assert.Equal(t, available, *original.AvailableAt)
	assert.Equal(t, StatusFailed, original.Status)
}

// TestStatusTerminal tests the terminal status classification
func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusPermanentlyFailed.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusFailed.Terminal())
}

// TestLocationOf tests the consumer projection
func TestLocationOf(t *testing.T) {
	item := &Item{
		ID:            "abc",
		TenantID:      "acme",
		VolumeID:      "vol1",
		PhysicalPath:  "/mnt/vol1/acme/ab/abc.bin",
		DirectoryPath: "/invoices",
		SizeBytes:     42,
		Status:        StatusProcessing,
		RetryCount:    2,
		LastError:     "boom",
	}

	loc := LocationOf(item)
	assert.Equal(t, item.ID, loc.ItemID)
	assert.Equal(t, item.TenantID, loc.TenantID)
	assert.Equal(t, item.VolumeID, loc.VolumeID)
	assert.Equal(t, item.PhysicalPath, loc.PhysicalPath)
	assert.Equal(t, item.SizeBytes, loc.SizeBytes)
	assert.Equal(t, item.RetryCount, loc.RetryCount)
}
