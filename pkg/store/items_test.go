package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func testOptions() Options {
	return Options{LockTimeout: time.Second}
}

func openTestItemStore(t *testing.T) *BoltItemStore {
	t.Helper()
	s, err := OpenItemStore(filepath.Join(t.TempDir(), "acme.db"), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingItem(id string, createdAt time.Time) *types.Item {
	return &types.Item{
		ID:            id,
		TenantID:      "acme",
		VolumeID:      "vol1",
		PhysicalPath:  "/mnt/vol1/acme/" + id,
		DirectoryPath: types.DefaultDirectory,
		SizeBytes:     10,
		CreatedAt:     createdAt,
		Status:        types.StatusPending,
	}
}

// TestUpsertGetRemove tests the basic record lifecycle
func TestUpsertGetRemove(t *testing.T) {
	s := openTestItemStore(t)

	item := pendingItem(types.NewItemID(), time.Now().UTC())
	require.NoError(t, s.Upsert(item))

	got, ok := s.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, types.StatusPending, got.Status)

	// The returned record is a copy.
	got.Status = types.StatusProcessing
	again, _ := s.Get(item.ID)
	assert.Equal(t, types.StatusPending, again.Status)

	existed, err := s.Remove(item.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok = s.Get(item.ID)
	assert.False(t, ok)

	existed, err = s.Remove(item.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

// TestHydrateSkipsCompleted tests that reopen restores the active set
func TestHydrateSkipsCompleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.db")
	s, err := OpenItemStore(path, testOptions())
	require.NoError(t, err)

	now := time.Now().UTC()
	active := pendingItem(types.NewItemID(), now)
	require.NoError(t, s.Upsert(active))

	done := pendingItem(types.NewItemID(), now)
	done.Status = types.StatusCompleted
	require.NoError(t, s.Upsert(done))
	require.NoError(t, s.Close())

	s, err = OpenItemStore(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Get(active.ID)
	assert.True(t, ok)
	_, ok = s.Get(done.ID)
	assert.False(t, ok)

	completed, err := s.ScanCompleted()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, done.ID, completed[0].ID)
}

// TestClaimOrdering tests oldest-first claim order
func TestClaimOrdering(t *testing.T) {
	s := openTestItemStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	newest := pendingItem(types.NewItemID(), base.Add(2*time.Minute))
	oldest := pendingItem(types.NewItemID(), base)
	middle := pendingItem(types.NewItemID(), base.Add(time.Minute))
	for _, it := range []*types.Item{newest, oldest, middle} {
		require.NoError(t, s.Upsert(it))
	}

	first, err := s.ClaimNext(time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, oldest.ID, first.ID)
	assert.Equal(t, types.StatusProcessing, first.Status)
	require.NotNil(t, first.ProcessingStartedAt)

	second, err := s.ClaimNext(time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, middle.ID, second.ID)
}

// TestClaimSkipsGatedItems tests the backoff availability gate
func TestClaimSkipsGatedItems(t *testing.T) {
	s := openTestItemStore(t)
	now := time.Now().UTC()

	gated := pendingItem(types.NewItemID(), now.Add(-time.Hour))
	gated.Status = types.StatusFailed
	future := now.Add(time.Hour)
	gated.AvailableAt = &future
	require.NoError(t, s.Upsert(gated))

	got, err := s.ClaimNext(now)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Once the gate passes, the failed item is claimable again.
	got, err = s.ClaimNext(now.Add(2 * time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, gated.ID, got.ID)
}

// TestClaimBatch tests batch claiming semantics
func TestClaimBatch(t *testing.T) {
	s := openTestItemStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = types.NewItemID()
		require.NoError(t, s.Upsert(pendingItem(ids[i], base.Add(time.Duration(i)*time.Second))))
	}

	batch, err := s.ClaimBatch(3, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, item := range batch {
		assert.Equal(t, ids[i], item.ID)
		assert.Equal(t, types.StatusProcessing, item.Status)
	}

	// Asking for more than remains returns what exists.
	batch, err = s.ClaimBatch(10, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	batch, err = s.ClaimBatch(1, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, batch)
}

// TestClaimSurvivesReopen tests that claims are durable
func TestClaimSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.db")
	s, err := OpenItemStore(path, testOptions())
	require.NoError(t, err)

	item := pendingItem(types.NewItemID(), time.Now().UTC().Add(-time.Minute))
	require.NoError(t, s.Upsert(item))

	claimed, err := s.ClaimNext(time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.Close())

	s, err = OpenItemStore(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	got, ok := s.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusProcessing, got.Status)
}

// TestResetTimedOut tests stuck claim recovery
func TestResetTimedOut(t *testing.T) {
	s := openTestItemStore(t)
	now := time.Now().UTC()

	stuck := pendingItem(types.NewItemID(), now.Add(-2*time.Hour))
	require.NoError(t, s.Upsert(stuck))
	_, err := s.ClaimNext(now.Add(-time.Hour))
	require.NoError(t, err)

	fresh := pendingItem(types.NewItemID(), now.Add(-time.Hour))
	require.NoError(t, s.Upsert(fresh))
	_, err = s.ClaimNext(now)
	require.NoError(t, err)

	// Only the hour-old claim is past a 30 minute cutoff.
	n, err := s.ResetTimedOut(now.Add(-30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get(stuck.ID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Nil(t, got.ProcessingStartedAt)
	assert.Nil(t, got.AvailableAt)

	got, _ = s.Get(fresh.ID)
	assert.Equal(t, types.StatusProcessing, got.Status)
}
