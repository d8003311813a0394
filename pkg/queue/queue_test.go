package queue

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/pool"
	"github.com/cuemby/hutch/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.MetadataRoot = filepath.Join(t.TempDir(), "meta")
	cfg.QuotaRoot = filepath.Join(t.TempDir(), "quota")
	cfg.Volumes = []config.VolumeConfig{
		{ID: "vol1", MountPath: filepath.Join(t.TempDir(), "vol1"), ShardingDepth: 2},
	}
	cfg.Retry.InitialDelay = config.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(10 * time.Millisecond)
	return cfg
}

func openTestStore(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

// TestWriteClaimComplete tests the full item lifecycle end to end
func TestWriteClaimComplete(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	itemID, err := s.WriteFile(ctx, "acme", strings.NewReader("hello"), pool.WriteOptions{OriginalName: "hello.txt"})
	require.NoError(t, err)
	assert.Len(t, itemID, 32)

	rc, err := s.ReadFile(ctx, "acme", itemID)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	loc, err := s.GetLocation("acme", itemID)
	require.NoError(t, err)
	assert.Equal(t, "vol1", loc.VolumeID)

	claimed, err := s.ClaimNext(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, itemID, claimed.ID)

	require.NoError(t, s.MarkCompleted(itemID))
	_, err = s.Status(itemID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, serr := os.Stat(claimed.PhysicalPath)
	assert.True(t, os.IsNotExist(serr))

	// Queue is empty again.
	next, err := s.ClaimNext(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, next)
}

// TestRetryFlow tests failure, backoff and reclaim through the facade
func TestRetryFlow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retry.MaxRetries = 2
	s := openTestStore(t, cfg)
	ctx := context.Background()

	itemID, err := s.WriteFile(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{})
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.MarkFailed(itemID, "first failure"))

	status, err := s.Status(itemID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, status.Status)
	assert.Equal(t, 1, status.RetryCount)

	// After the short backoff the item comes around again.
	var again *types.Item
	require.Eventually(t, func() bool {
		again, err = s.ClaimNext(ctx, "acme")
		require.NoError(t, err)
		return again != nil
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, itemID, again.ID)

	require.NoError(t, s.MarkFailed(itemID, "second failure"))
	status, err = s.Status(itemID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPermanentlyFailed, status.Status)
	assert.Equal(t, "second failure", status.LastError)
}

// TestTenantSeeding tests configured tenants and quotas
func TestTenantSeeding(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tenants = []config.TenantConfig{{ID: "acme", Quota: 1}}
	s := openTestStore(t, cfg)
	ctx := context.Background()

	tenants, err := s.ListTenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme", tenants[0].ID)

	_, err = s.WriteFile(ctx, "acme", strings.NewReader("a"), pool.WriteOptions{})
	require.NoError(t, err)

	_, err = s.WriteFile(ctx, "acme", strings.NewReader("b"), pool.WriteOptions{})
	require.Error(t, err)
	assert.True(t, types.IsQuotaExceeded(err))

	rec, found, err := s.GetQuota("acme", types.TenantQuotaPath)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), rec.CurrentCount)
	assert.Equal(t, int64(1), rec.MaxCount)
}

// TestSetQuotaOnDirectory tests directory-scoped limits via the facade
func TestSetQuotaOnDirectory(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, s.SetQuota("acme", "/uploads", 1))

	_, err := s.WriteFile(ctx, "acme", strings.NewReader("a"), pool.WriteOptions{Directory: "/uploads"})
	require.NoError(t, err)
	_, err = s.WriteFile(ctx, "acme", strings.NewReader("b"), pool.WriteOptions{Directory: "/uploads"})
	assert.True(t, types.IsQuotaExceeded(err))

	// Other directories are unaffected.
	_, err = s.WriteFile(ctx, "acme", strings.NewReader("c"), pool.WriteOptions{Directory: "/other"})
	assert.NoError(t, err)
}

// TestDisableTenant tests tenant gating through the facade
func TestDisableTenant(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	itemID, err := s.WriteFile(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DisableTenant("acme"))

	_, err = s.WriteFile(ctx, "acme", strings.NewReader("y"), pool.WriteOptions{})
	assert.ErrorIs(t, err, types.ErrTenantDisabled)
	_, err = s.ClaimNext(ctx, "acme")
	assert.ErrorIs(t, err, types.ErrTenantDisabled)
	_, err = s.ReadFile(ctx, "acme", itemID)
	assert.ErrorIs(t, err, types.ErrTenantDisabled)

	require.NoError(t, s.EnableTenant("acme"))
	claimed, err := s.ClaimNext(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, itemID, claimed.ID)
}

// TestClaimBatchFacade tests batch claiming through the facade
func TestClaimBatchFacade(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.WriteFile(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{})
		require.NoError(t, err)
	}

	batch, err := s.ClaimBatch(ctx, "acme", 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	_, err = s.ClaimBatch(ctx, "globex", 2)
	assert.ErrorIs(t, err, types.ErrNoItemsAvailable)
}

// TestCapacityReporting tests the aggregate capacity surface
func TestCapacityReporting(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	assert.Greater(t, s.CapacityTotal(), int64(0))
	assert.GreaterOrEqual(t, s.CapacityTotal(), s.CapacityAvailable())
}

// TestRestartPreservesState tests durability across a full stop/open
func TestRestartPreservesState(t *testing.T) {
	cfg := testConfig(t)

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	itemID, err := s.WriteFile(context.Background(), "acme", strings.NewReader("durable"), pool.WriteOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, s.Stop(ctx))
	cancel()

	reopened := openTestStore(t, cfg)
	claimed, err := reopened.ClaimNext(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, itemID, claimed.ID)

	rc, err := reopened.ReadFile(context.Background(), "acme", claimed.ID)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "durable", string(data))
}

// TestReconcileOnDemand tests the synchronous reconcile entry point
func TestReconcileOnDemand(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	_, err := s.WriteFile(context.Background(), "acme", strings.NewReader("x"), pool.WriteOptions{})
	require.NoError(t, err)

	s.Reconcile()
}
