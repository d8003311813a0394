package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/pool"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/tenant"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

type testStack struct {
	stores   *store.Manager
	registry *tenant.Registry
	pool     *pool.Pool
	vol      *volume.Volume
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	stores, err := store.NewManager(
		filepath.Join(t.TempDir(), "meta"),
		filepath.Join(t.TempDir(), "quota"),
		store.Options{LockTimeout: time.Second},
	)
	require.NoError(t, err)
	t.Cleanup(func() { stores.CloseAll() })

	registry, err := tenant.NewRegistry(filepath.Join(t.TempDir(), "tenants"), true)
	require.NoError(t, err)

	p := pool.New(stores, registry)
	v, err := volume.New("vol1", t.TempDir(), 2)
	require.NoError(t, err)
	require.NoError(t, p.AddVolume(context.Background(), v))

	return &testStack{stores: stores, registry: registry, pool: p, vol: v}
}

func (ts *testStack) newService(cfg Config) *Service {
	return New(ts.stores, ts.registry, ts.pool, cfg)
}

func corruptFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("this is not a store file"), 0600))
}

func countBackups(t *testing.T, path string) int {
	t.Helper()
	matches, err := filepath.Glob(path + ".corrupted.*")
	require.NoError(t, err)
	return len(matches)
}

// TestStartupHealthyStores tests that intact stores pass untouched
func TestStartupHealthyStores(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	_, err := ts.pool.Write(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{})
	require.NoError(t, err)

	svc := ts.newService(Config{AutoRecover: true, FailFast: true})
	require.NoError(t, svc.Startup(ctx))
	assert.Equal(t, 0, countBackups(t, ts.stores.ItemStorePath("acme")))
}

// TestStartupRebuildsCorruptItemStore tests the full rebuild path
func TestStartupRebuildsCorruptItemStore(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		_, err := ts.pool.Write(ctx, "acme", strings.NewReader(p), pool.WriteOptions{Directory: "/inbox"})
		require.NoError(t, err)
	}

	require.NoError(t, ts.stores.CloseAll())
	itemPath := ts.stores.ItemStorePath("acme")
	corruptFile(t, itemPath)

	svc := ts.newService(Config{AutoRecover: true, FailFast: true})
	require.NoError(t, svc.Startup(ctx))

	// The corrupt file was preserved for forensics.
	assert.Equal(t, 1, countBackups(t, itemPath))

	// Every surviving byte file came back as a pending record rooted in
	// the default directory.
	items, err := ts.stores.HandleFor("acme").Items()
	require.NoError(t, err)
	recovered := items.ListActive()
	require.Len(t, recovered, len(payloads))

	sizes := make(map[int64]bool)
	for _, item := range recovered {
		assert.Equal(t, types.StatusPending, item.Status)
		assert.Equal(t, "acme", item.TenantID)
		assert.Equal(t, "vol1", item.VolumeID)
		assert.Equal(t, types.DefaultDirectory, item.DirectoryPath)
		assert.Len(t, item.ID, 32)
		_, serr := os.Stat(item.PhysicalPath)
		assert.NoError(t, serr)
		sizes[item.SizeBytes] = true
	}
	assert.True(t, sizes[3] && sizes[5])

	// Quotas were recounted to match.
	h := ts.stores.HandleFor("acme")
	h.Lock()
	quotas, err := h.Quotas()
	require.NoError(t, err)
	rec, found, err := quotas.Get(types.TenantQuotaPath)
	require.NoError(t, err)
	h.Unlock()
	require.True(t, found)
	assert.Equal(t, int64(len(payloads)), rec.CurrentCount)
}

// TestStartupIsIdempotent tests that repeated checks do not re-quarantine
func TestStartupIsIdempotent(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	_, err := ts.pool.Write(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, ts.stores.CloseAll())
	itemPath := ts.stores.ItemStorePath("acme")
	corruptFile(t, itemPath)

	svc := ts.newService(Config{AutoRecover: true, FailFast: true})
	require.NoError(t, svc.Startup(ctx))
	require.NoError(t, svc.Startup(ctx))
	assert.Equal(t, 1, countBackups(t, itemPath))
}

// TestStartupFailFastWithoutAutoRecover tests the strict mode
func TestStartupFailFastWithoutAutoRecover(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	_, err := ts.pool.Write(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, ts.stores.CloseAll())
	corruptFile(t, ts.stores.ItemStorePath("acme"))

	svc := ts.newService(Config{AutoRecover: false, FailFast: true})
	assert.Error(t, svc.Startup(ctx))

	// Degraded mode logs and continues.
	lax := ts.newService(Config{AutoRecover: false, FailFast: false})
	assert.NoError(t, lax.Startup(ctx))
}

// TestRebuildQuotas tests the quota recount path
func TestRebuildQuotas(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ts.pool.Write(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{Directory: "/a"})
		require.NoError(t, err)
	}
	_, err := ts.pool.Write(ctx, "acme", strings.NewReader("x"), pool.WriteOptions{Directory: "/b"})
	require.NoError(t, err)

	require.NoError(t, ts.stores.CloseAll())
	quotaPath := ts.stores.QuotaStorePath("acme")
	corruptFile(t, quotaPath)

	svc := ts.newService(Config{AutoRecover: true, FailFast: true})
	require.NoError(t, svc.RebuildQuotas("acme"))
	assert.Equal(t, 1, countBackups(t, quotaPath))

	h := ts.stores.HandleFor("acme")
	h.Lock()
	quotas, err := h.Quotas()
	require.NoError(t, err)
	tenantRec, _, err := quotas.Get(types.TenantQuotaPath)
	require.NoError(t, err)
	aRec, _, err := quotas.Get("/a")
	require.NoError(t, err)
	bRec, _, err := quotas.Get("/b")
	require.NoError(t, err)
	h.Unlock()

	assert.Equal(t, int64(3), tenantRec.CurrentCount)
	assert.Equal(t, int64(2), aRec.CurrentCount)
	assert.Equal(t, int64(1), bRec.CurrentCount)
}

// TestRebuildSkipsJunkFiles tests that desktop droppings stay out of
// the rebuilt store
func TestRebuildSkipsJunkFiles(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	_, err := ts.pool.Write(ctx, "acme", strings.NewReader("real"), pool.WriteOptions{})
	require.NoError(t, err)

	junk := filepath.Join(ts.vol.TenantRoot("acme"), ".DS_Store")
	require.NoError(t, os.WriteFile(junk, []byte("noise"), 0644))

	require.NoError(t, svcRebuild(ts))

	items, err := ts.stores.HandleFor("acme").Items()
	require.NoError(t, err)
	assert.Len(t, items.ListActive(), 1)
}

func svcRebuild(ts *testStack) error {
	svc := ts.newService(Config{AutoRecover: true})
	return svc.RebuildMetadata("acme")
}
