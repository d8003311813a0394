package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// StoreExt is the file extension of per-tenant store files.
	StoreExt = ".db"

	quotaSuffix   = "-quotas"
	compactSuffix = ".compact"
)

// excludedSuffixMarkers filters store-engine byproducts and forensic
// backups out of tenant discovery.
var excludedSuffixMarkers = []string{".corrupted.", "-backup-", "-journal", compactSuffix}

// Options configures the embedded engine for every per-tenant store.
type Options struct {
	// NoSync disables fsync on commit (config journal: false).
	NoSync bool

	// LockTimeout bounds how long an open waits for the file lock held
	// by another process.
	LockTimeout time.Duration
}

// Handle bundles a tenant's item store, quota store and mutex. The
// mutex is the tenant's single ordering primitive: every metadata or
// quota mutation, every store open/close and every compaction runs
// under it. Acquisition order is always tenant mutex, then store
// handle; there is no cross-tenant lock chain.
type Handle struct {
	tenantID string
	mgr      *Manager

	mu sync.Mutex

	openMu sync.Mutex
	items  ItemStore
	quotas QuotaStore
}

// TenantID returns the owning tenant.
func (h *Handle) TenantID() string { return h.tenantID }

// Lock acquires the per-tenant mutex.
func (h *Handle) Lock() { h.mu.Lock() }

// Unlock releases the per-tenant mutex.
func (h *Handle) Unlock() { h.mu.Unlock() }

// Items returns the tenant's item store, opening it on first touch.
func (h *Handle) Items() (ItemStore, error) {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	if h.items != nil {
		return h.items, nil
	}
	s, err := OpenItemStore(h.mgr.ItemStorePath(h.tenantID), h.mgr.opts)
	if err != nil {
		return nil, err
	}
	h.items = s
	return s, nil
}

// Quotas returns the tenant's quota store, opening it on first touch.
func (h *Handle) Quotas() (QuotaStore, error) {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	if h.quotas != nil {
		return h.quotas, nil
	}
	s, err := OpenQuotaStore(h.mgr.QuotaStorePath(h.tenantID), h.mgr.opts)
	if err != nil {
		return nil, err
	}
	if h.mgr.quotaRebuild != nil {
		tenant := h.tenantID
		s.SetRebuild(func() error { return h.mgr.quotaRebuild(tenant) })
	}
	h.quotas = s
	return s, nil
}

// CloseStores closes both stores and drops the active cache. The
// caller must hold the tenant mutex.
func (h *Handle) CloseStores() error {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	var firstErr error
	if h.items != nil {
		if err := h.items.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.items = nil
	}
	if h.quotas != nil {
		if err := h.quotas.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.quotas = nil
	}
	return firstErr
}

// Manager owns the per-tenant handles. Handles are created lazily on
// first reference and live until CloseAll.
type Manager struct {
	metadataRoot string
	quotaRoot    string
	opts         Options

	mu      sync.Mutex
	handles map[string]*Handle

	// quotaRebuild, when wired, lets a quota store rebuild itself in
	// place after a corruption-signature persistence failure. It is
	// called with the tenant mutex held.
	quotaRebuild func(tenantID string) error
}

// NewManager creates the store roots if needed.
func NewManager(metadataRoot, quotaRoot string, opts Options) (*Manager, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(metadataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata root: %w", err)
	}
	if err := os.MkdirAll(quotaRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create quota root: %w", err)
	}
	return &Manager{
		metadataRoot: metadataRoot,
		quotaRoot:    quotaRoot,
		opts:         opts,
		handles:      make(map[string]*Handle),
	}, nil
}

// SetQuotaRebuild wires the in-place quota rebuild hook. Must be called
// before any quota store is opened.
func (m *Manager) SetQuotaRebuild(fn func(tenantID string) error) {
	m.quotaRebuild = fn
}

// HandleFor returns the tenant's handle, creating it without touching
// disk. Store files open on first use.
func (m *Manager) HandleFor(tenantID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[tenantID]
	if !ok {
		h = &Handle{tenantID: tenantID, mgr: m}
		m.handles[tenantID] = h
	}
	return h
}

// OpenHandles snapshots every handle created so far.
func (m *Manager) OpenHandles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// ItemStorePath returns the metadata store file for a tenant.
func (m *Manager) ItemStorePath(tenantID string) string {
	return filepath.Join(m.metadataRoot, tenantID+StoreExt)
}

// QuotaStorePath returns the quota store file for a tenant.
func (m *Manager) QuotaStorePath(tenantID string) string {
	return filepath.Join(m.quotaRoot, tenantID+quotaSuffix+StoreExt)
}

// CloseAll closes every open store. Handles remain usable; stores
// reopen on next touch.
func (m *Manager) CloseAll() error {
	var firstErr error
	for _, h := range m.OpenHandles() {
		h.Lock()
		if err := h.CloseStores(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.Unlock()
	}
	return firstErr
}

// DiscoverTenants lists tenant ids that have a metadata store file on
// disk, excluding forensic backups and engine byproducts.
func (m *Manager) DiscoverTenants() ([]string, error) {
	entries, err := os.ReadDir(m.metadataRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata root: %w", err)
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, StoreExt) || excludedStoreFile(name) {
			continue
		}
		tenants = append(tenants, strings.TrimSuffix(name, StoreExt))
	}
	sort.Strings(tenants)
	return tenants, nil
}

func excludedStoreFile(name string) bool {
	for _, marker := range excludedSuffixMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// CompactionResult reports on-disk sizes around a compaction.
type CompactionResult struct {
	BeforeBytes int64
	AfterBytes  int64
}

// Compact rebuilds the tenant's store files in place, reclaiming pages
// freed by deleted records. The caller must hold the tenant mutex; the
// stores are closed for the duration and reopen on next touch.
func (m *Manager) Compact(tenantID string) (CompactionResult, error) {
	h := m.HandleFor(tenantID)
	if err := h.CloseStores(); err != nil {
		return CompactionResult{}, fmt.Errorf("failed to close stores for compaction: %w", err)
	}

	var result CompactionResult
	for _, path := range []string{m.ItemStorePath(tenantID), m.QuotaStorePath(tenantID)} {
		before, after, err := compactFile(path, m.opts)
		if err != nil {
			return result, err
		}
		result.BeforeBytes += before
		result.AfterBytes += after
	}
	return result, nil
}

// compactFile copies the live pages of one store file into a fresh file
// and swaps it in. Missing files are skipped.
func compactFile(path string, opts Options) (before, after int64, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	before = info.Size()

	src, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.LockTimeout, ReadOnly: true})
	if err != nil {
		return before, 0, fmt.Errorf("failed to open store for compaction: %w", err)
	}
	defer src.Close()

	tmpPath := path + compactSuffix
	dst, err := bolt.Open(tmpPath, 0600, &bolt.Options{Timeout: opts.LockTimeout})
	if err != nil {
		return before, 0, fmt.Errorf("failed to create compaction target: %w", err)
	}

	if err := bolt.Compact(dst, src, 0); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return before, 0, fmt.Errorf("compaction failed: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return before, 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return before, 0, fmt.Errorf("failed to swap compacted store: %w", err)
	}

	if info, err := os.Stat(path); err == nil {
		after = info.Size()
	}
	return before, after, nil
}
