package tenant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/cuemby/hutch/pkg/types"
)

// statusCacheTTL bounds how stale the hot-path status view may be.
const statusCacheTTL = 5 * time.Minute

// Registry persists tenant records as one JSON document each and
// answers the hot-path "is this tenant enabled" question from a
// short-lived cache. Writes invalidate the cached entry.
type Registry struct {
	root       string
	autoCreate bool

	mu    sync.Mutex
	cache map[string]statusEntry

	// now is swappable for tests.
	now func() time.Time
}

type statusEntry struct {
	status  types.TenantStatus
	expires time.Time
}

// NewRegistry creates (if needed) the directory holding tenant
// documents. With autoCreate on, Get materializes unknown tenants as
// enabled records.
func NewRegistry(root string, autoCreate bool) (*Registry, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tenant registry root: %w", err)
	}
	return &Registry{
		root:       root,
		autoCreate: autoCreate,
		cache:      make(map[string]statusEntry),
		now:        time.Now,
	}, nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("tenant id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid tenant id %q", id)
	}
	return nil
}

func (r *Registry) docPath(id string) string {
	return filepath.Join(r.root, id+".json")
}

func (r *Registry) load(id string) (*types.Tenant, error) {
	data, err := os.ReadFile(r.docPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to read tenant record: %w", err)
	}
	var t types.Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode tenant record: %w", err)
	}
	return &t, nil
}

func (r *Registry) persist(t *types.Tenant) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tenant record: %w", err)
	}
	if err := atomic.WriteFile(r.docPath(t.ID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write tenant record: %w", err)
	}
	r.mu.Lock()
	r.cache[t.ID] = statusEntry{status: t.Status, expires: r.now().Add(statusCacheTTL)}
	r.mu.Unlock()
	return nil
}

// Get returns the tenant record, auto-creating it when enabled.
func (r *Registry) Get(id string) (*types.Tenant, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	t, err := r.load(id)
	if err == types.ErrTenantNotFound && r.autoCreate {
		return r.Create(id)
	}
	return t, err
}

// IsEnabled answers from the status cache when fresh, falling back to
// the durable record.
func (r *Registry) IsEnabled(id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	r.mu.Lock()
	if e, ok := r.cache[id]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return e.status == types.TenantEnabled, nil
	}
	r.mu.Unlock()

	t, err := r.Get(id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.cache[id] = statusEntry{status: t.Status, expires: r.now().Add(statusCacheTTL)}
	r.mu.Unlock()
	return t.Status == types.TenantEnabled, nil
}

// Create materializes a new enabled tenant. Creating an existing tenant
// returns the existing record unchanged.
func (r *Registry) Create(id string) (*types.Tenant, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if existing, err := r.load(id); err == nil {
		return existing, nil
	} else if err != types.ErrTenantNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	t := &types.Tenant{
		ID:          id,
		Status:      types.TenantEnabled,
		CreatedAt:   now,
		UpdatedAt:   now,
		StoragePath: id,
	}
	if err := r.persist(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Enable transitions the tenant to enabled.
func (r *Registry) Enable(id string) error {
	return r.setStatus(id, types.TenantEnabled)
}

// Disable transitions the tenant to disabled; every pool and scheduler
// operation on it will reject until re-enabled.
func (r *Registry) Disable(id string) error {
	return r.setStatus(id, types.TenantDisabled)
}

func (r *Registry) setStatus(id string, status types.TenantStatus) error {
	if err := validateID(id); err != nil {
		return err
	}
	t, err := r.load(id)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return r.persist(t)
}

// ListAll enumerates every tenant record, ordered by id.
func (r *Registry) ListAll() ([]*types.Tenant, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant registry root: %w", err)
	}
	var tenants []*types.Tenant
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		t, err := r.load(id)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}
