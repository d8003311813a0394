package pool

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/tenant"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

const (
	// Volume admission probing. Networked mounts can flap while they
	// settle, so admission requires two consecutive healthy probes out
	// of a bounded run rather than a single observation.
	defaultProbeAttempts  = 5
	defaultProbeInterval  = 500 * time.Millisecond
	requiredHealthyProbes = 2
)

// WriteOptions carries the optional attributes of a write.
type WriteOptions struct {
	// OriginalName is the caller-supplied name; its extension is
	// preserved into the physical path.
	OriginalName string

	// Directory is the logical directory used for directory-level
	// quotas. Empty means DefaultDirectory.
	Directory string
}

// Pool owns the mounted volumes and implements the write path: tenant
// gating, quota gating, volume selection by free space, physical write,
// then metadata write, with best-effort rollback when either side
// fails.
type Pool struct {
	stores   *store.Manager
	registry *tenant.Registry
	logger   zerolog.Logger

	mu      sync.RWMutex
	volumes map[string]*volume.Volume

	probeAttempts int
	probeInterval time.Duration
}

// New creates an empty pool; volumes are admitted with AddVolume.
func New(stores *store.Manager, registry *tenant.Registry) *Pool {
	return &Pool{
		stores:        stores,
		registry:      registry,
		logger:        log.WithComponent("pool"),
		volumes:       make(map[string]*volume.Volume),
		probeAttempts: defaultProbeAttempts,
		probeInterval: defaultProbeInterval,
	}
}

// AddVolume admits a volume after its health stabilizes: at least two
// consecutive healthy probes within the bounded probe run. Re-adding a
// mounted volume id is an error.
func (p *Pool) AddVolume(ctx context.Context, v *volume.Volume) error {
	p.mu.Lock()
	if _, exists := p.volumes[v.ID()]; exists {
		p.mu.Unlock()
		return fmt.Errorf("volume %s is already mounted", v.ID())
	}
	p.mu.Unlock()

	consecutive := 0
	for attempt := 0; attempt < p.probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.probeInterval):
			}
		}
		if v.Healthy() {
			consecutive++
			if consecutive >= requiredHealthyProbes {
				break
			}
		} else {
			consecutive = 0
		}
	}
	if consecutive < requiredHealthyProbes {
		return fmt.Errorf("volume %s failed admission probes: %w", v.ID(), types.ErrVolumeUnavailable)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.volumes[v.ID()]; exists {
		return fmt.Errorf("volume %s is already mounted", v.ID())
	}
	p.volumes[v.ID()] = v
	p.logger.Info().Str("volume_id", v.ID()).Str("mount_path", v.MountPath()).Msg("volume mounted")
	return nil
}

// Volume looks up a mounted volume by id.
func (p *Pool) Volume(id string) (*volume.Volume, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.volumes[id]
	return v, ok
}

// Volumes snapshots the mounted volumes.
func (p *Pool) Volumes() []*volume.Volume {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*volume.Volume, 0, len(p.volumes))
	for _, v := range p.volumes {
		out = append(out, v)
	}
	return out
}

// pickVolume selects the healthy volume with the most free space.
func (p *Pool) pickVolume() (*volume.Volume, error) {
	var best *volume.Volume
	var bestAvail int64 = -1

	for _, v := range p.Volumes() {
		if !v.Healthy() {
			continue
		}
		avail, err := v.AvailableSpace()
		if err != nil {
			continue
		}
		if avail > bestAvail {
			best = v
			bestAvail = avail
		}
	}
	if best == nil {
		return nil, types.ErrVolumeUnavailable
	}
	if bestAvail <= 0 {
		return nil, types.ErrInsufficientStorage
	}
	return best, nil
}

// requireEnabled resolves the tenant and rejects unless enabled.
func (p *Pool) requireEnabled(tenantID string) error {
	t, err := p.registry.Get(tenantID)
	if err != nil {
		return err
	}
	if t.Status != types.TenantEnabled {
		return types.ErrTenantDisabled
	}
	return nil
}

// Write stores a byte stream for a tenant and returns the assigned
// item id. See WriteOptions for the optional attributes.
func (p *Pool) Write(ctx context.Context, tenantID string, r io.Reader, opts WriteOptions) (string, error) {
	if err := p.requireEnabled(tenantID); err != nil {
		metrics.WriteRejectionsTotal.WithLabelValues("tenant").Inc()
		return "", err
	}

	dir := opts.Directory
	if dir == "" {
		dir = types.DefaultDirectory
	}

	h := p.stores.HandleFor(tenantID)
	if err := p.reserveQuota(h, dir); err != nil {
		metrics.WriteRejectionsTotal.WithLabelValues("quota").Inc()
		return "", err
	}

	vol, err := p.pickVolume()
	if err != nil {
		p.releaseQuota(h, dir)
		metrics.WriteRejectionsTotal.WithLabelValues("storage").Inc()
		return "", err
	}

	itemID := types.NewItemID()
	physicalPath, err := vol.PathFor(tenantID, itemID, safeExt(opts.OriginalName))
	if err != nil {
		p.releaseQuota(h, dir)
		return "", err
	}

	size, err := vol.Write(ctx, physicalPath, r)
	if err != nil {
		p.releaseQuota(h, dir)
		return "", fmt.Errorf("physical write failed on volume %s: %w", vol.ID(), err)
	}

	item := &types.Item{
		ID:            itemID,
		TenantID:      tenantID,
		VolumeID:      vol.ID(),
		PhysicalPath:  physicalPath,
		DirectoryPath: dir,
		SizeBytes:     size,
		CreatedAt:     time.Now().UTC(),
		Status:        types.StatusPending,
		OriginalName:  opts.OriginalName,
	}

	h.Lock()
	items, ierr := h.Items()
	if ierr == nil {
		ierr = items.Upsert(item)
	}
	h.Unlock()

	if ierr != nil {
		// Roll back the physical side: unlink the bytes if we can (the
		// orphan sweep reclaims them otherwise), and release the quota
		// reservation either way.
		if derr := vol.Delete(physicalPath); derr != nil {
			p.logger.Error().Err(derr).Str("item_id", itemID).Str("path", physicalPath).
				Msg("rollback delete failed, bytes orphaned")
		}
		p.releaseQuota(h, dir)
		return "", fmt.Errorf("metadata write failed: %w", ierr)
	}

	metrics.WritesTotal.WithLabelValues(tenantID).Inc()
	metrics.WriteBytesTotal.Add(float64(size))
	return itemID, nil
}

// reserveQuota increments the tenant-wide and directory counters under
// the tenant mutex, refusing before any byte or metadata write happens.
func (p *Pool) reserveQuota(h *store.Handle, dir string) error {
	h.Lock()
	defer h.Unlock()

	quotas, err := h.Quotas()
	if err != nil {
		return fmt.Errorf("failed to open quota store: %w", err)
	}

	ok, rec, err := quotas.TryIncrement(types.TenantQuotaPath)
	if err != nil {
		return err
	}
	if !ok {
		return &types.QuotaExceededError{
			Scope:   types.QuotaScopeTenant,
			Path:    types.TenantQuotaPath,
			Current: rec.CurrentCount,
			Max:     rec.MaxCount,
		}
	}

	ok, rec, err = quotas.TryIncrement(dir)
	if err == nil && !ok {
		err = &types.QuotaExceededError{
			Scope:   types.QuotaScopeDirectory,
			Path:    dir,
			Current: rec.CurrentCount,
			Max:     rec.MaxCount,
		}
	}
	if err != nil {
		if derr := quotas.Decrement(types.TenantQuotaPath); derr != nil {
			p.logger.Error().Err(derr).Str("tenant_id", h.TenantID()).Msg("tenant quota rollback failed")
		}
		return err
	}
	return nil
}

// releaseQuota undoes a reservation. Best-effort: failures are logged
// and the reconciler's accounting is left to catch up.
func (p *Pool) releaseQuota(h *store.Handle, dir string) {
	h.Lock()
	defer h.Unlock()

	quotas, err := h.Quotas()
	if err != nil {
		p.logger.Error().Err(err).Str("tenant_id", h.TenantID()).Msg("quota rollback failed to open store")
		return
	}
	if err := quotas.Decrement(dir); err != nil {
		p.logger.Error().Err(err).Str("tenant_id", h.TenantID()).Str("dir", dir).Msg("directory quota rollback failed")
	}
	if err := quotas.Decrement(types.TenantQuotaPath); err != nil {
		p.logger.Error().Err(err).Str("tenant_id", h.TenantID()).Msg("tenant quota rollback failed")
	}
}

// DecrementQuotas releases the tenant-wide and directory counters for a
// removed record. Callers hold the tenant mutex.
func DecrementQuotas(h *store.Handle, dir string) error {
	quotas, err := h.Quotas()
	if err != nil {
		return err
	}
	if err := quotas.Decrement(dir); err != nil {
		return err
	}
	return quotas.Decrement(types.TenantQuotaPath)
}

// Read opens the byte stream for an item owned by the tenant.
func (p *Pool) Read(ctx context.Context, tenantID, itemID string) (io.ReadCloser, error) {
	item, err := p.lookup(tenantID, itemID)
	if err != nil {
		return nil, err
	}
	vol, ok := p.Volume(item.VolumeID)
	if !ok {
		return nil, fmt.Errorf("volume %s for item %s: %w", item.VolumeID, itemID, types.ErrVolumeUnavailable)
	}
	return vol.Read(ctx, item.PhysicalPath)
}

// GetInfo returns the item record owned by the tenant.
func (p *Pool) GetInfo(tenantID, itemID string) (*types.Item, error) {
	return p.lookup(tenantID, itemID)
}

// GetLocation returns the consumer projection of an item.
func (p *Pool) GetLocation(tenantID, itemID string) (*types.Location, error) {
	item, err := p.lookup(tenantID, itemID)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Volume(item.VolumeID); !ok {
		return nil, fmt.Errorf("volume %s for item %s: %w", item.VolumeID, itemID, types.ErrVolumeUnavailable)
	}
	return types.LocationOf(item), nil
}

func (p *Pool) lookup(tenantID, itemID string) (*types.Item, error) {
	if err := p.requireEnabled(tenantID); err != nil {
		return nil, err
	}
	items, err := p.stores.HandleFor(tenantID).Items()
	if err != nil {
		return nil, err
	}
	item, ok := items.Get(itemID)
	if !ok {
		return nil, types.ErrNotFound
	}
	if item.TenantID != tenantID {
		return nil, types.ErrUnauthorized
	}
	return item, nil
}

// CapacityTotal sums total capacity across healthy volumes.
func (p *Pool) CapacityTotal() int64 {
	var total int64
	for _, v := range p.Volumes() {
		if !v.Healthy() {
			continue
		}
		if n, err := v.TotalCapacity(); err == nil {
			total += n
		}
	}
	metrics.CapacityTotalBytes.Set(float64(total))
	return total
}

// CapacityAvailable sums available space across healthy volumes.
func (p *Pool) CapacityAvailable() int64 {
	var total int64
	for _, v := range p.Volumes() {
		if !v.Healthy() {
			continue
		}
		if n, err := v.AvailableSpace(); err == nil {
			total += n
		}
	}
	metrics.CapacityAvailableBytes.Set(float64(total))
	return total
}

// safeExt extracts a preservable extension from the original name.
// Anything that is not a short dot-alnum suffix is dropped rather than
// risked in a physical path.
func safeExt(name string) string {
	ext := filepath.Ext(filepath.Base(name))
	if ext == "" || len(ext) > 10 {
		return ""
	}
	for _, c := range ext[1:] {
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !alnum {
			return ""
		}
	}
	if ext == "." {
		return ""
	}
	return ext
}
