package recovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/pool"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/tenant"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

var (
	// Startup probe tuning. Ambiguous open failures (file locks held by
	// a dying process, transient IO) get a short bounded retry before
	// they are treated as real.
	startupProbeAttempts = 3
	startupProbeDelay    = time.Second
)

// Config controls how store damage found at startup is handled.
type Config struct {
	// AutoRecover rebuilds corrupt stores instead of reporting them.
	AutoRecover bool

	// FailFast aborts startup on the first unrecovered tenant.
	FailFast bool
}

// Service owns store health checking and rebuilds. A metadata rebuild
// quarantines the corrupt file, scans the volumes for the tenant's
// surviving bytes and synthesizes pending records for them; a quota
// rebuild recounts from the item store.
type Service struct {
	stores   *store.Manager
	registry *tenant.Registry
	pool     *pool.Pool
	cfg      Config
	logger   zerolog.Logger
}

// New creates the recovery service.
func New(stores *store.Manager, registry *tenant.Registry, p *pool.Pool, cfg Config) *Service {
	return &Service{
		stores:   stores,
		registry: registry,
		pool:     p,
		cfg:      cfg,
		logger:   log.WithComponent("recovery"),
	}
}

// Startup probes every known tenant's stores and, per config, rebuilds
// or reports the corrupt ones. Known means registered or present on
// disk.
func (s *Service) Startup(ctx context.Context) error {
	tenants, err := s.knownTenants()
	if err != nil {
		return err
	}

	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.checkTenant(ctx, tenantID); err != nil {
			if s.cfg.FailFast {
				return fmt.Errorf("tenant %s failed startup check: %w", tenantID, err)
			}
			s.logger.Error().Err(err).Str("tenant_id", tenantID).
				Msg("tenant store unhealthy, continuing degraded")
		}
	}
	return nil
}

// knownTenants unions the registry with the store files on disk, so a
// tenant whose registry document was lost still gets checked.
func (s *Service) knownTenants() ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	registered, err := s.registry.ListAll()
	if err != nil {
		return nil, err
	}
	for _, t := range registered {
		if _, ok := seen[t.ID]; !ok {
			seen[t.ID] = struct{}{}
			out = append(out, t.ID)
		}
	}

	discovered, err := s.stores.DiscoverTenants()
	if err != nil {
		return nil, err
	}
	for _, id := range discovered {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Service) checkTenant(ctx context.Context, tenantID string) error {
	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	if err := s.probe(ctx, func() error {
		_, err := h.Items()
		return err
	}); err != nil {
		if !store.IsCorruption(err) || !s.cfg.AutoRecover {
			return err
		}
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("item store corrupt, rebuilding")
		if rerr := s.rebuildMetadataLocked(h); rerr != nil {
			return rerr
		}
	}

	if err := s.probe(ctx, func() error {
		_, err := h.Quotas()
		return err
	}); err != nil {
		if !store.IsCorruption(err) || !s.cfg.AutoRecover {
			return err
		}
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("quota store corrupt, rebuilding")
		if rerr := s.rebuildQuotasLocked(h); rerr != nil {
			return rerr
		}
	}
	return nil
}

// probe retries ambiguous failures; corruption and success return
// immediately.
func (s *Service) probe(ctx context.Context, open func() error) error {
	var err error
	for attempt := 0; attempt < startupProbeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(startupProbeDelay):
			}
		}
		err = open()
		if err == nil || store.IsCorruption(err) {
			return err
		}
	}
	return err
}

// RebuildMetadata rebuilds a tenant's item store from the bytes on the
// volumes, then recounts quotas to match.
func (s *Service) RebuildMetadata(tenantID string) error {
	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()
	return s.rebuildMetadataLocked(h)
}

func (s *Service) rebuildMetadataLocked(h *store.Handle) error {
	tenantID := h.TenantID()
	if err := h.CloseStores(); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("close before rebuild reported error")
	}

	backup, err := store.QuarantineFile(s.stores.ItemStorePath(tenantID))
	if err != nil {
		return fmt.Errorf("failed to quarantine item store: %w", err)
	}
	if backup != "" {
		s.logger.Info().Str("tenant_id", tenantID).Str("backup", backup).Msg("corrupt item store quarantined")
	}

	items, err := h.Items()
	if err != nil {
		return fmt.Errorf("failed to reopen item store: %w", err)
	}

	count := 0
	for _, vol := range s.pool.Volumes() {
		root := vol.TenantRoot(tenantID)
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				if os.IsNotExist(werr) {
					return nil
				}
				return werr
			}
			if d.IsDir() || volume.IsJunkFile(d.Name()) {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil {
				return nil
			}
			item := &types.Item{
				ID:            types.NewItemID(),
				TenantID:      tenantID,
				VolumeID:      vol.ID(),
				PhysicalPath:  path,
				DirectoryPath: types.DefaultDirectory,
				SizeBytes:     info.Size(),
				CreatedAt:     info.ModTime().UTC(),
				Status:        types.StatusPending,
				OriginalName:  d.Name(),
			}
			if uerr := items.Upsert(item); uerr != nil {
				return uerr
			}
			count++
			return nil
		})
		if walkErr != nil {
			return fmt.Errorf("volume scan failed on %s: %w", vol.ID(), walkErr)
		}
	}

	metrics.RebuildsTotal.WithLabelValues("items").Inc()
	s.logger.Info().Str("tenant_id", tenantID).Int("recovered", count).Msg("item store rebuilt from volume scan")

	// The old quota counts no longer describe reality.
	return s.rebuildQuotasLocked(h)
}

// RebuildQuotas discards a tenant's quota store and recounts it from
// the item store.
func (s *Service) RebuildQuotas(tenantID string) error {
	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()
	return s.rebuildQuotasLocked(h)
}

func (s *Service) rebuildQuotasLocked(h *store.Handle) error {
	if err := h.CloseStores(); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", h.TenantID()).Msg("close before quota rebuild reported error")
	}
	backup, err := store.QuarantineFile(s.stores.QuotaStorePath(h.TenantID()))
	if err != nil {
		return fmt.Errorf("failed to quarantine quota store: %w", err)
	}
	if backup != "" {
		s.logger.Info().Str("tenant_id", h.TenantID()).Str("backup", backup).Msg("corrupt quota store quarantined")
	}
	return s.RepopulateQuotas(h.TenantID())
}

// RepopulateQuotas recounts the quota records from the item store into
// the (fresh) quota store. It is also the in-place rebuild hook the
// quota store invokes mid-operation, so it must not acquire the tenant
// mutex.
func (s *Service) RepopulateQuotas(tenantID string) error {
	h := s.stores.HandleFor(tenantID)
	items, err := h.Items()
	if err != nil {
		return err
	}
	quotas, err := h.Quotas()
	if err != nil {
		return err
	}

	counts := make(map[string]int64)
	var total int64
	for _, item := range items.ListActive() {
		counts[item.DirectoryPath]++
		total++
	}

	now := time.Now().UTC()
	if err := quotas.Put(&types.QuotaRecord{
		DirectoryPath: types.TenantQuotaPath,
		CurrentCount:  total,
		Enabled:       true,
		CreatedAt:     now,
		LastUpdated:   now,
	}); err != nil {
		return err
	}
	for dir, n := range counts {
		if err := quotas.Put(&types.QuotaRecord{
			DirectoryPath: dir,
			CurrentCount:  n,
			Enabled:       true,
			CreatedAt:     now,
			LastUpdated:   now,
		}); err != nil {
			return err
		}
	}

	metrics.RebuildsTotal.WithLabelValues("quotas").Inc()
	s.logger.Info().Str("tenant_id", tenantID).Int64("items", total).Msg("quota store recounted")
	return nil
}
