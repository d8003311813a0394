package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/pool"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/recovery"
	"github.com/cuemby/hutch/pkg/scheduler"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/tenant"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

// Store is the queue store facade: it wires the registry, the metadata
// stores, the volume pool, the scheduler, recovery and the reconciler
// into the public operation surface.
type Store struct {
	cfg      *config.Config
	registry *tenant.Registry
	stores   *store.Manager
	pool     *pool.Pool
	sched    *scheduler.Scheduler
	recov    *recovery.Service
	recon    *reconciler.Reconciler
	logger   zerolog.Logger

	metricsSrv *http.Server
}

// Open builds the store from configuration, runs the startup health
// check and seeds configured tenants. Background loops do not run
// until Start.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := tenant.NewRegistry(filepath.Join(cfg.MetadataRoot, "tenants"), cfg.AutoCreateTenants)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant registry: %w", err)
	}

	stores, err := store.NewManager(cfg.MetadataRoot, cfg.QuotaRoot, store.Options{
		NoSync:      !cfg.Store.JournalOn(),
		LockTimeout: cfg.Store.LockTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store manager: %w", err)
	}

	p := pool.New(stores, registry)
	for _, vc := range cfg.Volumes {
		v, err := volume.New(vc.ID, vc.MountPath, vc.ShardingDepth)
		if err != nil {
			return nil, fmt.Errorf("volume %s: %w", vc.ID, err)
		}
		if err := p.AddVolume(ctx, v); err != nil {
			return nil, err
		}
	}

	recov := recovery.New(stores, registry, p, recovery.Config{
		AutoRecover: cfg.AutoRecover,
		FailFast:    cfg.FailFast,
	})
	stores.SetQuotaRebuild(recov.RepopulateQuotas)

	if cfg.HealthCheckEnabled {
		if err := recov.Startup(ctx); err != nil {
			return nil, fmt.Errorf("startup health check failed: %w", err)
		}
	}

	sched := scheduler.New(stores, registry, p, scheduler.Config{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay.Std(),
		MaxDelay:     cfg.Retry.MaxDelay.Std(),
		Exponential:  cfg.Retry.Exponential,
	})

	compaction := cfg.CompactionInterval.Std()
	if !cfg.CompactionEnabled {
		compaction = 0
	}
	recon := reconciler.New(stores, p, sched, reconciler.Config{
		Interval:           cfg.CleanupInterval.Std(),
		InitialDelay:       cfg.CleanupInitialDelay.Std(),
		ProcessingTimeout:  cfg.ProcessingTimeout.Std(),
		FailedRetention:    cfg.FailedRetention.Std(),
		CompletedRetention: cfg.CompletedRetention.Std(),
		CompactionInterval: compaction,
	})

	s := &Store{
		cfg:      cfg,
		registry: registry,
		stores:   stores,
		pool:     p,
		sched:    sched,
		recov:    recov,
		recon:    recon,
		logger:   log.WithComponent("queue"),
	}

	if err := s.seedTenants(); err != nil {
		return nil, err
	}
	return s, nil
}

// seedTenants materializes configured tenants and their tenant-wide
// quota limits.
func (s *Store) seedTenants() error {
	for _, tc := range s.cfg.Tenants {
		if _, err := s.registry.Create(tc.ID); err != nil {
			return fmt.Errorf("failed to seed tenant %s: %w", tc.ID, err)
		}
		quota := tc.Quota
		if quota == 0 {
			quota = s.cfg.DefaultTenantQuota
		}
		if quota <= 0 {
			continue
		}
		if err := s.SetQuota(tc.ID, types.TenantQuotaPath, quota); err != nil {
			return fmt.Errorf("failed to seed quota for tenant %s: %w", tc.ID, err)
		}
	}
	return nil
}

// Start launches the reconciler and, when configured, the metrics
// endpoint.
func (s *Store) Start() {
	s.recon.Start()

	if addr := s.cfg.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
			}
		}()
		s.logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	}
}

// Stop shuts the background loops down and closes every open store.
func (s *Store) Stop(ctx context.Context) error {
	s.recon.Stop()
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}
	return s.stores.CloseAll()
}

// WriteFile stores a byte stream for a tenant and returns the item id.
func (s *Store) WriteFile(ctx context.Context, tenantID string, r io.Reader, opts pool.WriteOptions) (string, error) {
	itemID, err := s.pool.Write(ctx, tenantID, r, opts)
	if err != nil {
		return "", err
	}
	s.sched.Track(itemID, tenantID)
	return itemID, nil
}

// ReadFile opens the byte stream of an item owned by the tenant.
func (s *Store) ReadFile(ctx context.Context, tenantID, itemID string) (io.ReadCloser, error) {
	return s.pool.Read(ctx, tenantID, itemID)
}

// GetInfo returns the full item record.
func (s *Store) GetInfo(tenantID, itemID string) (*types.Item, error) {
	return s.pool.GetInfo(tenantID, itemID)
}

// GetLocation returns the consumer projection of an item.
func (s *Store) GetLocation(tenantID, itemID string) (*types.Location, error) {
	return s.pool.GetLocation(tenantID, itemID)
}

// ClaimNext claims the oldest eligible item, or nil when the queue is
// empty.
func (s *Store) ClaimNext(ctx context.Context, tenantID string) (*types.Item, error) {
	return s.sched.ClaimNext(ctx, tenantID)
}

// ClaimBatch claims up to n eligible items in creation order.
func (s *Store) ClaimBatch(ctx context.Context, tenantID string, n int) ([]*types.Item, error) {
	return s.sched.ClaimBatch(ctx, tenantID, n)
}

// MarkCompleted finishes an item: bytes, record and quota charge go.
func (s *Store) MarkCompleted(itemID string) error {
	return s.sched.MarkCompleted(itemID)
}

// MarkFailed records a processing failure under the retry policy.
func (s *Store) MarkFailed(itemID, reason string) error {
	return s.sched.MarkFailed(itemID, reason)
}

// Status returns the current record for an item.
func (s *Store) Status(itemID string) (*types.Item, error) {
	return s.sched.Status(itemID)
}

// CapacityTotal sums total capacity across healthy volumes.
func (s *Store) CapacityTotal() int64 { return s.pool.CapacityTotal() }

// CapacityAvailable sums free space across healthy volumes.
func (s *Store) CapacityAvailable() int64 { return s.pool.CapacityAvailable() }

// CreateTenant registers a tenant; creating an existing one returns
// the current record.
func (s *Store) CreateTenant(tenantID string) (*types.Tenant, error) {
	return s.registry.Create(tenantID)
}

// EnableTenant re-admits a tenant.
func (s *Store) EnableTenant(tenantID string) error {
	return s.registry.Enable(tenantID)
}

// DisableTenant rejects all subsequent operations for the tenant.
// In-flight claims are unaffected.
func (s *Store) DisableTenant(tenantID string) error {
	return s.registry.Disable(tenantID)
}

// ListTenants returns every registered tenant.
func (s *Store) ListTenants() ([]*types.Tenant, error) {
	return s.registry.ListAll()
}

// SetQuota sets the item-count limit for a directory path, or for the
// whole tenant via TenantQuotaPath. A zero max disables enforcement.
func (s *Store) SetQuota(tenantID, dir string, max int64) error {
	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	quotas, err := h.Quotas()
	if err != nil {
		return err
	}
	return quotas.SetLimit(dir, max)
}

// GetQuota reads one quota record.
func (s *Store) GetQuota(tenantID, dir string) (*types.QuotaRecord, bool, error) {
	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	quotas, err := h.Quotas()
	if err != nil {
		return nil, false, err
	}
	return quotas.Get(dir)
}

// RebuildMetadata forces an item store rebuild from the volume scan.
func (s *Store) RebuildMetadata(tenantID string) error {
	return s.recov.RebuildMetadata(tenantID)
}

// RebuildQuotas forces a quota recount from the item store.
func (s *Store) RebuildQuotas(tenantID string) error {
	return s.recov.RebuildQuotas(tenantID)
}

// Reconcile runs one reconciliation cycle synchronously.
func (s *Store) Reconcile() {
	s.recon.RunCycle()
}

// WaitHealthy blocks until every volume reports healthy or the context
// expires. Used by operational tooling.
func (s *Store) WaitHealthy(ctx context.Context) error {
	for {
		healthy := true
		for _, v := range s.pool.Volumes() {
			if !v.Healthy() {
				healthy = false
				break
			}
		}
		if healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
