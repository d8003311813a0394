package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/pool"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/tenant"
	"github.com/cuemby/hutch/pkg/types"
)

// maxBackoffShift bounds exponential growth before the cap applies.
const maxBackoffShift = 30

// Config holds the retry policy.
type Config struct {
	// MaxRetries is the failure count at which an item becomes
	// permanently failed.
	MaxRetries int

	// InitialDelay seeds the backoff schedule.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration

	// Exponential selects doubling backoff; false means linear.
	Exponential bool
}

// Scheduler hands out work and records its outcome. Claims flip items
// to processing, MarkCompleted removes them, MarkFailed applies the
// retry policy. All state transitions run under the tenant mutex.
type Scheduler struct {
	stores   *store.Manager
	registry *tenant.Registry
	pool     *pool.Pool
	cfg      Config
	logger   zerolog.Logger

	// claims maps item id to tenant id for the id-only operations
	// (MarkCompleted, MarkFailed, Status). Entries are added on claim
	// and dropped when the item leaves processing.
	claims sync.Map
}

// New creates a scheduler with the given retry policy.
func New(stores *store.Manager, registry *tenant.Registry, p *pool.Pool, cfg Config) *Scheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	return &Scheduler{
		stores:   stores,
		registry: registry,
		pool:     p,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
	}
}

// Track records the item-to-tenant mapping so id-only operations can
// skip the discovery scan.
func (s *Scheduler) Track(itemID, tenantID string) {
	s.claims.Store(itemID, tenantID)
}

func (s *Scheduler) requireEnabled(tenantID string) error {
	t, err := s.registry.Get(tenantID)
	if err != nil {
		return err
	}
	if t.Status != types.TenantEnabled {
		return types.ErrTenantDisabled
	}
	return nil
}

// ClaimNext claims the oldest eligible item for the tenant, or returns
// nil when the queue is empty.
func (s *Scheduler) ClaimNext(ctx context.Context, tenantID string) (*types.Item, error) {
	batch, err := s.ClaimBatch(ctx, tenantID, 1)
	if errors.Is(err, types.ErrNoItemsAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return batch[0], nil
}

// ClaimBatch claims up to n eligible items in creation order. Claimed
// items whose bytes have vanished are removed and replaced instead of
// handed to the consumer. ErrNoItemsAvailable when nothing is eligible.
func (s *Scheduler) ClaimBatch(ctx context.Context, tenantID string, n int) ([]*types.Item, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	if err := s.requireEnabled(tenantID); err != nil {
		return nil, err
	}

	h := s.stores.HandleFor(tenantID)
	claimed := make([]*types.Item, 0, n)

	for len(claimed) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h.Lock()
		items, err := h.Items()
		if err != nil {
			h.Unlock()
			return nil, err
		}
		batch, err := items.ClaimBatch(n-len(claimed), time.Now().UTC())
		if err != nil {
			h.Unlock()
			return nil, err
		}
		if len(batch) == 0 {
			h.Unlock()
			break
		}

		for _, item := range batch {
			if _, serr := os.Stat(item.PhysicalPath); serr != nil {
				// The bytes are gone but the record survived. Drop the
				// record and its quota charge, then keep claiming.
				s.logger.Warn().Str("tenant_id", tenantID).Str("item_id", item.ID).
					Str("path", item.PhysicalPath).Msg("claimed item has no bytes, removing record")
				if _, rerr := items.Remove(item.ID); rerr != nil {
					s.logger.Error().Err(rerr).Str("item_id", item.ID).Msg("failed to remove byteless record")
					continue
				}
				if qerr := pool.DecrementQuotas(h, item.DirectoryPath); qerr != nil {
					s.logger.Error().Err(qerr).Str("item_id", item.ID).Msg("quota release failed for byteless record")
				}
				continue
			}
			s.claims.Store(item.ID, tenantID)
			claimed = append(claimed, item)
		}
		h.Unlock()
	}

	if len(claimed) == 0 {
		return nil, types.ErrNoItemsAvailable
	}
	metrics.ClaimsTotal.WithLabelValues(tenantID).Add(float64(len(claimed)))
	return claimed, nil
}

// MarkCompleted removes a finished item: bytes first, then the record
// and its quota charge. Completing an already-gone item is a no-op.
func (s *Scheduler) MarkCompleted(itemID string) error {
	tenantID, err := s.resolveTenant(itemID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	items, err := h.Items()
	if err != nil {
		return err
	}
	item, ok := items.Get(itemID)
	if !ok {
		s.claims.Delete(itemID)
		return nil
	}

	if vol, mounted := s.pool.Volume(item.VolumeID); mounted {
		if derr := vol.Delete(item.PhysicalPath); derr != nil {
			s.logger.Warn().Err(derr).Str("item_id", itemID).Str("path", item.PhysicalPath).
				Msg("failed to delete completed item bytes, orphan sweep will reclaim")
		}
	} else {
		s.logger.Warn().Str("item_id", itemID).Str("volume_id", item.VolumeID).
			Msg("volume not mounted, completed item bytes left behind")
	}

	if _, err := items.Remove(itemID); err != nil {
		return fmt.Errorf("failed to remove completed item %s: %w", itemID, err)
	}
	if qerr := pool.DecrementQuotas(h, item.DirectoryPath); qerr != nil {
		s.logger.Error().Err(qerr).Str("item_id", itemID).Msg("quota release failed on completion")
	}
	s.claims.Delete(itemID)
	metrics.CompletionsTotal.Inc()
	return nil
}

// MarkFailed records a processing failure. The item goes back to
// failed with a backoff gate, or to permanently failed once the retry
// budget is spent.
func (s *Scheduler) MarkFailed(itemID, reason string) error {
	tenantID, err := s.resolveTenant(itemID)
	if err != nil {
		return err
	}

	h := s.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	items, err := h.Items()
	if err != nil {
		return err
	}
	item, ok := items.Get(itemID)
	if !ok {
		return types.ErrNotFound
	}
	if item.Status != types.StatusProcessing {
		return fmt.Errorf("item %s is not being processed (status %s)", itemID, item.Status)
	}

	now := time.Now().UTC()
	updated := item.Clone()
	updated.RetryCount++
	updated.LastFailedAt = &now
	updated.LastError = reason
	updated.ProcessingStartedAt = nil

	if updated.RetryCount >= s.cfg.MaxRetries {
		updated.Status = types.StatusPermanentlyFailed
		updated.AvailableAt = nil
	} else {
		updated.Status = types.StatusFailed
		at := now.Add(s.backoff(updated.RetryCount))
		updated.AvailableAt = &at
	}

	if err := items.Upsert(updated); err != nil {
		return fmt.Errorf("failed to record failure for item %s: %w", itemID, err)
	}

	s.claims.Delete(itemID)
	if updated.Status == types.StatusPermanentlyFailed {
		metrics.PermanentFailuresTotal.Inc()
		s.logger.Warn().Str("tenant_id", tenantID).Str("item_id", itemID).
			Int("retry_count", updated.RetryCount).Str("error", reason).
			Msg("item permanently failed")
	} else {
		metrics.FailuresTotal.Inc()
	}
	return nil
}

// backoff computes the delay before the given retry becomes eligible.
func (s *Scheduler) backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	var d time.Duration
	if s.cfg.Exponential {
		shift := retryCount - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		d = s.cfg.InitialDelay << uint(shift)
	} else {
		d = s.cfg.InitialDelay * time.Duration(retryCount)
	}
	if s.cfg.MaxDelay > 0 && d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

// Status returns the current record for an item.
func (s *Scheduler) Status(itemID string) (*types.Item, error) {
	tenantID, err := s.resolveTenant(itemID)
	if err != nil {
		return nil, err
	}
	items, err := s.stores.HandleFor(tenantID).Items()
	if err != nil {
		return nil, err
	}
	item, ok := items.Get(itemID)
	if !ok {
		return nil, types.ErrNotFound
	}
	return item, nil
}

// ResetTimedOut re-pends processing items whose claim is older than the
// timeout, across all tenants with a metadata store on disk.
func (s *Scheduler) ResetTimedOut(timeout time.Duration) (int, error) {
	tenants, err := s.stores.DiscoverTenants()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-timeout)
	total := 0
	var lastErr error

	for _, tenantID := range tenants {
		h := s.stores.HandleFor(tenantID)
		h.Lock()
		items, err := h.Items()
		if err != nil {
			h.Unlock()
			lastErr = err
			continue
		}
		n, err := items.ResetTimedOut(cutoff)
		h.Unlock()
		if err != nil {
			lastErr = err
		}
		if n > 0 {
			s.logger.Info().Str("tenant_id", tenantID).Int("count", n).Msg("reset timed out items")
			total += n
		}
	}

	if total > 0 {
		metrics.TimeoutResetsTotal.Add(float64(total))
	}
	return total, lastErr
}

// resolveTenant maps an item id to its owning tenant: claim index
// first, then a scan over every tenant store on disk.
func (s *Scheduler) resolveTenant(itemID string) (string, error) {
	if v, ok := s.claims.Load(itemID); ok {
		return v.(string), nil
	}

	tenants, err := s.stores.DiscoverTenants()
	if err != nil {
		return "", err
	}
	for _, tenantID := range tenants {
		items, err := s.stores.HandleFor(tenantID).Items()
		if err != nil {
			continue
		}
		if _, ok := items.Get(itemID); ok {
			s.claims.Store(itemID, tenantID)
			return tenantID, nil
		}
	}
	return "", types.ErrNotFound
}
