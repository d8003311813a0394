package reconciler

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/pool"
	"github.com/cuemby/hutch/pkg/scheduler"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

// orphanGraceWindow keeps the sweep away from writes still in flight:
// bytes land on disk before their record does.
const orphanGraceWindow = 5 * time.Minute

// Config holds the cycle cadence and retention windows.
type Config struct {
	// Interval between cycles.
	Interval time.Duration

	// InitialDelay before the first cycle after Start.
	InitialDelay time.Duration

	// ProcessingTimeout after which a claimed item is re-pended.
	ProcessingTimeout time.Duration

	// FailedRetention keeps permanently failed items visible before
	// purge.
	FailedRetention time.Duration

	// CompletedRetention bounds how long stray completed records may
	// linger in a store file.
	CompletedRetention time.Duration

	// CompactionInterval throttles per-tenant store compaction.
	CompactionInterval time.Duration
}

// Reconciler is the background repair loop. Each cycle sweeps junk
// files, re-pends timed out claims, purges expired terminal records,
// reclaims orphaned bytes and empty directories, and compacts store
// files on a slow schedule.
type Reconciler struct {
	stores *store.Manager
	pool   *pool.Pool
	sched  *scheduler.Scheduler
	cfg    Config
	logger zerolog.Logger

	lastCompaction map[string]time.Time

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a reconciler. Start launches the loop.
func New(stores *store.Manager, p *pool.Pool, sched *scheduler.Scheduler, cfg Config) *Reconciler {
	return &Reconciler{
		stores:         stores,
		pool:           p,
		sched:          sched,
		cfg:            cfg,
		logger:         log.WithComponent("reconciler"),
		lastCompaction: make(map[string]time.Time),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the background loop. Starting twice is a no-op.
func (r *Reconciler) Start() {
	if r.running {
		return
	}
	r.running = true
	go r.run()
}

// Stop signals the loop and waits for the current cycle to finish.
// Stopping a reconciler that never started is a no-op.
func (r *Reconciler) Stop() {
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	select {
	case <-r.stopCh:
		return
	case <-time.After(r.cfg.InitialDelay):
	}

	r.RunCycle()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunCycle()
		}
	}
}

// RunCycle executes one full reconciliation pass.
func (r *Reconciler) RunCycle() {
	timer := metrics.NewTimer()
	defer func() {
		metrics.ReconcileCyclesTotal.Inc()
		timer.ObserveDuration(metrics.ReconcileDuration)
	}()

	r.sweepJunkFiles()

	if n, err := r.sched.ResetTimedOut(r.cfg.ProcessingTimeout); err != nil {
		r.logger.Error().Err(err).Int("reset", n).Msg("timeout reset reported errors")
	}

	tenants, err := r.stores.DiscoverTenants()
	if err != nil {
		r.logger.Error().Err(err).Msg("tenant discovery failed, skipping store sweeps")
		return
	}

	for _, tenantID := range tenants {
		r.purgeExpiredTerminal(tenantID)
		r.purgeStrayCompleted(tenantID)
		r.sweepOrphans(tenantID)
		r.updateQueueDepth(tenantID)
		r.maybeCompact(tenantID)
	}

	r.sweepEmptyDirs()
}

// sweepJunkFiles removes desktop droppings and temp files from the
// volumes.
func (r *Reconciler) sweepJunkFiles() {
	for _, vol := range r.pool.Volumes() {
		root := vol.MountPath()
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil || d.IsDir() {
				return nil
			}
			if !volume.IsJunkFile(d.Name()) {
				return nil
			}
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				r.logger.Warn().Err(rerr).Str("path", path).Msg("failed to remove junk file")
			}
			return nil
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("volume_id", vol.ID()).Msg("junk sweep failed")
		}
	}
}

// purgeExpiredTerminal removes permanently failed items past their
// retention: bytes, record and quota charge.
func (r *Reconciler) purgeExpiredTerminal(tenantID string) {
	if r.cfg.FailedRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.cfg.FailedRetention)

	h := r.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	items, err := h.Items()
	if err != nil {
		r.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to open item store for purge")
		return
	}

	for _, item := range items.ListActive() {
		if item.Status != types.StatusPermanentlyFailed {
			continue
		}
		failedAt := item.CreatedAt
		if item.LastFailedAt != nil {
			failedAt = *item.LastFailedAt
		}
		if failedAt.After(cutoff) {
			continue
		}

		if vol, ok := r.pool.Volume(item.VolumeID); ok {
			if derr := vol.Delete(item.PhysicalPath); derr != nil {
				r.logger.Warn().Err(derr).Str("item_id", item.ID).Msg("failed to delete purged item bytes")
			}
		}
		if _, rerr := items.Remove(item.ID); rerr != nil {
			r.logger.Error().Err(rerr).Str("item_id", item.ID).Msg("failed to remove purged item record")
			continue
		}
		if qerr := pool.DecrementQuotas(h, item.DirectoryPath); qerr != nil {
			r.logger.Error().Err(qerr).Str("item_id", item.ID).Msg("quota release failed during purge")
		}
		r.logger.Info().Str("tenant_id", tenantID).Str("item_id", item.ID).Msg("purged expired permanently failed item")
	}
}

// purgeStrayCompleted drops completed records that ended up persisted,
// usually written by an older version or a foreign writer. Their quota
// accounting is unknowable, so only the record (and any leftover
// bytes) goes.
func (r *Reconciler) purgeStrayCompleted(tenantID string) {
	if r.cfg.CompletedRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.cfg.CompletedRetention)

	h := r.stores.HandleFor(tenantID)
	h.Lock()
	defer h.Unlock()

	items, err := h.Items()
	if err != nil {
		return
	}
	completed, err := items.ScanCompleted()
	if err != nil {
		r.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("completed scan failed")
		return
	}

	for _, item := range completed {
		if item.CreatedAt.After(cutoff) {
			continue
		}
		if vol, ok := r.pool.Volume(item.VolumeID); ok {
			vol.Delete(item.PhysicalPath)
		}
		if _, rerr := items.Remove(item.ID); rerr != nil {
			r.logger.Error().Err(rerr).Str("item_id", item.ID).Msg("failed to remove stray completed record")
		}
	}
}

// sweepOrphans deletes byte files no record references, once they are
// old enough to be outside any in-flight write.
func (r *Reconciler) sweepOrphans(tenantID string) {
	h := r.stores.HandleFor(tenantID)

	h.Lock()
	items, err := h.Items()
	if err != nil {
		h.Unlock()
		return
	}
	referenced := make(map[string]struct{})
	for _, item := range items.ListActive() {
		referenced[item.PhysicalPath] = struct{}{}
	}
	h.Unlock()

	deadline := time.Now().Add(-orphanGraceWindow)
	for _, vol := range r.pool.Volumes() {
		root := vol.TenantRoot(tenantID)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				if os.IsNotExist(werr) {
					return nil
				}
				return nil
			}
			if d.IsDir() || volume.IsJunkFile(d.Name()) {
				return nil
			}
			if _, ok := referenced[path]; ok {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil || info.ModTime().After(deadline) {
				return nil
			}
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				r.logger.Warn().Err(rerr).Str("path", path).Msg("failed to remove orphaned bytes")
				return nil
			}
			metrics.OrphansSweptTotal.Inc()
			r.logger.Info().Str("tenant_id", tenantID).Str("path", path).Msg("removed orphaned bytes")
			return nil
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("volume_id", vol.ID()).Msg("orphan sweep failed")
		}
	}
}

// sweepEmptyDirs removes empty directories under the tenant roots,
// deepest first. Mount roots and tenant roots stay.
func (r *Reconciler) sweepEmptyDirs() {
	for _, vol := range r.pool.Volumes() {
		root := vol.MountPath()

		var dirs []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil || !d.IsDir() || path == root {
				return nil
			}
			// Tenant roots sit directly under the mount root.
			if filepath.Dir(path) == root {
				return nil
			}
			dirs = append(dirs, path)
			return nil
		})
		if err != nil {
			continue
		}

		sort.Slice(dirs, func(i, j int) bool {
			return strings.Count(dirs[i], string(os.PathSeparator)) > strings.Count(dirs[j], string(os.PathSeparator))
		})
		for _, dir := range dirs {
			// Remove fails on non-empty directories, which is the filter.
			os.Remove(dir)
		}
	}
}

// updateQueueDepth refreshes the per-status depth gauges.
func (r *Reconciler) updateQueueDepth(tenantID string) {
	items, err := r.stores.HandleFor(tenantID).Items()
	if err != nil {
		return
	}
	depth := map[types.ItemStatus]int{
		types.StatusPending:           0,
		types.StatusProcessing:        0,
		types.StatusFailed:            0,
		types.StatusPermanentlyFailed: 0,
	}
	for _, item := range items.ListActive() {
		depth[item.Status]++
	}
	for status, n := range depth {
		metrics.QueueDepth.WithLabelValues(tenantID, string(status)).Set(float64(n))
	}
}

// maybeCompact compacts the tenant's store files when the throttle
// allows.
func (r *Reconciler) maybeCompact(tenantID string) {
	if r.cfg.CompactionInterval <= 0 {
		return
	}
	now := time.Now()
	if last, ok := r.lastCompaction[tenantID]; ok && now.Sub(last) < r.cfg.CompactionInterval {
		return
	}

	h := r.stores.HandleFor(tenantID)
	h.Lock()
	result, err := r.stores.Compact(tenantID)
	h.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("compaction failed")
		return
	}

	r.lastCompaction[tenantID] = now
	if reclaimed := result.BeforeBytes - result.AfterBytes; reclaimed > 0 {
		metrics.CompactionReclaimedBytes.Add(float64(reclaimed))
		r.logger.Info().Str("tenant_id", tenantID).Int64("reclaimed_bytes", reclaimed).Msg("compacted tenant stores")
	}
}
