package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var bucketItems = []byte("items")

// ItemStore is the durable per-tenant map of item-id to item record,
// fronted by the in-memory active cache. Mutating operations require
// the owning tenant's mutex; the implementation only guards its cache
// map internally.
type ItemStore interface {
	// Upsert durably writes the record before returning. On success the
	// cache mirrors it; on failure nothing is published.
	Upsert(item *types.Item) error

	// Remove deletes the record, reporting whether it existed.
	Remove(itemID string) (bool, error)

	// Get returns a copy of the cached record.
	Get(itemID string) (*types.Item, bool)

	// ListActive enumerates cached records in unspecified order.
	ListActive() []*types.Item

	// ClaimNext atomically transitions the oldest eligible pending
	// record to processing. Returns nil when nothing is eligible.
	ClaimNext(now time.Time) (*types.Item, error)

	// ClaimBatch claims up to n records; the durable write is
	// all-or-nothing.
	ClaimBatch(n int, now time.Time) ([]*types.Item, error)

	// ResetTimedOut re-pends every processing record whose claim
	// predates cutoff, clearing its availability gate. Records whose
	// persistence fails keep their in-memory state.
	ResetTimedOut(cutoff time.Time) (int, error)

	// ScanCompleted reads legacy completed records straight from the
	// durable store, bypassing the cache.
	ScanCompleted() ([]*types.Item, error)

	Path() string
	Close() error
}

// BoltItemStore implements ItemStore on a bbolt file holding one JSON
// document per item.
type BoltItemStore struct {
	db   *bolt.DB
	path string

	mu    sync.RWMutex
	cache map[string]*types.Item
}

// OpenItemStore opens (or creates) the per-tenant item store and
// hydrates the active cache from a full scan of non-completed records.
func OpenItemStore(path string, opts Options) (*BoltItemStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.LockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open item store: %w", err)
	}
	db.NoSync = opts.NoSync

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketItems)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create items bucket: %w", err)
	}

	s := &BoltItemStore{
		db:    db,
		path:  path,
		cache: make(map[string]*types.Item),
	}
	if err := s.hydrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// hydrate loads every persisted record except legacy completed ones.
// Records found in processing are left as-is; the reconciler's timeout
// pass re-pends them once their claim ages out.
func (s *BoltItemStore) hydrate() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		return b.ForEach(func(k, v []byte) error {
			var item types.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			if item.Status == types.StatusCompleted {
				return nil
			}
			s.cache[item.ID] = &item
			return nil
		})
	})
}

func (s *BoltItemStore) Path() string { return s.path }

// Close releases the underlying database file.
func (s *BoltItemStore) Close() error {
	return s.db.Close()
}

// put durably writes one record inside its own transaction.
func (s *BoltItemStore) put(item *types.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Put([]byte(item.ID), data)
	})
}

func (s *BoltItemStore) Upsert(item *types.Item) error {
	// Durable write first, cache second: a cached record must never
	// precede its durable copy.
	if err := s.put(item); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[item.ID] = item.Clone()
	s.mu.Unlock()
	return nil
}

func (s *BoltItemStore) Remove(itemID string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		if b.Get([]byte(itemID)) != nil {
			existed = true
		}
		return b.Delete([]byte(itemID))
	})
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.cache[itemID]; ok {
		existed = true
		delete(s.cache, itemID)
	}
	s.mu.Unlock()
	return existed, nil
}

func (s *BoltItemStore) Get(itemID string) (*types.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.cache[itemID]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

func (s *BoltItemStore) ListActive() []*types.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*types.Item, 0, len(s.cache))
	for _, item := range s.cache {
		items = append(items, item.Clone())
	}
	return items
}

// eligibleLocked returns eligible pending records ordered oldest-first.
// Caller holds s.mu.
func (s *BoltItemStore) eligibleLocked(now time.Time) []*types.Item {
	var out []*types.Item
	for _, item := range s.cache {
		if item.Eligible(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *BoltItemStore) ClaimNext(now time.Time) (*types.Item, error) {
	batch, err := s.ClaimBatch(1, now)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return batch[0], nil
}

func (s *BoltItemStore) ClaimBatch(n int, now time.Time) ([]*types.Item, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := s.eligibleLocked(now)
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	claimed := make([]*types.Item, 0, len(eligible))
	for _, item := range eligible {
		c := item.Clone()
		c.Status = types.StatusProcessing
		started := now
		c.ProcessingStartedAt = &started
		claimed = append(claimed, c)
	}

	// One transaction: either every claim persists or none does.
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		for _, c := range claimed {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			if err := b.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range claimed {
		s.cache[c.ID] = c.Clone()
	}
	return claimed, nil
}

func (s *BoltItemStore) ResetTimedOut(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*types.Item
	for _, item := range s.cache {
		if item.Status == types.StatusProcessing &&
			item.ProcessingStartedAt != nil &&
			item.ProcessingStartedAt.Before(cutoff) {
			stuck = append(stuck, item)
		}
	}

	reset := 0
	var lastErr error
	for _, item := range stuck {
		c := item.Clone()
		c.Status = types.StatusPending
		c.ProcessingStartedAt = nil
		c.AvailableAt = nil
		if err := s.put(c); err != nil {
			// Keep the cached record as-is; the next pass retries.
			lastErr = err
			continue
		}
		s.cache[c.ID] = c
		reset++
	}
	return reset, lastErr
}

func (s *BoltItemStore) ScanCompleted() ([]*types.Item, error) {
	var out []*types.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		return b.ForEach(func(k, v []byte) error {
			var item types.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == types.StatusCompleted {
				out = append(out, &item)
			}
			return nil
		})
	})
	return out, err
}
