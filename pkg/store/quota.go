package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var bucketQuotas = []byte("quotas")

// QuotaStore is the durable per-tenant map of directory-path to quota
// record. Every operation runs under the owning tenant's mutex.
type QuotaStore interface {
	// TryIncrement atomically loads-or-creates the record and bumps its
	// count unless the limit refuses it. The returned record reflects
	// the state observed by the decision.
	TryIncrement(dir string) (bool, *types.QuotaRecord, error)

	// Decrement lowers the count, saturating at zero.
	Decrement(dir string) error

	// SetLimit sets the maximum; a zero max disables enforcement.
	SetLimit(dir string, max int64) error

	// Get reads one record.
	Get(dir string) (*types.QuotaRecord, bool, error)

	// List enumerates every record.
	List() ([]*types.QuotaRecord, error)

	// Put writes a record verbatim. Used by the rebuild flow.
	Put(rec *types.QuotaRecord) error

	Path() string
	Close() error
}

// BoltQuotaStore implements QuotaStore on a bbolt file. If a mutation
// fails with a recoverable-corruption signature and a rebuild hook is
// wired, the store quarantines the corrupt file, reopens a fresh one,
// invokes the hook to repopulate it and retries the mutation once,
// all while the tenant mutex is still held. The rebuilding flag is the
// re-entrancy bypass: the rebuild's own Put calls must not recurse.
type BoltQuotaStore struct {
	db   *bolt.DB
	path string
	opts Options

	// rebuild repopulates the fresh store after a quarantine. It is
	// invoked with the tenant mutex held.
	rebuild    func() error
	rebuilding bool
}

// OpenQuotaStore opens (or creates) the per-tenant quota store.
func OpenQuotaStore(path string, opts Options) (*BoltQuotaStore, error) {
	db, err := openQuotaDB(path, opts)
	if err != nil {
		return nil, err
	}
	return &BoltQuotaStore{db: db, path: path, opts: opts}, nil
}

func openQuotaDB(path string, opts Options) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.LockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota store: %w", err)
	}
	db.NoSync = opts.NoSync

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create quotas bucket: %w", err)
	}
	return db, nil
}

// SetRebuild wires the in-place rebuild hook.
func (s *BoltQuotaStore) SetRebuild(fn func() error) {
	s.rebuild = fn
}

func (s *BoltQuotaStore) Path() string { return s.path }

func (s *BoltQuotaStore) Close() error {
	return s.db.Close()
}

// update runs fn in a write transaction, attempting one in-place
// rebuild if the engine reports recoverable corruption.
func (s *BoltQuotaStore) update(fn func(b *bolt.Bucket) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketQuotas))
	})
	if err == nil || !IsCorruption(err) || s.rebuild == nil || s.rebuilding {
		return err
	}

	s.rebuilding = true
	rerr := s.recreate()
	if rerr == nil {
		rerr = s.rebuild()
	}
	s.rebuilding = false
	if rerr != nil {
		return fmt.Errorf("quota store rebuild failed: %w", rerr)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketQuotas))
	})
}

// recreate quarantines the corrupt file and swaps in a fresh, empty
// store.
func (s *BoltQuotaStore) recreate() error {
	s.db.Close()
	if _, err := QuarantineFile(s.path); err != nil {
		return fmt.Errorf("failed to quarantine quota store: %w", err)
	}
	db, err := openQuotaDB(s.path, s.opts)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func decodeQuota(v []byte) (*types.QuotaRecord, error) {
	var rec types.QuotaRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode quota record: %w", err)
	}
	return &rec, nil
}

func (s *BoltQuotaStore) TryIncrement(dir string) (bool, *types.QuotaRecord, error) {
	var accepted bool
	var observed *types.QuotaRecord

	err := s.update(func(b *bolt.Bucket) error {
		now := time.Now().UTC()
		rec := &types.QuotaRecord{
			DirectoryPath: dir,
			Enabled:       true,
			CreatedAt:     now,
		}
		if v := b.Get([]byte(dir)); v != nil {
			var err error
			if rec, err = decodeQuota(v); err != nil {
				return err
			}
		}

		if rec.Enabled && rec.MaxCount > 0 && rec.CurrentCount >= rec.MaxCount {
			accepted = false
			observed = rec
			return nil
		}

		rec.CurrentCount++
		rec.LastUpdated = now
		accepted = true
		observed = rec

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(dir), data)
	})
	if err != nil {
		return false, nil, err
	}
	return accepted, observed, nil
}

func (s *BoltQuotaStore) Decrement(dir string) error {
	return s.update(func(b *bolt.Bucket) error {
		v := b.Get([]byte(dir))
		if v == nil {
			return nil
		}
		rec, err := decodeQuota(v)
		if err != nil {
			return err
		}
		if rec.CurrentCount > 0 {
			rec.CurrentCount--
		}
		rec.LastUpdated = time.Now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(dir), data)
	})
}

func (s *BoltQuotaStore) SetLimit(dir string, max int64) error {
	return s.update(func(b *bolt.Bucket) error {
		now := time.Now().UTC()
		rec := &types.QuotaRecord{
			DirectoryPath: dir,
			CreatedAt:     now,
		}
		if v := b.Get([]byte(dir)); v != nil {
			var err error
			if rec, err = decodeQuota(v); err != nil {
				return err
			}
		}
		rec.MaxCount = max
		rec.Enabled = max > 0
		rec.LastUpdated = now
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(dir), data)
	})
}

func (s *BoltQuotaStore) Get(dir string) (*types.QuotaRecord, bool, error) {
	var rec *types.QuotaRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketQuotas).Get([]byte(dir))
		if v == nil {
			return nil
		}
		var err error
		rec, err = decodeQuota(v)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

func (s *BoltQuotaStore) List() ([]*types.QuotaRecord, error) {
	var out []*types.QuotaRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			rec, err := decodeQuota(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltQuotaStore) Put(rec *types.QuotaRecord) error {
	return s.update(func(b *bolt.Bucket) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.DirectoryPath), data)
	})
}
