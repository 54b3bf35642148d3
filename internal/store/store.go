package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/growthops/countsync/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var bucketCounts = []byte("counts")

// CountStore implements domain.CountStore using BoltDB. Every record is
// mirrored in memory; bolt is written first so a failed commit never leaves
// the mirror ahead of disk.
type CountStore struct {
	db       *bolt.DB
	notifier domain.ChangeNotifier
	logger   *slog.Logger
	now      func() time.Time

	wmu sync.Mutex // serializes mutations so notifications follow commit order

	mu     sync.RWMutex // protects counts and closed
	counts map[string]domain.CountRecord
	closed bool
}

// Open opens the count cache at path. An empty path keeps the cache in
// memory only. notifier may be nil.
func Open(path string, notifier domain.ChangeNotifier, logger *slog.Logger) (*CountStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &CountStore{
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		counts:   make(map[string]domain.CountRecord),
	}
	if path == "" {
		// Memory-only mode (no persistence)
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// load warms the memory mirror from disk. Undecodable entries are skipped.
func (s *CountStore) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCounts).ForEach(func(k, v []byte) error {
			var rec domain.CountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("skipping corrupt count record", "key", string(k), "error", err)
				return nil
			}
			s.counts[string(k)] = rec
			return nil
		})
	})
}

func (s *CountStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// === Generic helpers ===

func (s *CountStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return nil
}

// put persists records in one transaction, then publishes them to memory.
func (s *CountStore) put(records ...domain.CountRecord) error {
	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketCounts)
			for _, rec := range records {
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(rec.Key()), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("write counts: %w", err)
		}
	}

	s.mu.Lock()
	for _, rec := range records {
		s.counts[rec.Key()] = rec
	}
	s.mu.Unlock()
	return nil
}

func (s *CountStore) notify(op domain.ChangeOp, rec domain.CountRecord, at time.Time) {
	if s.notifier != nil {
		s.notifier.Notify(domain.ChangeEvent{Op: op, Record: rec, At: at})
	}
}

// === Counts ===

// Upsert writes count for the pair, stamping LastUpdated and clearing IsStale.
func (s *CountStore) Upsert(ctx context.Context, category, substore string, count int) (domain.CountRecord, error) {
	if err := s.check(ctx); err != nil {
		return domain.CountRecord{}, err
	}
	if category == "" || substore == "" {
		return domain.CountRecord{}, domain.ErrInvalidFilter
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	now := s.now()
	rec := domain.CountRecord{
		Category:    category,
		Substore:    substore,
		Count:       count,
		LastUpdated: now,
	}
	if err := s.put(rec); err != nil {
		return domain.CountRecord{}, err
	}
	s.notify(domain.ChangeUpsert, rec, now)
	return rec, nil
}

// ReadMany returns existing records among the requested pairs, category-major.
func (s *CountStore) ReadMany(ctx context.Context, categories, substores []string) ([]domain.CountRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	combos := domain.Combinations(categories, substores)
	records := make([]domain.CountRecord, 0, len(combos))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range combos {
		if rec, ok := s.counts[c.Key()]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// All returns every record sorted by category then substore.
func (s *CountStore) All(ctx context.Context) ([]domain.CountRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := make([]domain.CountRecord, 0, len(s.counts))
	for _, rec := range s.counts {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Category != records[j].Category {
			return records[i].Category < records[j].Category
		}
		return records[i].Substore < records[j].Substore
	})
	return records, nil
}

// MarkStale flags existing records among the requested pairs. LastUpdated is
// preserved; missing pairs are not created.
func (s *CountStore) MarkStale(ctx context.Context, categories, substores []string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var flagged []domain.CountRecord
	s.mu.RLock()
	for _, c := range domain.Combinations(categories, substores) {
		if rec, ok := s.counts[c.Key()]; ok {
			rec.IsStale = true
			flagged = append(flagged, rec)
		}
	}
	s.mu.RUnlock()

	if len(flagged) == 0 {
		return 0, nil
	}
	if err := s.put(flagged...); err != nil {
		return 0, err
	}

	now := s.now()
	for _, rec := range flagged {
		s.notify(domain.ChangeStale, rec, now)
	}
	return len(flagged), nil
}

// Stats aggregates the whole cache.
func (s *CountStore) Stats(ctx context.Context) (domain.Stats, error) {
	if err := s.check(ctx); err != nil {
		return domain.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var st domain.Stats
	for _, rec := range s.counts {
		st.Total++
		if rec.IsStale {
			st.Stale++
		}
		ts := rec.LastUpdated
		if st.Oldest == nil || ts.Before(*st.Oldest) {
			st.Oldest = &ts
		}
		if st.Newest == nil || ts.After(*st.Newest) {
			st.Newest = &ts
		}
	}
	return st, nil
}

// Reset deletes every record.
func (s *CountStore) Reset(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(bucketCounts); err != nil {
				return err
			}
			_, err := tx.CreateBucket(bucketCounts)
			return err
		})
		if err != nil {
			return fmt.Errorf("reset counts: %w", err)
		}
	}

	s.mu.Lock()
	s.counts = make(map[string]domain.CountRecord)
	s.mu.Unlock()

	s.notify(domain.ChangeReset, domain.CountRecord{}, s.now())
	return nil
}

var _ domain.CountStore = (*CountStore)(nil)
