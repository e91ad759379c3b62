package windowstore

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mempoolwatch/pkg/models"
)

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("window store is closed")

// Config controls store sizing.
type Config struct {
	// Shards is the number of independent lock domains.
	Shards int
	// MaxEntriesPerKey caps a single key's window regardless of duration.
	MaxEntriesPerKey int
	// Retention is the background sweep horizon. It should be at least as
	// long as the longest rule window.
	Retention time.Duration
}

// Store is a sharded, time-bounded key -> ordered multiset of transaction
// references. Entries are kept sorted by (timestamp, insertion sequence) so
// queries see a stable, feed-faithful order regardless of which worker
// inserted them.
type Store struct {
	cfg    Config
	shards []*shard
	seq    atomic.Uint64
	closed atomic.Bool
	now    func() time.Time
}

type shard struct {
	mu   sync.RWMutex
	keys map[string][]models.TxRef
}

// New creates a store.
func New(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.MaxEntriesPerKey <= 0 {
		cfg.MaxEntriesPerKey = 512
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{keys: make(map[string][]models.TxRef)}
	}
	return &Store{
		cfg:    cfg,
		shards: shards,
		now:    time.Now,
	}
}

// Insert appends ref to the key's window and lazily evicts entries older
// than window. The insertion sequence number is assigned here; callers must
// not rely on ref.Seq they pass in.
func (s *Store) Insert(key string, ref models.TxRef, window time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	ref.Seq = s.seq.Add(1)
	cutoff := s.now().Add(-window)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	list := sh.keys[key]
	list = insertOrdered(list, ref)
	list = dropExpired(list, cutoff)
	if len(list) > s.cfg.MaxEntriesPerKey {
		list = list[len(list)-s.cfg.MaxEntriesPerKey:]
	}
	if len(list) == 0 {
		delete(sh.keys, key)
		return nil
	}
	sh.keys[key] = list
	return nil
}

// DistinctCount returns the number of distinct counterpart values across
// non-expired entries for key.
func (s *Store) DistinctCount(key string, window time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	cutoff := s.now().Add(-window)
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, ref := range sh.keys[key] {
		if ref.Timestamp.Before(cutoff) {
			continue
		}
		seen[ref.Counterpart] = struct{}{}
	}
	return len(seen), nil
}

// RecentOrdered returns the non-expired entries for key ordered by
// timestamp ascending, ties broken by insertion sequence. The returned
// slice is a copy and safe to retain.
func (s *Store) RecentOrdered(key string, window time.Duration) ([]models.TxRef, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	cutoff := s.now().Add(-window)
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	list := sh.keys[key]
	idx := sort.Search(len(list), func(i int) bool {
		return !list[i].Timestamp.Before(cutoff)
	})
	if idx >= len(list) {
		return nil, nil
	}
	out := make([]models.TxRef, len(list)-idx)
	copy(out, list[idx:])
	return out, nil
}

// Evict sweeps all shards, dropping entries older than the retention
// horizon and removing keys left empty. It returns the number of entries
// removed. Bounds memory when keys stop receiving traffic.
func (s *Store) Evict() int {
	if s.closed.Load() {
		return 0
	}

	cutoff := s.now().Add(-s.cfg.Retention)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, list := range sh.keys {
			trimmed := dropExpired(list, cutoff)
			removed += len(list) - len(trimmed)
			if len(trimmed) == 0 {
				delete(sh.keys, key)
				continue
			}
			sh.keys[key] = trimmed
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the current key and entry counts across all shards.
func (s *Store) Len() (keys, entries int) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		keys += len(sh.keys)
		for _, list := range sh.keys {
			entries += len(list)
		}
		sh.mu.RUnlock()
	}
	return keys, entries
}

// Close marks the store unusable. Subsequent operations return ErrClosed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// insertOrdered places ref into list keeping (timestamp, seq) order.
// Inserts are usually near the tail, so scan backwards.
func insertOrdered(list []models.TxRef, ref models.TxRef) []models.TxRef {
	i := len(list)
	for i > 0 {
		prev := list[i-1]
		if prev.Timestamp.Before(ref.Timestamp) {
			break
		}
		if prev.Timestamp.Equal(ref.Timestamp) && prev.Seq < ref.Seq {
			break
		}
		i--
	}
	list = append(list, models.TxRef{})
	copy(list[i+1:], list[i:])
	list[i] = ref
	return list
}

// dropExpired trims entries strictly older than cutoff from the sorted head.
func dropExpired(list []models.TxRef, cutoff time.Time) []models.TxRef {
	idx := 0
	for idx < len(list) && list[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	return list[idx:]
}
