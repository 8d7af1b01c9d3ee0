package store

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/riderpresence/internal/presence/domain"
)

const defaultShards = 32

// Store holds the live presence of every rider seen since process start.
// Each rider lives in exactly one shard; all reads and writes of that rider
// go through the shard lock, so a record is never observed half-written.
type Store struct {
	shards []*shard
}

type shard struct {
	mu     sync.RWMutex
	riders map[string]domain.RiderPresence
}

// New constructs a store with the given shard count (defaults when <= 0).
func New(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{riders: make(map[string]domain.RiderPresence)}
	}
	return &Store{shards: shards}
}

func (s *Store) shardFor(riderID string) *shard {
	return s.shards[xxhash.Sum64String(riderID)%uint64(len(s.shards))]
}

// Get returns a copy of the rider's presence.
func (s *Store) Get(riderID string) (domain.RiderPresence, bool) {
	sh := s.shardFor(riderID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.riders[riderID]
	if !ok {
		return domain.RiderPresence{}, false
	}
	return p.Clone(), true
}

// Upsert runs apply against the current record inside the rider's critical
// section and stores the result in place of the old record.
func (s *Store) Upsert(riderID string, apply func(current domain.RiderPresence, exists bool) domain.RiderPresence) domain.RiderPresence {
	sh := s.shardFor(riderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, exists := sh.riders[riderID]
	if exists {
		current = current.Clone()
	}
	next := apply(current, exists).Clone()
	next.RiderID = riderID
	sh.riders[riderID] = next
	return next.Clone()
}

// ListAll returns a point-in-time copy of every rider ordered by id.
func (s *Store) ListAll() []domain.RiderPresence {
	var res []domain.RiderPresence
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.riders {
			res = append(res, p.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RiderID < res[j].RiderID })
	return res
}

// Len returns the number of known riders.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.riders)
		sh.mu.RUnlock()
	}
	return n
}

// ForEachStale calls fn for every rider whose last update is older than
// threshold at now. Staleness is re-checked under the rider's lock, so an
// ingest racing with the scan wins. When fn reports a change the returned
// record replaces the stored one. The changed records are returned.
func (s *Store) ForEachStale(now time.Time, threshold time.Duration, fn func(current domain.RiderPresence) (domain.RiderPresence, bool)) []domain.RiderPresence {
	var changed []domain.RiderPresence
	for _, sh := range s.shards {
		for _, id := range sh.staleIDs(now, threshold) {
			if next, ok := sh.transition(id, now, threshold, fn); ok {
				changed = append(changed, next)
			}
		}
	}
	return changed
}

func (sh *shard) staleIDs(now time.Time, threshold time.Duration) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var ids []string
	for id, p := range sh.riders {
		if now.Sub(p.LastUpdateAt) > threshold {
			ids = append(ids, id)
		}
	}
	return ids
}

func (sh *shard) transition(riderID string, now time.Time, threshold time.Duration, fn func(domain.RiderPresence) (domain.RiderPresence, bool)) (domain.RiderPresence, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.riders[riderID]
	if !ok || now.Sub(current.LastUpdateAt) <= threshold {
		return domain.RiderPresence{}, false
	}
	next, changed := fn(current.Clone())
	if !changed {
		return domain.RiderPresence{}, false
	}
	next = next.Clone()
	next.RiderID = riderID
	sh.riders[riderID] = next
	return next.Clone(), true
}
