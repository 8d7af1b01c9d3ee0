package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/riderpresence/internal/presence/domain"
)

// DefaultRetention is how long history samples are kept.
const DefaultRetention = 7 * 24 * time.Hour

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu        sync.RWMutex
	latest    map[string]domain.LatestRecord
	history   map[string][]domain.LocationSample
	retention time.Duration
	clock     domain.Clock
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository(retention time.Duration, clock domain.Clock) *MemoryRepository {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryRepository{
		latest:    make(map[string]domain.LatestRecord),
		history:   make(map[string][]domain.LocationSample),
		retention: retention,
		clock:     clock,
	}
}

// UpsertLatest overwrites the rider's latest row unless the stored row is newer.
func (m *MemoryRepository) UpsertLatest(_ context.Context, rec domain.LatestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.latest[rec.RiderID]
	if ok && existing.RiderPresence.NewerThan(rec.RiderPresence) {
		return nil
	}
	rec.RiderPresence = rec.RiderPresence.Clone()
	if rec.Location == nil && ok && existing.Location != nil {
		loc := *existing.Location
		rec.Location = &loc
	}
	m.latest[rec.RiderID] = rec
	return nil
}

// AppendHistory stores the sample. Duplicates and out-of-order samples are kept as given.
func (m *MemoryRepository) AppendHistory(_ context.Context, sample domain.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[sample.RiderID] = append(m.history[sample.RiderID], sample)
	return nil
}

// Latest returns the rider's latest row.
func (m *MemoryRepository) Latest(_ context.Context, riderID string) (domain.LatestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.latest[riderID]
	if !ok {
		return domain.LatestRecord{}, domain.ErrNotFound
	}
	rec.RiderPresence = rec.RiderPresence.Clone()
	return rec, nil
}

// ListLatest returns latest rows updated at or after since, ordered by rider id.
func (m *MemoryRepository) ListLatest(_ context.Context, since time.Time) ([]domain.LatestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.LatestRecord, 0, len(m.latest))
	for _, rec := range m.latest {
		if !since.IsZero() && rec.LastUpdateAt.Before(since) {
			continue
		}
		rec.RiderPresence = rec.RiderPresence.Clone()
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RiderID < res[j].RiderID })
	return res, nil
}

// History returns unexpired samples in range, newest first, at most limit.
func (m *MemoryRepository) History(_ context.Context, riderID string, r domain.TimeRange, limit int) ([]domain.LocationSample, error) {
	cutoff := m.clock.Now().Add(-m.retention)
	m.mu.RLock()
	samples := m.history[riderID]
	var res []domain.LocationSample
	// Newest insertion first, so equal timestamps keep that order through the stable sort.
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		if !s.RecordedAt.After(cutoff) || !r.Contains(s.RecordedAt) {
			continue
		}
		res = append(res, s)
	}
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool { return res[i].RecordedAt.After(res[j].RecordedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// PurgeHistory deletes samples whose retention ended at or before now.
func (m *MemoryRepository) PurgeHistory(_ context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, samples := range m.history {
		kept := samples[:0]
		for _, s := range samples {
			if s.RecordedAt.After(cutoff) {
				kept = append(kept, s)
				continue
			}
			purged++
		}
		if len(kept) == 0 {
			delete(m.history, id)
			continue
		}
		m.history[id] = kept
	}
	return purged, nil
}
