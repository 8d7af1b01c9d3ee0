package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/riderpresence/internal/presence/domain"
)

// cellPrecision 5 gives cells of roughly 4.9km by 4.9km at the equator.
const (
	cellPrecision = 5
	cellSpanDeg   = 360.0 / 8192
	kmPerDegree   = 111.32
)

// MemoryIndex buckets riders by geohash cell. Small radius queries only look
// at the center cell and its eight neighbours; larger ones scan everything.
type MemoryIndex struct {
	mu     sync.RWMutex
	riders map[string]memoryEntry
	cells  map[string]map[string]struct{}
}

type memoryEntry struct {
	point domain.GeoPoint
	cell  string
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		riders: make(map[string]memoryEntry),
		cells:  make(map[string]map[string]struct{}),
	}
}

// Upsert moves the rider to the given point.
func (m *MemoryIndex) Upsert(_ context.Context, riderID string, point domain.GeoPoint) error {
	cell := geohash.EncodeWithPrecision(point.Lat, point.Lng, cellPrecision)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.riders[riderID]; ok && prev.cell != cell {
		m.removeFromCell(prev.cell, riderID)
	}
	m.riders[riderID] = memoryEntry{point: point, cell: cell}
	members, ok := m.cells[cell]
	if !ok {
		members = make(map[string]struct{})
		m.cells[cell] = members
	}
	members[riderID] = struct{}{}
	return nil
}

// Remove drops the rider from the index.
func (m *MemoryIndex) Remove(_ context.Context, riderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.riders[riderID]; ok {
		m.removeFromCell(prev.cell, riderID)
		delete(m.riders, riderID)
	}
	return nil
}

func (m *MemoryIndex) removeFromCell(cell, riderID string) {
	members := m.cells[cell]
	delete(members, riderID)
	if len(members) == 0 {
		delete(m.cells, cell)
	}
}

// Nearby returns up to limit riders within radiusKM sorted by distance.
func (m *MemoryIndex) Nearby(_ context.Context, center domain.GeoPoint, radiusKM float64, limit int) ([]domain.GeoHit, error) {
	radiusM := radiusKM * 1000
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []domain.GeoHit
	consider := func(riderID string, e memoryEntry) {
		if d := DistanceMeters(center, e.point); d <= radiusM {
			hits = append(hits, domain.GeoHit{RiderID: riderID, Point: e.point, DistanceM: d})
		}
	}

	if radiusKM <= neighbourhoodKM(center.Lat) {
		cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, cellPrecision)
		for _, c := range append(geohash.Neighbors(cell), cell) {
			for riderID := range m.cells[c] {
				consider(riderID, m.riders[riderID])
			}
		}
	} else {
		for riderID, e := range m.riders {
			consider(riderID, e)
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM == hits[j].DistanceM {
			return hits[i].RiderID < hits[j].RiderID
		}
		return hits[i].DistanceM < hits[j].DistanceM
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// neighbourhoodKM is the radius the 3x3 cell block is guaranteed to cover
// around any point of the center cell.
func neighbourhoodKM(lat float64) float64 {
	height := cellSpanDeg * kmPerDegree
	width := height * math.Cos(lat*math.Pi/180)
	return math.Min(height, width)
}
