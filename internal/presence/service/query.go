package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
)

const (
	SourceLive    = "live"
	SourceDurable = "durable"
)

// RiderView is a rider as reported to readers.
type RiderView struct {
	domain.RiderPresence
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Source string `json:"source"`
}

func liveView(p domain.RiderPresence) RiderView {
	return RiderView{RiderPresence: p, Source: SourceLive}
}

// durableView reports a rider without a live session. It is offline from
// this process's point of view whatever the stored status says.
func durableView(rec domain.LatestRecord) RiderView {
	p := rec.RiderPresence
	p.Status = domain.StatusOffline
	return RiderView{RiderPresence: p, Name: rec.Name, Phone: rec.Phone, Source: SourceDurable}
}

// SnapshotAll merges the live view with durable rows of riders not seen
// since start. A durable store failure degrades to the live view.
func (s *Service) SnapshotAll(ctx context.Context) ([]RiderView, error) {
	live := s.store.ListAll()
	durable, err := s.repo.ListLatest(ctx, time.Time{})
	if err != nil {
		s.logger.Warn("snapshot durable fallback failed", zap.Error(err))
		durable = nil
	}
	byID := make(map[string]domain.LatestRecord, len(durable))
	for _, rec := range durable {
		byID[rec.RiderID] = rec
	}

	views := make([]RiderView, 0, len(live)+len(durable))
	for _, p := range live {
		v := liveView(p)
		if rec, ok := byID[p.RiderID]; ok {
			v.Name, v.Phone = rec.Name, rec.Phone
			delete(byID, p.RiderID)
		}
		views = append(views, v)
	}
	for _, rec := range byID {
		views = append(views, durableView(rec))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].RiderID < views[j].RiderID })
	return views, nil
}

// SnapshotOne returns the live entry, else the durable row, else ErrNotFound.
func (s *Service) SnapshotOne(ctx context.Context, riderID string) (RiderView, error) {
	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return RiderView{}, domain.InvalidField("riderId", "is required")
	}
	if p, ok := s.store.Get(riderID); ok {
		return liveView(p), nil
	}
	rec, err := s.repo.Latest(ctx, riderID)
	if errors.Is(err, domain.ErrNotFound) {
		return RiderView{}, domain.ErrNotFound
	}
	if err != nil {
		return RiderView{}, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return durableView(rec), nil
}

// History reads the durable trail newest first. limit <= 0 uses the default
// and is capped at the configured maximum.
func (s *Service) History(ctx context.Context, riderID string, r domain.TimeRange, limit int) ([]domain.LocationSample, error) {
	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return nil, domain.InvalidField("riderId", "is required")
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return nil, domain.InvalidField("timeRange", "start is after end")
	}
	switch {
	case limit <= 0:
		limit = s.cfg.DefaultHistoryLimit
	case limit > s.cfg.MaxHistoryLimit:
		limit = s.cfg.MaxHistoryLimit
	}
	samples, err := s.repo.History(ctx, riderID, r, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return samples, nil
}

// ActiveRiders returns engaged riders that reported within the active window.
func (s *Service) ActiveRiders(_ context.Context) []RiderView {
	cutoff := s.clock.Now().Add(-s.cfg.ActiveWindow)
	var res []RiderView
	for _, p := range s.store.ListAll() {
		if p.Status.Engaged() && !p.LastUpdateAt.Before(cutoff) {
			res = append(res, liveView(p))
		}
	}
	return res
}

// DashboardStats counts riders seen today by status.
type DashboardStats struct {
	TotalRiders int                   `json:"totalRiders"`
	LiveRiders  int                   `json:"liveRiders"`
	ByStatus    map[domain.Status]int `json:"byStatus"`
	Since       time.Time             `json:"since"`
}

// DashboardStats counts every rider whose last update falls on the current
// day of the service clock.
func (s *Service) DashboardStats(ctx context.Context) (DashboardStats, error) {
	now := s.clock.Now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	stats := DashboardStats{ByStatus: make(map[domain.Status]int), Since: since}

	seen := make(map[string]struct{})
	for _, p := range s.store.ListAll() {
		if p.LastUpdateAt.Before(since) {
			continue
		}
		seen[p.RiderID] = struct{}{}
		stats.ByStatus[p.Status]++
		stats.LiveRiders++
	}
	durable, err := s.repo.ListLatest(ctx, since)
	if err != nil {
		s.logger.Warn("dashboard stats durable read failed", zap.Error(err))
	}
	for _, rec := range durable {
		if _, ok := seen[rec.RiderID]; ok {
			continue
		}
		if _, live := s.store.Get(rec.RiderID); live {
			continue
		}
		stats.ByStatus[domain.StatusOffline]++
	}
	for _, n := range stats.ByStatus {
		stats.TotalRiders += n
	}
	return stats, nil
}

// NearbyRider is a geo hit joined with the rider's live status.
type NearbyRider struct {
	domain.GeoHit
	Status     domain.Status `json:"status"`
	LastUpdate time.Time     `json:"lastUpdate,omitempty"`
}

// Nearby lists riders whose last known position is within radiusKM of center.
func (s *Service) Nearby(ctx context.Context, center domain.GeoPoint, radiusKM float64, limit int) ([]NearbyRider, error) {
	if !finite(center.Lat) || !finite(center.Lng) {
		return nil, domain.InvalidField("location", "must be numeric")
	}
	if radiusKM <= 0 || !finite(radiusKM) {
		return nil, domain.InvalidField("radius", "must be positive")
	}
	hits, err := s.geo.Nearby(ctx, center, radiusKM, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	res := make([]NearbyRider, 0, len(hits))
	for _, hit := range hits {
		n := NearbyRider{GeoHit: hit, Status: domain.StatusOffline}
		if p, ok := s.store.Get(hit.RiderID); ok {
			n.Status = p.Status
			n.LastUpdate = p.LastUpdateAt
		}
		res = append(res, n)
	}
	return res, nil
}
