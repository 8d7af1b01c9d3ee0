package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/geo"
)

// minTripStepM filters GPS jitter: smaller moves add no distance.
const minTripStepM = 2.0

// TripProgress is the payload of location:update and rider:location.
type TripProgress struct {
	TripID         string          `json:"tripId"`
	RiderID        string          `json:"riderId"`
	Point          domain.GeoPoint `json:"point"`
	Speed          float64         `json:"speed"`
	AddedDistanceM float64         `json:"addedDistance"`
	TotalDistanceM float64         `json:"totalDistance"`
	Points         int             `json:"points"`
	At             time.Time       `json:"timestamp"`
}

// TripSummary is the payload of trip:ended.
type TripSummary struct {
	TripID         string    `json:"tripId"`
	RiderID        string    `json:"riderId"`
	TotalDistanceM float64   `json:"totalDistance"`
	Points         int       `json:"points"`
	StartedAt      time.Time `json:"startTime"`
	EndedAt        time.Time `json:"endTime"`
}

type tripTrack struct {
	riderID   string
	last      domain.GeoPoint
	distanceM float64
	points    int
	startedAt time.Time
	lastAt    time.Time
}

// TripOdometer accumulates travelled distance per open trip.
type TripOdometer struct {
	mu    sync.Mutex
	trips map[string]*tripTrack
}

func NewTripOdometer() *TripOdometer {
	return &TripOdometer{trips: make(map[string]*tripTrack)}
}

// Record adds a point to the trip, opening it on first sight.
func (o *TripOdometer) Record(tripID, riderID string, point domain.GeoPoint, at time.Time) TripProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	track, ok := o.trips[tripID]
	added := 0.0
	if !ok {
		track = &tripTrack{riderID: riderID, last: point, startedAt: at}
		o.trips[tripID] = track
	} else if step := geo.DistanceMeters(track.last, point); step >= minTripStepM {
		added = step
		track.distanceM += step
		track.last = point
	}
	track.riderID = riderID
	track.lastAt = at
	track.points++
	return TripProgress{
		TripID:         tripID,
		RiderID:        riderID,
		Point:          point,
		AddedDistanceM: added,
		TotalDistanceM: track.distanceM,
		Points:         track.points,
		At:             at,
	}
}

// End closes the trip and returns its totals.
func (o *TripOdometer) End(tripID string, at time.Time) (TripSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	track, ok := o.trips[tripID]
	if !ok {
		return TripSummary{}, false
	}
	delete(o.trips, tripID)
	return TripSummary{
		TripID:         tripID,
		RiderID:        track.riderID,
		TotalDistanceM: track.distanceM,
		Points:         track.points,
		StartedAt:      track.startedAt,
		EndedAt:        at,
	}, true
}

// Evict drops trips whose last point is at or before cutoff and returns their ids.
func (o *TripOdometer) Evict(cutoff time.Time) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var evicted []string
	for id, track := range o.trips {
		if !track.lastAt.After(cutoff) {
			delete(o.trips, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len reports the number of open trips.
func (o *TripOdometer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.trips)
}

func (s *Service) recordTrip(ctx context.Context, tripID string, p domain.RiderPresence, at time.Time) {
	progress := s.trips.Record(tripID, p.RiderID, *p.Location, at)
	progress.Speed = p.Speed
	s.broadcaster.Publish(ctx, domain.TripTopic(tripID), domain.EventTripLocationUpdate, progress)
	s.broadcaster.Publish(ctx, domain.RiderTopic(p.RiderID), domain.EventRiderTripLocation, progress)
}

// EndTrip closes the trip odometer and tells the trip's watchers.
func (s *Service) EndTrip(ctx context.Context, tripID string) (TripSummary, error) {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return TripSummary{}, domain.InvalidField("tripId", "is required")
	}
	summary, ok := s.trips.End(tripID, s.clock.Now())
	if !ok {
		return TripSummary{}, domain.ErrNotFound
	}
	s.broadcaster.Publish(ctx, domain.TripTopic(tripID), domain.EventTripEnded, summary)
	return summary, nil
}
