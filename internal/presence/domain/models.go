package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusOffline    Status = "offline"
	StatusOnDelivery Status = "on-delivery"
	StatusOnPickup   Status = "on-pickup"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrNotFound     = errors.New("rider not found")
	ErrPersistence  = errors.New("persistence failure")
	ErrBroadcast    = errors.New("broadcast failure")
)

// InvalidField builds an ErrInvalidEvent naming the offending field.
func InvalidField(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidEvent, field, reason)
}

var knownStatuses = map[Status]struct{}{
	StatusActive:     {},
	StatusIdle:       {},
	StatusOffline:    {},
	StatusOnDelivery: {},
	StatusOnPickup:   {},
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", InvalidField("status", fmt.Sprintf("%q is not one of active, idle, offline, on-delivery, on-pickup", raw))
	}
	return s, nil
}

func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Engaged reports whether the rider is working, i.e. subject to idle demotion.
func (s Status) Engaged() bool {
	switch s {
	case StatusActive, StatusOnDelivery, StatusOnPickup:
		return true
	default:
		return false
	}
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Coordinates is a position as decoded from a client, where either axis may be absent.
type Coordinates struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// Point returns nil unless both axes are present.
func (c *Coordinates) Point() *GeoPoint {
	if c == nil || c.Lat == nil || c.Lng == nil {
		return nil
	}
	return &GeoPoint{Lat: *c.Lat, Lng: *c.Lng}
}

// RiderPresence is the live state of one rider. Records are replaced whole, never patched.
type RiderPresence struct {
	RiderID         string     `json:"riderId"`
	Status          Status     `json:"status"`
	Location        *GeoPoint  `json:"location,omitempty"`
	Speed           float64    `json:"speed"`
	Bearing         float64    `json:"bearing"`
	BatteryLevel    float64    `json:"batteryLevel"`
	LastUpdateAt    time.Time  `json:"lastUpdate"`
	StatusChangedAt time.Time  `json:"statusChangedAt"`
	ReportedAt      *time.Time `json:"reportedAt,omitempty"`
}

// Clone returns a copy that shares no pointers with p.
func (p RiderPresence) Clone() RiderPresence {
	if p.Location != nil {
		loc := *p.Location
		p.Location = &loc
	}
	if p.ReportedAt != nil {
		at := *p.ReportedAt
		p.ReportedAt = &at
	}
	return p
}

// NewerThan orders two versions of the same rider for last-write-wins.
func (p RiderPresence) NewerThan(other RiderPresence) bool {
	if !p.LastUpdateAt.Equal(other.LastUpdateAt) {
		return p.LastUpdateAt.After(other.LastUpdateAt)
	}
	return p.StatusChangedAt.After(other.StatusChangedAt)
}

type RiderIdentity struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

const (
	UnknownRiderName  = "Unknown Rider"
	UnknownRiderPhone = "N/A"
)

// LatestRecord is the durable "latest" projection of a rider.
type LatestRecord struct {
	RiderPresence
	RiderIdentity
}

// LocationSample is one entry of the durable history trail.
type LocationSample struct {
	RiderID      string     `json:"riderId"`
	Point        GeoPoint   `json:"location"`
	Speed        float64    `json:"speed"`
	Bearing      float64    `json:"bearing"`
	BatteryLevel float64    `json:"batteryLevel"`
	Status       Status     `json:"status"`
	TripID       string     `json:"tripId,omitempty"`
	RecordedAt   time.Time  `json:"timestamp"`
	ClientAt     *time.Time `json:"clientTimestamp,omitempty"`
}

// TimeRange bounds history reads. Zero values leave the side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

type Topic string

const AdminTopic Topic = "admin-dashboard"

func RiderTopic(riderID string) Topic { return Topic("rider:" + riderID) }

func TripTopic(tripID string) Topic { return Topic("trip:" + tripID) }

const (
	EventRiderLocationUpdate = "riderLocationUpdate"
	EventRiderStatusUpdate   = "riderStatusUpdate"
	EventAllActiveRiders     = "allActiveRiders"
	EventRiderLocation       = "riderLocation"
	EventTripLocationUpdate  = "location:update"
	EventRiderTripLocation   = "rider:location"
	EventTripEnded           = "trip:ended"
)

type ObserverKind string

const (
	ObserverRider       ObserverKind = "rider-self"
	ObserverAdmin       ObserverKind = "admin-dashboard"
	ObserverTripWatcher ObserverKind = "trip-watcher"
)

type LocationRepository interface {
	UpsertLatest(ctx context.Context, rec LatestRecord) error
	AppendHistory(ctx context.Context, sample LocationSample) error
	Latest(ctx context.Context, riderID string) (LatestRecord, error)
	// ListLatest returns latest rows updated at or after since; a zero since returns all rows.
	ListLatest(ctx context.Context, since time.Time) ([]LatestRecord, error)
	History(ctx context.Context, riderID string, r TimeRange, limit int) ([]LocationSample, error)
	PurgeHistory(ctx context.Context, now time.Time) (int64, error)
}

type RiderDirectory interface {
	Lookup(ctx context.Context, riderID string) (RiderIdentity, error)
}

type GeoHit struct {
	RiderID   string   `json:"riderId"`
	Point     GeoPoint `json:"location"`
	DistanceM float64  `json:"distanceMeters"`
}

type GeoIndex interface {
	Upsert(ctx context.Context, riderID string, point GeoPoint) error
	Remove(ctx context.Context, riderID string) error
	Nearby(ctx context.Context, center GeoPoint, radiusKM float64, limit int) ([]GeoHit, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, topic Topic, event string, payload any) int
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
