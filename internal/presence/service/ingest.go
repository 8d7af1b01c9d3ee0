package service

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/riderpresence/internal/presence/domain"
)

// LocationEvent is one position report from a rider device.
type LocationEvent struct {
	RiderID         string
	Location        *domain.GeoPoint
	Speed           *float64
	Bearing         *float64
	BatteryLevel    *float64
	ClientTimestamp *time.Time
	TripID          string
}

// StatusEvent is an explicit status report. At is the client's clock and is informational.
type StatusEvent struct {
	RiderID string
	Status  string
	At      *time.Time
}

// StatusChange is the payload of riderStatusUpdate.
type StatusChange struct {
	RiderID    string        `json:"riderId"`
	Status     domain.Status `json:"status"`
	LastUpdate time.Time     `json:"lastUpdate"`
}

func statusChange(p domain.RiderPresence) StatusChange {
	return StatusChange{RiderID: p.RiderID, Status: p.Status, LastUpdate: p.LastUpdateAt}
}

// HandleLocationEvent validates ev, makes it the rider's live state and
// schedules persistence and broadcast. Only validation errors are returned.
func (s *Service) HandleLocationEvent(ctx context.Context, ev LocationEvent) (domain.RiderPresence, error) {
	ctx, span := s.tracer.Start(ctx, "presence.location_event")
	defer span.End()

	riderID := strings.TrimSpace(ev.RiderID)
	if err := validateLocation(riderID, ev.Location); err != nil {
		eventsTotal.WithLabelValues("location", "invalid").Inc()
		span.RecordError(err)
		return domain.RiderPresence{}, err
	}
	span.SetAttributes(attribute.String("rider.id", riderID))

	now := s.clock.Now()
	point := *ev.Location
	p := s.store.Upsert(riderID, func(cur domain.RiderPresence, exists bool) domain.RiderPresence {
		changedAt := now
		if exists && cur.Status == domain.StatusActive {
			changedAt = cur.StatusChangedAt
		}
		return domain.RiderPresence{
			Status:          domain.StatusActive,
			Location:        &point,
			Speed:           valueOr(ev.Speed, 0),
			Bearing:         valueOr(ev.Bearing, 0),
			BatteryLevel:    valueOr(ev.BatteryLevel, 100),
			LastUpdateAt:    now,
			StatusChangedAt: changedAt,
			ReportedAt:      ev.ClientTimestamp,
		}
	})

	s.persist(p, &domain.LocationSample{
		RiderID:      riderID,
		Point:        point,
		Speed:        p.Speed,
		Bearing:      p.Bearing,
		BatteryLevel: p.BatteryLevel,
		Status:       p.Status,
		TripID:       strings.TrimSpace(ev.TripID),
		RecordedAt:   now,
		ClientAt:     ev.ClientTimestamp,
	})
	s.broadcaster.Publish(ctx, domain.AdminTopic, domain.EventRiderLocationUpdate, p)
	if tripID := strings.TrimSpace(ev.TripID); tripID != "" {
		s.recordTrip(ctx, tripID, p, now)
	}

	eventsTotal.WithLabelValues("location", "accepted").Inc()
	return p, nil
}

// HandleStatusEvent sets the rider's status without touching its location.
func (s *Service) HandleStatusEvent(ctx context.Context, ev StatusEvent) (domain.RiderPresence, error) {
	ctx, span := s.tracer.Start(ctx, "presence.status_event")
	defer span.End()

	riderID := strings.TrimSpace(ev.RiderID)
	if riderID == "" {
		eventsTotal.WithLabelValues("status", "invalid").Inc()
		return domain.RiderPresence{}, domain.InvalidField("riderId", "is required")
	}
	status, err := domain.ParseStatus(ev.Status)
	if err != nil {
		eventsTotal.WithLabelValues("status", "invalid").Inc()
		return domain.RiderPresence{}, err
	}
	span.SetAttributes(attribute.String("rider.id", riderID), attribute.String("rider.status", string(status)))

	p := s.applyStatus(ctx, riderID, status, ev.At)
	eventsTotal.WithLabelValues("status", "accepted").Inc()
	return p, nil
}

// OverrideStatus is the admin path. A rider unknown to the live view, the
// durable store and the directory is reported as not found.
func (s *Service) OverrideStatus(ctx context.Context, riderID, rawStatus string) (domain.RiderPresence, error) {
	ctx, span := s.tracer.Start(ctx, "presence.status_override", trace.WithAttributes(attribute.String("rider.id", riderID)))
	defer span.End()

	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return domain.RiderPresence{}, domain.InvalidField("riderId", "is required")
	}
	status, err := domain.ParseStatus(rawStatus)
	if err != nil {
		return domain.RiderPresence{}, err
	}
	if !s.knownRider(ctx, riderID) {
		return domain.RiderPresence{}, domain.ErrNotFound
	}
	p := s.applyStatus(ctx, riderID, status, nil)
	eventsTotal.WithLabelValues("override", "accepted").Inc()
	return p, nil
}

func (s *Service) knownRider(ctx context.Context, riderID string) bool {
	if _, ok := s.store.Get(riderID); ok {
		return true
	}
	if _, err := s.repo.Latest(ctx, riderID); err == nil {
		return true
	}
	_, err := s.writer.Lookup(ctx, riderID)
	return err == nil
}

// MarkConnected records a rider session joining. A rider not yet in the live
// view becomes active; a known rider is left untouched.
func (s *Service) MarkConnected(ctx context.Context, riderID string) (domain.RiderPresence, error) {
	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return domain.RiderPresence{}, domain.InvalidField("riderId", "is required")
	}
	now := s.clock.Now()
	created := false
	p := s.store.Upsert(riderID, func(cur domain.RiderPresence, exists bool) domain.RiderPresence {
		if exists {
			return cur
		}
		created = true
		return domain.RiderPresence{
			Status:          domain.StatusActive,
			BatteryLevel:    100,
			LastUpdateAt:    now,
			StatusChangedAt: now,
		}
	})
	if created {
		s.persist(p, nil)
		s.broadcaster.Publish(ctx, domain.AdminTopic, domain.EventRiderStatusUpdate, statusChange(p))
	}
	return p, nil
}

func (s *Service) applyStatus(ctx context.Context, riderID string, status domain.Status, at *time.Time) domain.RiderPresence {
	now := s.clock.Now()
	p := s.store.Upsert(riderID, func(cur domain.RiderPresence, exists bool) domain.RiderPresence {
		if !exists {
			cur = domain.RiderPresence{BatteryLevel: 100}
		}
		if !exists || cur.Status != status {
			cur.StatusChangedAt = now
		}
		cur.Status = status
		cur.LastUpdateAt = now
		if at != nil {
			cur.ReportedAt = at
		}
		return cur
	})
	s.persist(p, nil)
	s.broadcaster.Publish(ctx, domain.AdminTopic, domain.EventRiderStatusUpdate, statusChange(p))
	return p
}

// NotifyRider pushes an arbitrary event to every session of the rider.
func (s *Service) NotifyRider(ctx context.Context, riderID, event string, payload any) (int, error) {
	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return 0, domain.InvalidField("riderId", "is required")
	}
	if strings.TrimSpace(event) == "" {
		return 0, domain.InvalidField("event", "is required")
	}
	return s.broadcaster.Publish(ctx, domain.RiderTopic(riderID), event, payload), nil
}

func validateLocation(riderID string, loc *domain.GeoPoint) error {
	if riderID == "" {
		return domain.InvalidField("riderId", "is required")
	}
	if loc == nil {
		return domain.InvalidField("location", "lat and lng are required")
	}
	if !finite(loc.Lat) || !finite(loc.Lng) {
		return domain.InvalidField("location", "must be numeric")
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func valueOr(v *float64, fallback float64) float64 {
	if v == nil || !finite(*v) {
		return fallback
	}
	return *v
}
