package realtime

import (
	"encoding/json"
	"time"

	"github.com/example/riderpresence/internal/presence/domain"
)

// Inbound event names.
const (
	EventJoinRider        = "joinRider"
	EventJoinAdmin        = "joinAdmin"
	EventJoinTrip         = "joinTrip"
	EventLeaveTrip        = "leaveTrip"
	EventLocationUpdate   = "riderLocationUpdate"
	EventStatusUpdate     = "riderStatusUpdate"
	EventGetRiderLocation = "getRiderLocation"
	EventError            = "error"
)

// Envelope is the wire frame in both directions: {"event": name, "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinRiderData struct {
	RiderID string `json:"riderId"`
}

type joinAdminData struct {
	Token string `json:"token"`
}

type tripData struct {
	TripID string `json:"tripId"`
}

type locationData struct {
	RiderID      string              `json:"riderId"`
	Location     *domain.Coordinates `json:"location"`
	Speed        *float64            `json:"speed"`
	Bearing      *float64            `json:"bearing"`
	BatteryLevel *float64            `json:"batteryLevel"`
	Timestamp    *time.Time          `json:"timestamp"`
	TripID       string              `json:"tripId"`
}

type statusData struct {
	RiderID    string     `json:"riderId"`
	Status     string     `json:"status"`
	LastUpdate *time.Time `json:"lastUpdate"`
}

type getRiderData struct {
	RiderID string `json:"riderId"`
}

type errorData struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
