package location

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/service"
)

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presence_transport_ingest_total",
	Help: "Location updates received on non-websocket transports grouped by transport and outcome.",
}, []string{"transport", "result"})

// Handler is the ingest entry point both transports feed.
type Handler interface {
	HandleLocationEvent(ctx context.Context, ev service.LocationEvent) (domain.RiderPresence, error)
}

// ToEvent converts the wire update to an ingest event.
func ToEvent(u *LocationUpdate) service.LocationEvent {
	ev := service.LocationEvent{
		RiderID:      u.RiderID,
		Location:     (&domain.Coordinates{Lat: u.Lat, Lng: u.Lng}).Point(),
		Speed:        u.Speed,
		Bearing:      u.Bearing,
		BatteryLevel: u.BatteryLevel,
		TripID:       u.TripID,
	}
	if u.TimestampMs > 0 {
		at := time.UnixMilli(u.TimestampMs).UTC()
		ev.ClientTimestamp = &at
	}
	return ev
}

// Server implements IngestServer.
type Server struct {
	handler Handler
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger}
}

// StreamLocations ingests rider locations until the client half-closes.
// Invalid updates are counted and skipped; they never end the stream.
func (s *Server) StreamLocations(stream LocationIngest_StreamLocationsServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if _, err := s.handler.HandleLocationEvent(stream.Context(), ToEvent(msg)); err != nil {
			ack.Rejected++
			ingestTotal.WithLabelValues("grpc", "rejected").Inc()
			s.logger.Debug("stream update rejected", zap.String("rider_id", msg.RiderID), zap.Error(err))
			continue
		}
		ack.Accepted++
		ingestTotal.WithLabelValues("grpc", "accepted").Inc()
	}
}
