package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/auth"
	"github.com/example/riderpresence/internal/presence/broadcast"
	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/service"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_ws_sessions",
		Help: "Open websocket sessions.",
	})
	inboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_ws_inbound_total",
		Help: "Inbound websocket events grouped by event and outcome.",
	}, []string{"event", "result"})
)

// Presence is the part of the presence service the gateway drives.
type Presence interface {
	HandleLocationEvent(ctx context.Context, ev service.LocationEvent) (domain.RiderPresence, error)
	HandleStatusEvent(ctx context.Context, ev service.StatusEvent) (domain.RiderPresence, error)
	MarkConnected(ctx context.Context, riderID string) (domain.RiderPresence, error)
	SnapshotAll(ctx context.Context) ([]service.RiderView, error)
	SnapshotOne(ctx context.Context, riderID string) (service.RiderView, error)
}

// Config holds the connection tunables.
type Config struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 8 << 10
	}
	return c
}

// Gateway upgrades HTTP requests to websocket sessions and routes their
// events into the presence service and the hub.
type Gateway struct {
	svc      Presence
	hub      *broadcast.Hub
	verifier *auth.Verifier
	logger   *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewGateway constructs a gateway. A nil verifier lets anyone join the admin topic.
func NewGateway(svc Presence, hub *broadcast.Hub, verifier *auth.Verifier, logger *zap.Logger, cfg Config) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		svc:      svc,
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ServeHTTP satisfies http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	token := auth.TokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	sess := newSession(uuid.NewString(), conn, g.cfg, token)
	sessionsGauge.Inc()
	logger := g.logger.With(zap.String("session_id", sess.ID()))
	logger.Debug("session opened")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		cancel()
		g.hub.UnsubscribeAll(sess.ID())
		sess.Close()
		sessionsGauge.Dec()
		logger.Debug("session closed")
	}()

	go sess.writePump()
	sess.prepareRead()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("session read failed", zap.Error(err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			inboundTotal.WithLabelValues("malformed", "rejected").Inc()
			g.reply(sess, EventError, errorData{Message: "frame must be {\"event\": name, \"data\": {...}}"})
			continue
		}
		if err := g.dispatch(ctx, sess, env); err != nil {
			inboundTotal.WithLabelValues(env.Event, "rejected").Inc()
			g.reply(sess, EventError, errorData{Event: env.Event, Message: err.Error()})
			continue
		}
		inboundTotal.WithLabelValues(env.Event, "accepted").Inc()
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *Session, env Envelope) error {
	switch env.Event {
	case EventJoinRider:
		var d joinRiderData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		riderID := strings.TrimSpace(d.RiderID)
		if _, err := g.svc.MarkConnected(ctx, riderID); err != nil {
			return err
		}
		g.hub.Subscribe(domain.RiderTopic(riderID), sess)
		return nil

	case EventJoinAdmin:
		var d joinAdminData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		token := d.Token
		if token == "" {
			token = sess.token
		}
		if _, err := g.verifier.Verify(token, auth.RoleAdmin); err != nil {
			return err
		}
		g.hub.Subscribe(domain.AdminTopic, sess)
		riders, err := g.svc.SnapshotAll(ctx)
		if err != nil {
			return err
		}
		g.reply(sess, domain.EventAllActiveRiders, riders)
		return nil

	case EventJoinTrip, EventLeaveTrip:
		var d tripData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		tripID := strings.TrimSpace(d.TripID)
		if tripID == "" {
			return domain.InvalidField("tripId", "is required")
		}
		if env.Event == EventJoinTrip {
			g.hub.Subscribe(domain.TripTopic(tripID), sess)
		} else {
			g.hub.Unsubscribe(domain.TripTopic(tripID), sess.ID())
		}
		return nil

	case EventLocationUpdate:
		var d locationData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		ev := service.LocationEvent{
			RiderID:         d.RiderID,
			Speed:           d.Speed,
			Bearing:         d.Bearing,
			BatteryLevel:    d.BatteryLevel,
			ClientTimestamp: d.Timestamp,
			TripID:          d.TripID,
			Location:        d.Location.Point(),
		}
		_, err := g.svc.HandleLocationEvent(ctx, ev)
		return err

	case EventStatusUpdate:
		var d statusData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		_, err := g.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: d.RiderID, Status: d.Status, At: d.LastUpdate})
		return err

	case EventGetRiderLocation:
		var d getRiderData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		view, err := g.svc.SnapshotOne(ctx, d.RiderID)
		if errors.Is(err, domain.ErrNotFound) {
			g.reply(sess, domain.EventRiderLocation, map[string]any{"riderId": d.RiderID, "rider": nil})
			return nil
		}
		if err != nil {
			return err
		}
		g.reply(sess, domain.EventRiderLocation, map[string]any{"riderId": view.RiderID, "rider": view})
		return nil
	}
	return domain.InvalidField("event", fmt.Sprintf("%q is not supported", env.Event))
}

func (g *Gateway) reply(sess *Session, name string, payload any) {
	if err := sess.Deliver(broadcast.Event{Name: name, Payload: payload, At: time.Now().UTC()}); err != nil {
		g.logger.Debug("session reply dropped", zap.String("session_id", sess.ID()), zap.String("event", name), zap.Error(err))
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.InvalidField("data", err.Error())
	}
	return nil
}
