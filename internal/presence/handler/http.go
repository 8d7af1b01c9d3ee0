package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/auth"
	ratelimit "github.com/example/riderpresence/internal/http/middleware"
	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/service"
)

// HTTP exposes the presence query and admin endpoints.
type HTTP struct {
	svc       *service.Service
	verifier  *auth.Verifier
	limiter   *ratelimit.RateLimiter
	ingestCfg ratelimit.RateConfig
	logger    *zap.Logger
}

// Option customises the handler.
type Option func(*HTTP)

// WithAuth gates admin endpoints behind v.
func WithAuth(v *auth.Verifier) Option { return func(h *HTTP) { h.verifier = v } }

// WithIngestLimit rate limits HTTP location ingest per rider.
func WithIngestLimit(l *ratelimit.RateLimiter, cfg ratelimit.RateConfig) Option {
	return func(h *HTTP) {
		h.limiter = l
		h.ingestCfg = cfg
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *zap.Logger) Option { return func(h *HTTP) { h.logger = l } }

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, opts ...Option) *HTTP {
	h := &HTTP{svc: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Route("/v1/location", func(r chi.Router) {
		r.Get("/active-riders", h.activeRiders)
		r.Get("/riders", h.allRiders)
		r.Get("/riders/nearby", h.nearby)
		r.Get("/rider/{id}/current", h.current)
		r.Get("/rider/{id}/history", h.history)
		r.With(h.limiter.Limit("ingest", h.ingestCfg, riderKey)).Post("/rider/{id}/location", h.ingestLocation)

		r.Group(func(r chi.Router) {
			r.Use(h.verifier.Middleware(auth.RoleAdmin))
			r.Post("/rider/{id}/status", h.overrideStatus)
			r.Post("/rider/{id}/events", h.notifyRider)
			r.Post("/trips/{id}/end", h.endTrip)
			r.Get("/dashboard-stats", h.dashboardStats)
		})
	})
	return otelhttp.NewHandler(r, "presence.http")
}

func riderKey(r *http.Request) string {
	return "rider:" + chi.URLParam(r, "id")
}

func (h *HTTP) activeRiders(w http.ResponseWriter, r *http.Request) {
	riders := h.svc.ActiveRiders(r.Context())
	if riders == nil {
		riders = []service.RiderView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(riders), "riders": riders})
}

func (h *HTTP) allRiders(w http.ResponseWriter, r *http.Request) {
	riders, err := h.svc.SnapshotAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(riders), "riders": riders})
}

func (h *HTTP) current(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.SnapshotOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rider": view})
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var rng domain.TimeRange
	var err error
	if rng.From, err = parseTime(q.Get("startDate"), false); err != nil {
		h.writeError(w, domain.InvalidField("startDate", err.Error()))
		return
	}
	if rng.To, err = parseTime(q.Get("endDate"), true); err != nil {
		h.writeError(w, domain.InvalidField("endDate", err.Error()))
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		h.writeError(w, domain.InvalidField("limit", err.Error()))
		return
	}
	samples, err := h.svc.History(r.Context(), chi.URLParam(r, "id"), rng, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if samples == nil {
		samples = []domain.LocationSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(samples), "history": samples})
}

func (h *HTTP) nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		h.writeError(w, domain.InvalidField("lat/lng", "must be numeric"))
		return
	}
	radius := 3.0
	if raw := q.Get("radius_km"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.writeError(w, domain.InvalidField("radius_km", "must be numeric"))
			return
		}
		radius = v
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		h.writeError(w, domain.InvalidField("limit", err.Error()))
		return
	}
	riders, err := h.svc.Nearby(r.Context(), domain.GeoPoint{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(riders), "riders": riders})
}

type locationRequest struct {
	Location     *domain.Coordinates `json:"location"`
	Speed        *float64            `json:"speed"`
	Bearing      *float64            `json:"bearing"`
	BatteryLevel *float64            `json:"batteryLevel"`
	Timestamp    *time.Time          `json:"timestamp"`
	TripID       string              `json:"tripId"`
}

func (h *HTTP) ingestLocation(w http.ResponseWriter, r *http.Request) {
	var payload locationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, domain.InvalidField("body", err.Error()))
		return
	}
	p, err := h.svc.HandleLocationEvent(r.Context(), service.LocationEvent{
		RiderID:         chi.URLParam(r, "id"),
		Location:        payload.Location.Point(),
		Speed:           payload.Speed,
		Bearing:         payload.Bearing,
		BatteryLevel:    payload.BatteryLevel,
		ClientTimestamp: payload.Timestamp,
		TripID:          payload.TripID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "rider": p})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *HTTP) overrideStatus(w http.ResponseWriter, r *http.Request) {
	var payload statusRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, domain.InvalidField("body", err.Error()))
		return
	}
	p, err := h.svc.OverrideStatus(r.Context(), chi.URLParam(r, "id"), payload.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Rider status updated to " + string(p.Status),
		"rider":   p,
	})
}

type eventRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *HTTP) notifyRider(w http.ResponseWriter, r *http.Request) {
	var payload eventRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, domain.InvalidField("body", err.Error()))
		return
	}
	n, err := h.svc.NotifyRider(r.Context(), chi.URLParam(r, "id"), payload.Event, payload.Data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": n})
}

func (h *HTTP) endTrip(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.EndTrip(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trip": summary})
}

func (h *HTTP) dashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.DashboardStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"success": false, "message": err.Error()})
}

// parseTime accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func parseInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
