package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/riderpresence/internal/auth"
	"github.com/example/riderpresence/internal/presence/broadcast"
	"github.com/example/riderpresence/internal/presence/directory"
	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/handler"
	"github.com/example/riderpresence/internal/presence/repository"
	"github.com/example/riderpresence/internal/presence/service"
	"github.com/example/riderpresence/internal/presence/store"
)

type stubClock struct{ t time.Time }

func (c *stubClock) Now() time.Time { return c.t }

type inlineScheduler struct{}

func (inlineScheduler) Submit(_ string, task func(ctx context.Context)) bool {
	task(context.Background())
	return true
}

type env struct {
	router http.Handler
	hub    *broadcast.Hub
	clock  *stubClock
	admin  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &stubClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	hub := broadcast.NewHub(nil, broadcast.WithClock(clock))
	svc := service.New(service.Deps{
		Store:       store.New(4),
		Repository:  repository.NewMemoryRepository(0, clock),
		Directory:   directory.NewStatic(map[string]domain.RiderIdentity{"R1": {Name: "Asha", Phone: "+91-100"}}),
		Broadcaster: hub,
		Scheduler:   inlineScheduler{},
		Clock:       clock,
	}, service.DefaultConfig())

	verifier := auth.NewVerifier("s3cret")
	token, err := verifier.Issue("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return &env{
		router: handler.NewHTTP(svc, handler.WithAuth(verifier)).Router(),
		hub:    hub,
		clock:  clock,
		admin:  token,
	}
}

func (e *env) do(t *testing.T, method, path string, body any, admin bool) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if admin {
		req.Header.Set("Authorization", "Bearer "+e.admin)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	return rec.Code, decoded
}

func TestIngestThenQueryCurrent(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodPost, "/v1/location/rider/R1/location", map[string]any{
		"location": map[string]float64{"lat": 12.9, "lng": 77.6},
		"speed":    4.2,
	}, false)
	require.Equal(t, http.StatusAccepted, code)

	code, body := e.do(t, http.MethodGet, "/v1/location/rider/R1/current", nil, false)
	require.Equal(t, http.StatusOK, code)
	rider := body["rider"].(map[string]any)
	require.Equal(t, "active", rider["status"])
	require.Equal(t, "live", rider["source"])
	require.Equal(t, 4.2, rider["speed"])

	code, body = e.do(t, http.MethodGet, "/v1/location/active-riders", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])
}

func TestIngestRejectsInvalidBody(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/v1/location/rider/R1/location", map[string]any{"speed": 1}, false)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, false, body["success"])

	code, _ = e.do(t, http.MethodPost, "/v1/location/rider/R1/location", map[string]any{
		"location": map[string]float64{"lat": 12.9},
	}, false)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/v1/location/rider/R1/location", map[string]any{
		"location": map[string]any{},
	}, false)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodGet, "/v1/location/rider/R1/current", nil, false)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHistoryQuery(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		code, _ := e.do(t, http.MethodPost, "/v1/location/rider/R1/location", map[string]any{
			"location": map[string]float64{"lat": 12.9, "lng": 77.6 + float64(i)/100},
		}, false)
		require.Equal(t, http.StatusAccepted, code)
		e.clock.t = e.clock.t.Add(time.Minute)
	}

	code, body := e.do(t, http.MethodGet, "/v1/location/rider/R1/history?limit=2", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["count"])

	code, body = e.do(t, http.MethodGet, "/v1/location/rider/R1/history?startDate=2024-03-04&endDate=2024-03-04", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 3, body["count"])

	code, _ = e.do(t, http.MethodGet, "/v1/location/rider/R1/history?startDate=yesterday", nil, false)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodGet, "/v1/location/rider/R1/history?startDate=2024-03-05&endDate=2024-03-04", nil, false)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdminOverride(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodPost, "/v1/location/rider/R1/status", map[string]string{"status": "idle"}, false)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodPost, "/v1/location/rider/R1/status", map[string]string{"status": "asleep"}, true)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/v1/location/rider/R404/status", map[string]string{"status": "idle"}, true)
	require.Equal(t, http.StatusNotFound, code)

	code, body := e.do(t, http.MethodPost, "/v1/location/rider/R1/status", map[string]string{"status": "on-delivery"}, true)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Rider status updated to on-delivery", body["message"])

	code, body = e.do(t, http.MethodGet, "/v1/location/dashboard-stats", nil, true)
	require.Equal(t, http.StatusOK, code)
	stats := body["stats"].(map[string]any)
	require.EqualValues(t, 1, stats["totalRiders"])
	require.EqualValues(t, 1, stats["byStatus"].(map[string]any)["on-delivery"])
}

func TestNotifyRiderReachesSubscriber(t *testing.T) {
	e := newEnv(t)
	sub := broadcast.NewChannelSubscriber("session-1", 4)
	e.hub.Subscribe(domain.RiderTopic("R1"), sub)

	code, body := e.do(t, http.MethodPost, "/v1/location/rider/R1/events", map[string]any{
		"event": "orderAssigned",
		"data":  map[string]string{"orderId": "O-7"},
	}, true)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["delivered"])

	ev := <-sub.Events()
	require.Equal(t, "orderAssigned", ev.Name)
	require.JSONEq(t, `{"orderId":"O-7"}`, string(ev.Payload.(json.RawMessage)))
}

func TestEndTrip(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodPost, "/v1/location/trips/T1/end", nil, true)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/v1/location/rider/R1/location", map[string]any{
		"location": map[string]float64{"lat": 12.9, "lng": 77.6},
		"tripId":   "T1",
	}, false)
	require.Equal(t, http.StatusAccepted, code)

	code, body := e.do(t, http.MethodPost, "/v1/location/trips/T1/end", nil, true)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "R1", body["trip"].(map[string]any)["riderId"])
}

func TestNearbyValidatesQuery(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodGet, "/v1/location/riders/nearby?lat=x&lng=1", nil, false)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := e.do(t, http.MethodGet, "/v1/location/riders/nearby?lat=12.9&lng=77.6&radius_km=1", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body["count"])
}
