package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/riderpresence/internal/presence/directory"
	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/repository"
	"github.com/example/riderpresence/internal/presence/service"
	"github.com/example/riderpresence/internal/presence/store"
)

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// inlineScheduler runs persistence synchronously so tests can read the repository right away.
type inlineScheduler struct{}

func (inlineScheduler) Submit(_ string, task func(ctx context.Context)) bool {
	task(context.Background())
	return true
}

type published struct {
	topic   domain.Topic
	event   string
	payload any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []published
}

func (r *recordingBroadcaster) Publish(_ context.Context, topic domain.Topic, event string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{topic: topic, event: event, payload: payload})
	return 1
}

func (r *recordingBroadcaster) on(topic domain.Topic) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []published
	for _, ev := range r.events {
		if ev.topic == topic {
			res = append(res, ev)
		}
	}
	return res
}

type failingRepo struct {
	*repository.MemoryRepository
}

func (failingRepo) UpsertLatest(context.Context, domain.LatestRecord) error {
	return errors.New("connection refused")
}

func (failingRepo) AppendHistory(context.Context, domain.LocationSample) error {
	return errors.New("connection refused")
}

type fixture struct {
	svc   *service.Service
	store *store.Store
	repo  *repository.MemoryRepository
	bc    *recordingBroadcaster
	clock *stubClock
	dir   *directory.Static
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &stubClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	f := &fixture{
		store: store.New(4),
		repo:  repository.NewMemoryRepository(0, clock),
		bc:    &recordingBroadcaster{},
		clock: clock,
		dir:   directory.NewStatic(map[string]domain.RiderIdentity{"R1": {Name: "Asha", Phone: "+91-100"}}),
	}
	f.svc = service.New(service.Deps{
		Store:       f.store,
		Repository:  f.repo,
		Directory:   f.dir,
		Broadcaster: f.bc,
		Scheduler:   inlineScheduler{},
		Clock:       clock,
	}, service.DefaultConfig())
	return f
}

func point(lat, lng float64) *domain.GeoPoint { return &domain.GeoPoint{Lat: lat, Lng: lng} }

func ptr[T any](v T) *T { return &v }

func TestRiderGoesIdleAfterThresholdAndBackOnUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.9, 77.6)})
	require.NoError(t, err)

	view, err := f.svc.SnapshotOne(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, view.Status)
	require.Equal(t, service.SourceLive, view.Source)

	f.clock.Advance(f.svc.Config().IdleAfter + time.Second)
	changed := f.svc.Sweep(ctx)
	require.Len(t, changed, 1)

	view, err = f.svc.SnapshotOne(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusIdle, view.Status)
	require.Equal(t, point(12.9, 77.6), view.Location)

	statusEvents := f.bc.on(domain.AdminTopic)
	last := statusEvents[len(statusEvents)-1]
	require.Equal(t, domain.EventRiderStatusUpdate, last.event)
	require.Equal(t, domain.StatusIdle, last.payload.(service.StatusChange).Status)

	_, err = f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.91, 77.61)})
	require.NoError(t, err)
	view, err = f.svc.SnapshotOne(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, view.Status)
}

func TestSweepDoesNotTouchFreshRidersAndGoesOfflineLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.svc.Config()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.9, 77.6)})
	require.NoError(t, err)
	f.clock.Advance(cfg.IdleAfter - time.Second)
	require.Empty(t, f.svc.Sweep(ctx))

	before, _ := f.store.Get("R1")
	f.clock.Advance(cfg.OfflineAfter)
	changed := f.svc.Sweep(ctx)
	require.Len(t, changed, 1)
	require.Equal(t, domain.StatusOffline, changed[0].Status)
	require.Equal(t, before.LastUpdateAt, changed[0].LastUpdateAt)
	require.Equal(t, f.clock.Now(), changed[0].StatusChangedAt)

	f.clock.Advance(cfg.SweepInterval)
	require.Empty(t, f.svc.Sweep(ctx))

	rec, err := f.repo.Latest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOffline, rec.Status)
	require.NotNil(t, rec.Location)
}

func TestIngestTimeWinsOverClientTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Hour)

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(1, 1), ClientTimestamp: &t1})
	require.NoError(t, err)
	first, _ := f.store.Get("R1")

	f.clock.Advance(3 * time.Second)
	_, err = f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(2, 2), ClientTimestamp: &t2})
	require.NoError(t, err)

	second, err := f.svc.SnapshotOne(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now(), second.LastUpdateAt)
	require.True(t, second.LastUpdateAt.After(first.LastUpdateAt))
	require.Equal(t, point(2, 2), second.Location)
	require.Equal(t, t2, *second.ReportedAt)

	rec, err := f.repo.Latest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, point(2, 2), rec.Location)
}

func TestLocationEventDefaultsAndPersistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{
		RiderID:  " R1 ",
		Location: point(12.9, 77.6),
		Speed:    ptr(8.5),
		TripID:   "T9",
	})
	require.NoError(t, err)
	require.Equal(t, "R1", p.RiderID)
	require.Equal(t, 8.5, p.Speed)
	require.Equal(t, 0.0, p.Bearing)
	require.Equal(t, 100.0, p.BatteryLevel)

	rec, err := f.repo.Latest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, "Asha", rec.Name)
	require.Equal(t, "+91-100", rec.Phone)

	samples, err := f.repo.History(ctx, "R1", domain.TimeRange{}, 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, "T9", samples[0].TripID)
	require.Equal(t, f.clock.Now(), samples[0].RecordedAt)

	admin := f.bc.on(domain.AdminTopic)
	require.Len(t, admin, 1)
	require.Equal(t, domain.EventRiderLocationUpdate, admin[0].event)
}

func TestUnknownRiderIdentityUsesPlaceholders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "ghost", Location: point(1, 2)})
	require.NoError(t, err)
	rec, err := f.repo.Latest(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, domain.UnknownRiderName, rec.Name)
	require.Equal(t, domain.UnknownRiderPhone, rec.Phone)
}

func TestInvalidEventsLeaveStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []service.LocationEvent{
		{RiderID: "", Location: point(1, 1)},
		{RiderID: "R1"},
		{RiderID: "R1", Location: &domain.GeoPoint{Lat: math.NaN(), Lng: 1}},
	}
	for _, ev := range cases {
		_, err := f.svc.HandleLocationEvent(ctx, ev)
		require.ErrorIs(t, err, domain.ErrInvalidEvent)
	}
	_, err := f.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: "R1", Status: "sleeping"})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	require.Zero(t, f.store.Len())
	require.Empty(t, f.bc.on(domain.AdminTopic))
	_, err = f.repo.Latest(ctx, "R1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusEventKeepsLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.9, 77.6)})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	clientAt := f.clock.Now().Add(-time.Hour)

	p, err := f.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: "R1", Status: "On-Delivery", At: &clientAt})
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnDelivery, p.Status)
	require.Equal(t, point(12.9, 77.6), p.Location)
	require.Equal(t, f.clock.Now(), p.LastUpdateAt)
	require.Equal(t, f.clock.Now(), p.StatusChangedAt)
	require.Equal(t, clientAt, *p.ReportedAt)

	rec, err := f.repo.Latest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnDelivery, rec.Status)
	require.Equal(t, point(12.9, 77.6), rec.Location)

	samples, err := f.repo.History(ctx, "R1", domain.TimeRange{}, 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
}

func TestOverrideStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OverrideStatus(ctx, "nobody", "idle")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.OverrideStatus(ctx, "R1", "napping")
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	// R1 is only known to the directory.
	p, err := f.svc.OverrideStatus(ctx, "R1", "offline")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOffline, p.Status)
	require.Equal(t, f.clock.Now(), p.LastUpdateAt)
	require.Nil(t, p.Location)

	view, err := f.svc.SnapshotOne(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOffline, view.Status)
}

func TestOverriddenRiderStillAges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(1, 1)})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.OverrideStatus(ctx, "R1", "active")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.Empty(t, f.svc.Sweep(ctx))
	f.clock.Advance(f.svc.Config().IdleAfter)
	changed := f.svc.Sweep(ctx)
	require.Len(t, changed, 1)
	require.Equal(t, domain.StatusIdle, changed[0].Status)
}

func TestSnapshotUnknownRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SnapshotOne(ctx, "R404")
	require.ErrorIs(t, err, domain.ErrNotFound)

	all, err := f.svc.SnapshotAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestSnapshotFallsBackToDurableRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	yesterday := f.clock.Now().Add(-24 * time.Hour)
	require.NoError(t, f.repo.UpsertLatest(ctx, domain.LatestRecord{
		RiderPresence: domain.RiderPresence{
			RiderID:      "R2",
			Status:       domain.StatusActive,
			Location:     point(3, 4),
			LastUpdateAt: yesterday,
		},
		RiderIdentity: domain.RiderIdentity{Name: "Ravi", Phone: "+91-200"},
	}))
	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(1, 1)})
	require.NoError(t, err)

	view, err := f.svc.SnapshotOne(ctx, "R2")
	require.NoError(t, err)
	require.Equal(t, service.SourceDurable, view.Source)
	require.Equal(t, domain.StatusOffline, view.Status)
	require.Equal(t, "Ravi", view.Name)

	all, err := f.svc.SnapshotAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "R1", all[0].RiderID)
	require.Equal(t, service.SourceLive, all[0].Source)
	require.Equal(t, "Asha", all[0].Name)
	require.Equal(t, "R2", all[1].RiderID)
	require.Equal(t, service.SourceDurable, all[1].Source)
}

func TestLastWriteWinsPerRiderUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const riders, updates = 8, 50

	var wg sync.WaitGroup
	for r := 0; r < riders; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			id := fmt.Sprintf("R%d", r)
			for i := 0; i < updates; i++ {
				_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{
					RiderID:  id,
					Location: point(float64(r), float64(i)),
				})
				if err != nil {
					t.Errorf("rider %s update %d: %v", id, i, err)
					return
				}
			}
		}(r)
	}
	wg.Wait()

	for r := 0; r < riders; r++ {
		view, err := f.svc.SnapshotOne(ctx, fmt.Sprintf("R%d", r))
		require.NoError(t, err)
		require.Equal(t, point(float64(r), updates-1), view.Location)
	}
}

func TestPersistenceFailureDoesNotAffectLiveStateOrBroadcast(t *testing.T) {
	clock := &stubClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	bc := &recordingBroadcaster{}
	st := store.New(1)
	svc := service.New(service.Deps{
		Store:       st,
		Repository:  failingRepo{repository.NewMemoryRepository(0, clock)},
		Broadcaster: bc,
		Scheduler:   inlineScheduler{},
		Clock:       clock,
	}, service.Config{})

	_, err := svc.HandleLocationEvent(context.Background(), service.LocationEvent{RiderID: "R1", Location: point(1, 1)})
	require.NoError(t, err)
	_, ok := st.Get("R1")
	require.True(t, ok)
	require.Len(t, bc.on(domain.AdminTopic), 1)
}

func TestHistoryLimitsAndRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(1, float64(i))})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	all, err := f.svc.History(ctx, "R1", domain.TimeRange{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.True(t, all[0].RecordedAt.After(all[4].RecordedAt))

	two, err := f.svc.History(ctx, "R1", domain.TimeRange{}, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)

	start := time.Date(2024, 3, 4, 10, 1, 0, 0, time.UTC)
	ranged, err := f.svc.History(ctx, "R1", domain.TimeRange{From: start, To: start.Add(2 * time.Minute)}, 0)
	require.NoError(t, err)
	require.Len(t, ranged, 3)

	_, err = f.svc.History(ctx, "R1", domain.TimeRange{From: start, To: start.Add(-time.Minute)}, 0)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	none, err := f.svc.History(ctx, "R404", domain.TimeRange{}, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestActiveRidersFiltersByStatusAndWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "old", Location: point(1, 1)})
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "fresh", Location: point(1, 1)})
	require.NoError(t, err)
	_, err = f.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: "pickup", Status: "on-pickup"})
	require.NoError(t, err)
	_, err = f.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: "resting", Status: "idle"})
	require.NoError(t, err)

	var ids []string
	for _, v := range f.svc.ActiveRiders(ctx) {
		ids = append(ids, v.RiderID)
	}
	require.Equal(t, []string{"fresh", "pickup"}, ids)
}

func TestDashboardStatsCountsToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.UpsertLatest(ctx, domain.LatestRecord{
		RiderPresence: domain.RiderPresence{RiderID: "durable-today", Status: domain.StatusActive, LastUpdateAt: f.clock.Now().Add(-time.Hour)},
	}))
	require.NoError(t, f.repo.UpsertLatest(ctx, domain.LatestRecord{
		RiderPresence: domain.RiderPresence{RiderID: "durable-old", Status: domain.StatusActive, LastUpdateAt: f.clock.Now().Add(-48 * time.Hour)},
	}))
	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(1, 1)})
	require.NoError(t, err)
	_, err = f.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: "R2", Status: "idle"})
	require.NoError(t, err)

	stats, err := f.svc.DashboardStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalRiders)
	require.Equal(t, 2, stats.LiveRiders)
	require.Equal(t, 1, stats.ByStatus[domain.StatusActive])
	require.Equal(t, 1, stats.ByStatus[domain.StatusIdle])
	require.Equal(t, 1, stats.ByStatus[domain.StatusOffline])
	require.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), stats.Since)
}

func TestNearbyJoinsLiveStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.9716, 77.5946)})
	require.NoError(t, err)
	_, err = f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "far", Location: point(12.2958, 76.6394)})
	require.NoError(t, err)

	hits, err := f.svc.Nearby(ctx, domain.GeoPoint{Lat: 12.97, Lng: 77.59}, 2, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "R1", hits[0].RiderID)
	require.Equal(t, domain.StatusActive, hits[0].Status)

	_, err = f.svc.Nearby(ctx, domain.GeoPoint{Lat: 12.97, Lng: 77.59}, 0, 10)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestTripOdometerFiltersJitterAndEnds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	send := func(lat, lng float64) {
		_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(lat, lng), TripID: "T1"})
		require.NoError(t, err)
	}
	send(12.9716, 77.5946)
	send(12.97161, 77.5946) // about 1m, jitter
	send(12.9816, 77.5946)  // about 1.1km

	trip := f.bc.on(domain.TripTopic("T1"))
	require.Len(t, trip, 3)
	require.Equal(t, domain.EventTripLocationUpdate, trip[0].event)
	require.Zero(t, trip[1].payload.(service.TripProgress).AddedDistanceM)
	last := trip[2].payload.(service.TripProgress)
	require.InDelta(t, 1112, last.TotalDistanceM, 5)
	require.Equal(t, 3, last.Points)
	require.Len(t, f.bc.on(domain.RiderTopic("R1")), 3)

	summary, err := f.svc.EndTrip(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "R1", summary.RiderID)
	require.InDelta(t, 1112, summary.TotalDistanceM, 5)

	trip = f.bc.on(domain.TripTopic("T1"))
	require.Equal(t, domain.EventTripEnded, trip[len(trip)-1].event)

	_, err = f.svc.EndTrip(ctx, "T1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepDropsAbandonedTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.97, 77.59), TripID: "abandoned"})
	require.NoError(t, err)
	f.clock.Advance(f.svc.Config().TripIdleAfter - time.Minute)
	_, err = f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R2", Location: point(12.97, 77.59), TripID: "ongoing"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	f.svc.Sweep(ctx)

	_, err = f.svc.EndTrip(ctx, "abandoned")
	require.ErrorIs(t, err, domain.ErrNotFound)
	summary, err := f.svc.EndTrip(ctx, "ongoing")
	require.NoError(t, err)
	require.Equal(t, "R2", summary.RiderID)
}

func TestTripOdometerEvict(t *testing.T) {
	o := service.NewTripOdometer()
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	o.Record("T1", "R1", domain.GeoPoint{Lat: 12.97, Lng: 77.59}, at)
	o.Record("T2", "R2", domain.GeoPoint{Lat: 12.97, Lng: 77.59}, at.Add(time.Hour))

	require.Equal(t, []string{"T1"}, o.Evict(at))
	require.Equal(t, 1, o.Len())
	require.Empty(t, o.Evict(at))
}

func TestOfflineRidersLeaveTheGeoIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	center := domain.GeoPoint{Lat: 12.97, Lng: 77.59}

	_, err := f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.9716, 77.5946)})
	require.NoError(t, err)
	hits, err := f.svc.Nearby(ctx, center, 2, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	f.clock.Advance(f.svc.Config().IdleAfter + time.Second)
	f.svc.Sweep(ctx)
	hits, err = f.svc.Nearby(ctx, center, 2, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, domain.StatusIdle, hits[0].Status)

	f.clock.Advance(f.svc.Config().OfflineAfter)
	f.svc.Sweep(ctx)
	hits, err = f.svc.Nearby(ctx, center, 2, 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	_, err = f.svc.HandleLocationEvent(ctx, service.LocationEvent{RiderID: "R1", Location: point(12.9716, 77.5946)})
	require.NoError(t, err)
	hits, err = f.svc.Nearby(ctx, center, 2, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestMarkConnectedOnlyActivatesNewRiders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.MarkConnected(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, p.Status)
	require.Len(t, f.bc.on(domain.AdminTopic), 1)

	_, err = f.svc.HandleStatusEvent(ctx, service.StatusEvent{RiderID: "R1", Status: "on-pickup"})
	require.NoError(t, err)
	p, err = f.svc.MarkConnected(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnPickup, p.Status)
	require.Len(t, f.bc.on(domain.AdminTopic), 2)
}

func TestNotifyRider(t *testing.T) {
	f := newFixture(t)

	n, err := f.svc.NotifyRider(context.Background(), "R1", "orderAssigned", map[string]string{"orderId": "O1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.bc.on(domain.RiderTopic("R1")), 1)

	_, err = f.svc.NotifyRider(context.Background(), "R1", " ", nil)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
}
