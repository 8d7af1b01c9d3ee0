package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/geo"
	"github.com/example/riderpresence/internal/presence/store"
)

// Config holds the presence tunables.
type Config struct {
	// IdleAfter demotes engaged riders to idle once exceeded.
	IdleAfter time.Duration
	// OfflineAfter demotes any rider to offline once exceeded. Zero disables the offline rung.
	OfflineAfter  time.Duration
	SweepInterval time.Duration
	// ActiveWindow bounds how recent an update must be to count in ActiveRiders.
	ActiveWindow        time.Duration
	DefaultHistoryLimit int
	MaxHistoryLimit     int
	// TripIdleAfter drops an open trip that has received no point for this long.
	TripIdleAfter time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IdleAfter:           5 * time.Minute,
		OfflineAfter:        30 * time.Minute,
		SweepInterval:       30 * time.Second,
		ActiveWindow:        5 * time.Minute,
		DefaultHistoryLimit: 100,
		MaxHistoryLimit:     1000,
		TripIdleAfter:       time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.OfflineAfter < 0 {
		c.OfflineAfter = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = d.ActiveWindow
	}
	if c.DefaultHistoryLimit <= 0 {
		c.DefaultHistoryLimit = d.DefaultHistoryLimit
	}
	if c.MaxHistoryLimit <= 0 {
		c.MaxHistoryLimit = d.MaxHistoryLimit
	}
	if c.TripIdleAfter <= 0 {
		c.TripIdleAfter = d.TripIdleAfter
	}
	return c
}

// Deps are the collaborators of the service. Store, Repository and
// Broadcaster are required; the rest fall back to in-process defaults.
type Deps struct {
	Store       *store.Store
	Repository  domain.LocationRepository
	Directory   domain.RiderDirectory
	GeoIndex    domain.GeoIndex
	Broadcaster domain.Broadcaster
	Scheduler   Scheduler
	Clock       domain.Clock
	Logger      *zap.Logger
}

// Service coordinates ingest, the sweeper and queries around the live store.
type Service struct {
	store       *store.Store
	repo        domain.LocationRepository
	writer      *Writer
	geo         domain.GeoIndex
	broadcaster domain.Broadcaster
	scheduler   Scheduler
	trips       *TripOdometer
	clock       domain.Clock
	cfg         Config
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New constructs a Service with the required collaborators.
func New(deps Deps, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.GeoIndex == nil {
		deps.GeoIndex = geo.NewMemoryIndex()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = NewDispatcher(deps.Logger.Named("dispatch"), DispatcherConfig{})
	}
	return &Service{
		store:       deps.Store,
		repo:        deps.Repository,
		writer:      NewWriter(deps.Repository, deps.Directory, deps.GeoIndex, deps.Logger.Named("writer")),
		geo:         deps.GeoIndex,
		broadcaster: deps.Broadcaster,
		scheduler:   deps.Scheduler,
		trips:       NewTripOdometer(),
		clock:       deps.Clock,
		cfg:         cfg.withDefaults(),
		logger:      deps.Logger,
		tracer:      otel.Tracer("presence.service"),
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// persist hands the durable writes for p to the scheduler. Failures are logged only.
func (s *Service) persist(p domain.RiderPresence, sample *domain.LocationSample) {
	accepted := s.scheduler.Submit(p.RiderID, func(ctx context.Context) {
		if err := s.writer.UpsertLatest(ctx, p); err != nil {
			s.logger.Warn("persist latest failed", zap.String("rider_id", p.RiderID), zap.Error(err))
		}
		if sample == nil {
			return
		}
		if err := s.writer.AppendHistory(ctx, *sample); err != nil {
			s.logger.Warn("persist history failed", zap.String("rider_id", p.RiderID), zap.Error(err))
		}
	})
	if !accepted {
		persistFailures.WithLabelValues("dropped").Inc()
	}
}
