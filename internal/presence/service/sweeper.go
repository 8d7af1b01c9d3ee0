package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
)

// nextStatus is the staleness ladder: engaged → idle after IdleAfter, anything
// but offline → offline after OfflineAfter.
func nextStatus(cur domain.Status, elapsed time.Duration, cfg Config) (domain.Status, bool) {
	if cfg.OfflineAfter > 0 && elapsed > cfg.OfflineAfter {
		return domain.StatusOffline, cur != domain.StatusOffline
	}
	if elapsed > cfg.IdleAfter && cur.Engaged() {
		return domain.StatusIdle, true
	}
	return cur, false
}

// Sweep runs one staleness pass and returns the riders it demoted. It also
// drops trips that stopped receiving points.
func (s *Service) Sweep(ctx context.Context) []domain.RiderPresence {
	ctx, span := s.tracer.Start(ctx, "presence.sweep")
	defer span.End()
	started := time.Now()

	now := s.clock.Now()
	changed := s.store.ForEachStale(now, s.cfg.IdleAfter, func(cur domain.RiderPresence) (domain.RiderPresence, bool) {
		next, ok := nextStatus(cur.Status, now.Sub(cur.LastUpdateAt), s.cfg)
		if !ok {
			return cur, false
		}
		cur.Status = next
		cur.StatusChangedAt = now
		return cur, true
	})

	for _, p := range changed {
		statusTransitions.WithLabelValues(string(p.Status)).Inc()
		s.persist(p, nil)
		s.broadcaster.Publish(ctx, domain.AdminTopic, domain.EventRiderStatusUpdate, statusChange(p))
	}
	s.refreshStatusGauge()

	if evicted := s.trips.Evict(now.Add(-s.cfg.TripIdleAfter)); len(evicted) > 0 {
		tripsEvicted.Add(float64(len(evicted)))
		s.logger.Info("dropped idle trips", zap.Strings("trip_ids", evicted))
	}

	span.SetAttributes(attribute.Int("sweep.transitions", len(changed)))
	sweepDuration.Observe(time.Since(started).Seconds())
	if len(changed) > 0 {
		s.logger.Info("staleness sweep demoted riders", zap.Int("count", len(changed)))
	}
	return changed
}

func (s *Service) refreshStatusGauge() {
	counts := map[domain.Status]int{
		domain.StatusActive:     0,
		domain.StatusIdle:       0,
		domain.StatusOffline:    0,
		domain.StatusOnDelivery: 0,
		domain.StatusOnPickup:   0,
	}
	for _, p := range s.store.ListAll() {
		counts[p.Status]++
	}
	for status, n := range counts {
		ridersByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RunSweeper sweeps on every tick until the context is cancelled.
func (s *Service) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	s.logger.Info("staleness sweeper started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("idle_after", s.cfg.IdleAfter),
		zap.Duration("offline_after", s.cfg.OfflineAfter))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
