package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
)

var (
	purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_history_purged_total",
		Help: "History samples deleted after their retention ended.",
	})
	purgeFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_history_purge_fail_total",
		Help: "Purge runs that failed after exhausting retries.",
	})
	lastRunSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_history_purge_last_run_timestamp_seconds",
		Help: "Unix time of the last successful purge run.",
	})
)

// Purger deletes history whose retention ended at or before now.
type Purger interface {
	PurgeHistory(ctx context.Context, now time.Time) (int64, error)
}

// WorkerConfig defines tunables for the retention worker.
type WorkerConfig struct {
	Interval time.Duration
	RetryMax int
}

// Worker purges expired history on a fixed interval.
type Worker struct {
	purger Purger
	clock  domain.Clock
	logger *zap.Logger
	cfg    WorkerConfig
	tracer trace.Tracer
}

// NewWorker constructs a retention worker.
func NewWorker(purger Purger, clock domain.Clock, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		purger: purger,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("presence.retention.worker"),
	}
}

// Run purges once immediately, then on every tick until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.purger == nil {
		return errors.New("retention worker requires a purger")
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("history purge failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce purges expired history, retrying with backoff.
func (w *Worker) RunOnce(ctx context.Context) (int64, error) {
	ctx, span := w.tracer.Start(ctx, "retention.purge")
	defer span.End()

	var attempt int
	for {
		attempt++
		n, err := w.purger.PurgeHistory(ctx, w.clock.Now())
		if err == nil {
			purgedTotal.Add(float64(n))
			lastRunSeconds.Set(float64(w.clock.Now().Unix()))
			span.SetAttributes(attribute.Int64("retention.purged", n))
			if n > 0 {
				w.logger.Info("purged expired history", zap.Int64("samples", n))
			}
			return n, nil
		}
		w.logger.Warn("purge attempt failed", zap.Error(err), zap.Int("attempt", attempt))
		if attempt >= w.cfg.RetryMax {
			purgeFailTotal.Inc()
			span.RecordError(err)
			return 0, fmt.Errorf("purge history: %w", err)
		}
		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
