package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
)

// Writer persists presence into the durable projections.
type Writer struct {
	repo      domain.LocationRepository
	directory domain.RiderDirectory
	geo       domain.GeoIndex
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewWriter constructs a writer. directory and geo may be nil.
func NewWriter(repo domain.LocationRepository, directory domain.RiderDirectory, geo domain.GeoIndex, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		repo:      repo,
		directory: directory,
		geo:       geo,
		logger:    logger,
		tracer:    otel.Tracer("presence.writer"),
	}
}

// UpsertLatest overwrites the rider's latest row, joining name and phone from
// the directory. A failed lookup writes placeholders instead of failing.
func (w *Writer) UpsertLatest(ctx context.Context, p domain.RiderPresence) error {
	ctx, span := w.tracer.Start(ctx, "presence.upsert_latest", trace.WithAttributes(attribute.String("rider.id", p.RiderID)))
	defer span.End()

	rec := domain.LatestRecord{RiderPresence: p, RiderIdentity: w.identity(ctx, p.RiderID)}
	if err := w.repo.UpsertLatest(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert latest")
		persistFailures.WithLabelValues("latest").Inc()
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if w.geo == nil {
		return nil
	}
	var err error
	switch {
	case p.Status == domain.StatusOffline:
		err = w.geo.Remove(ctx, p.RiderID)
	case p.Location != nil:
		err = w.geo.Upsert(ctx, p.RiderID, *p.Location)
	}
	if err != nil {
		persistFailures.WithLabelValues("geo").Inc()
		return fmt.Errorf("%w: geo index: %w", domain.ErrPersistence, err)
	}
	return nil
}

// AppendHistory inserts one history sample.
func (w *Writer) AppendHistory(ctx context.Context, s domain.LocationSample) error {
	ctx, span := w.tracer.Start(ctx, "presence.append_history", trace.WithAttributes(attribute.String("rider.id", s.RiderID)))
	defer span.End()

	if err := w.repo.AppendHistory(ctx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append history")
		persistFailures.WithLabelValues("history").Inc()
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (w *Writer) identity(ctx context.Context, riderID string) domain.RiderIdentity {
	unknown := domain.RiderIdentity{Name: domain.UnknownRiderName, Phone: domain.UnknownRiderPhone}
	if w.directory == nil {
		return unknown
	}
	ident, err := w.directory.Lookup(ctx, riderID)
	if err != nil {
		w.logger.Debug("rider directory lookup failed", zap.String("rider_id", riderID), zap.Error(err))
		return unknown
	}
	if ident.Name == "" {
		ident.Name = domain.UnknownRiderName
	}
	if ident.Phone == "" {
		ident.Phone = domain.UnknownRiderPhone
	}
	return ident
}

// Lookup exposes the directory for existence checks.
func (w *Writer) Lookup(ctx context.Context, riderID string) (domain.RiderIdentity, error) {
	if w.directory == nil {
		return domain.RiderIdentity{}, nil
	}
	return w.directory.Lookup(ctx, riderID)
}
