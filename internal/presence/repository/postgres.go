package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/riderpresence/internal/presence/domain"
)

// Postgres stores both projections in Postgres. Latest rows are upserted with
// a version guard so an older write never replaces a newer one.
type Postgres struct {
	db        *sql.DB
	retention time.Duration
	clock     domain.Clock
}

// NewPostgres constructs a repository on an open pgx-backed *sql.DB.
func NewPostgres(db *sql.DB, retention time.Duration, clock domain.Clock) *Postgres {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Postgres{db: db, retention: retention, clock: clock}
}

const upsertLatestSQL = `
INSERT INTO rider_locations_latest
	(rider_id, name, phone, lat, lng, speed, bearing, battery_level, status, last_update, status_changed_at, reported_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (rider_id) DO UPDATE SET
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	lat = COALESCE(EXCLUDED.lat, rider_locations_latest.lat),
	lng = COALESCE(EXCLUDED.lng, rider_locations_latest.lng),
	speed = EXCLUDED.speed,
	bearing = EXCLUDED.bearing,
	battery_level = EXCLUDED.battery_level,
	status = EXCLUDED.status,
	last_update = EXCLUDED.last_update,
	status_changed_at = EXCLUDED.status_changed_at,
	reported_at = EXCLUDED.reported_at,
	updated_at = now()
WHERE (rider_locations_latest.last_update, rider_locations_latest.status_changed_at)
	<= (EXCLUDED.last_update, EXCLUDED.status_changed_at)`

// UpsertLatest satisfies domain.LocationRepository.
func (p *Postgres) UpsertLatest(ctx context.Context, rec domain.LatestRecord) error {
	var lat, lng sql.NullFloat64
	if rec.Location != nil {
		lat = sql.NullFloat64{Float64: rec.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: rec.Location.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, upsertLatestSQL,
		rec.RiderID, rec.Name, rec.Phone, lat, lng,
		rec.Speed, rec.Bearing, rec.BatteryLevel, string(rec.Status),
		rec.LastUpdateAt, rec.StatusChangedAt, nullTime(rec.ReportedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert latest %s: %w", rec.RiderID, err)
	}
	return nil
}

const insertHistorySQL = `
INSERT INTO rider_location_history
	(rider_id, lat, lng, speed, bearing, battery_level, status, trip_id, recorded_at, client_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`

// AppendHistory satisfies domain.LocationRepository.
func (p *Postgres) AppendHistory(ctx context.Context, s domain.LocationSample) error {
	_, err := p.db.ExecContext(ctx, insertHistorySQL,
		s.RiderID, s.Point.Lat, s.Point.Lng, s.Speed, s.Bearing, s.BatteryLevel,
		string(s.Status), s.TripID, s.RecordedAt, nullTime(s.ClientAt), s.RecordedAt.Add(p.retention),
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", s.RiderID, err)
	}
	return nil
}

const latestColumns = `rider_id, name, phone, lat, lng, speed, bearing, battery_level, status, last_update, status_changed_at, reported_at`

// Latest satisfies domain.LocationRepository.
func (p *Postgres) Latest(ctx context.Context, riderID string) (domain.LatestRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+latestColumns+` FROM rider_locations_latest WHERE rider_id = $1`, riderID)
	rec, err := scanLatest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LatestRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LatestRecord{}, fmt.Errorf("select latest %s: %w", riderID, err)
	}
	return rec, nil
}

// ListLatest satisfies domain.LocationRepository.
func (p *Postgres) ListLatest(ctx context.Context, since time.Time) ([]domain.LatestRecord, error) {
	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+latestColumns+` FROM rider_locations_latest
		WHERE $1::timestamptz IS NULL OR last_update >= $1::timestamptz
		ORDER BY rider_id`, sinceArg)
	if err != nil {
		return nil, fmt.Errorf("select latest rows: %w", err)
	}
	defer rows.Close()
	var res []domain.LatestRecord
	for rows.Next() {
		rec, err := scanLatest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest: %w", err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest: %w", err)
	}
	return res, nil
}

// History satisfies domain.LocationRepository.
func (p *Postgres) History(ctx context.Context, riderID string, r domain.TimeRange, limit int) ([]domain.LocationSample, error) {
	var from, to, lim any
	if !r.From.IsZero() {
		from = r.From
	}
	if !r.To.IsZero() {
		to = r.To
	}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT rider_id, lat, lng, speed, bearing, battery_level, status, COALESCE(trip_id, ''), recorded_at, client_at
		FROM rider_location_history
		WHERE rider_id = $1
			AND expires_at > $2
			AND ($3::timestamptz IS NULL OR recorded_at >= $3::timestamptz)
			AND ($4::timestamptz IS NULL OR recorded_at <= $4::timestamptz)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $5`, riderID, p.clock.Now(), from, to, lim)
	if err != nil {
		return nil, fmt.Errorf("select history %s: %w", riderID, err)
	}
	defer rows.Close()
	var res []domain.LocationSample
	for rows.Next() {
		var (
			s        domain.LocationSample
			status   string
			clientAt sql.NullTime
		)
		if err := rows.Scan(&s.RiderID, &s.Point.Lat, &s.Point.Lng, &s.Speed, &s.Bearing, &s.BatteryLevel,
			&status, &s.TripID, &s.RecordedAt, &clientAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		s.Status = domain.Status(status)
		s.RecordedAt = s.RecordedAt.UTC()
		if clientAt.Valid {
			at := clientAt.Time.UTC()
			s.ClientAt = &at
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return res, nil
}

// PurgeHistory satisfies domain.LocationRepository.
func (p *Postgres) PurgeHistory(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rider_location_history WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge history rows: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLatest(row rowScanner) (domain.LatestRecord, error) {
	var (
		rec        domain.LatestRecord
		lat, lng   sql.NullFloat64
		status     string
		reportedAt sql.NullTime
	)
	if err := row.Scan(&rec.RiderID, &rec.Name, &rec.Phone, &lat, &lng, &rec.Speed, &rec.Bearing,
		&rec.BatteryLevel, &status, &rec.LastUpdateAt, &rec.StatusChangedAt, &reportedAt); err != nil {
		return domain.LatestRecord{}, err
	}
	rec.Status = domain.Status(status)
	rec.LastUpdateAt = rec.LastUpdateAt.UTC()
	rec.StatusChangedAt = rec.StatusChangedAt.UTC()
	if lat.Valid && lng.Valid {
		rec.Location = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if reportedAt.Valid {
		at := reportedAt.Time.UTC()
		rec.ReportedAt = &at
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
