package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enviofleett/mymoto-sub000/internal/config"
	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const insertPositionSQL = `
	INSERT INTO telemetry_positions
		(device_id, recorded_at, latitude, longitude, speed_kmh,
		 ignition_on, ignition_confidence, ignition_method, odometer_m)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (device_id, recorded_at) DO NOTHING
`

// InsertPositions writes one device's samples in stream order. The returned
// slice marks, per input row, whether the row was actually inserted; false
// means the (device_id, recorded_at) key already existed and re-ingestion is
// a no-op.
func (s *TimescaleStore) InsertPositions(ctx context.Context, positions []domain.NormalizedPosition) ([]bool, error) {
	if len(positions) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for i := range positions {
		p := &positions[i]
		batch.Queue(insertPositionSQL,
			p.DeviceID, p.TimestampUTC, p.Latitude, p.Longitude, p.SpeedKmh,
			p.IgnitionOn, p.IgnitionConfidence, string(p.IgnitionMethod), p.OdometerTotal,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make([]bool, len(positions))
	for i := range positions {
		tag, err := results.Exec()
		if err != nil {
			return nil, fmt.Errorf("insert position %d/%d: %w", i+1, len(positions), err)
		}
		inserted[i] = tag.RowsAffected() > 0
	}
	return inserted, nil
}

// OpenTrip records a newly opened trip. Replays of an already-recorded open
// are no-ops.
func (s *TimescaleStore) OpenTrip(ctx context.Context, t *domain.Trip) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trips (device_id, seq, start_time, start_latitude, start_longitude)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, seq) DO NOTHING
	`, t.DeviceID, t.Seq, t.StartTime, t.StartLatitude, t.StartLongitude)
	if err != nil {
		return fmt.Errorf("open trip %s/%d: %w", t.DeviceID, t.Seq, err)
	}
	return nil
}

// CloseTrip records a trip's closing fields. Written as an upsert so a close
// replayed after a crash lands even if the open row never did.
func (s *TimescaleStore) CloseTrip(ctx context.Context, t *domain.Trip) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trips
			(device_id, seq, start_time, start_latitude, start_longitude,
			 end_time, end_latitude, end_longitude,
			 distance_m, distance_method, avg_speed_kmh, max_speed_kmh, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (device_id, seq) DO UPDATE SET
			end_time        = EXCLUDED.end_time,
			end_latitude    = EXCLUDED.end_latitude,
			end_longitude   = EXCLUDED.end_longitude,
			distance_m      = EXCLUDED.distance_m,
			distance_method = EXCLUDED.distance_method,
			avg_speed_kmh   = EXCLUDED.avg_speed_kmh,
			max_speed_kmh   = EXCLUDED.max_speed_kmh,
			sample_count    = EXCLUDED.sample_count
	`, t.DeviceID, t.Seq, t.StartTime, t.StartLatitude, t.StartLongitude,
		t.EndTime, t.EndLatitude, t.EndLongitude,
		t.DistanceM, string(t.DistanceMethod), t.AvgSpeedKmh, t.MaxSpeedKmh, t.SampleCount)
	if err != nil {
		return fmt.Errorf("close trip %s/%d: %w", t.DeviceID, t.Seq, err)
	}
	return nil
}

const tripColumns = `
	device_id, seq, start_time, end_time,
	start_latitude, start_longitude, end_latitude, end_longitude,
	distance_m, COALESCE(distance_method, ''), avg_speed_kmh, max_speed_kmh, sample_count`

func scanTrip(row pgx.Row) (*domain.Trip, error) {
	var t domain.Trip
	var method string
	err := row.Scan(
		&t.DeviceID, &t.Seq, &t.StartTime, &t.EndTime,
		&t.StartLatitude, &t.StartLongitude, &t.EndLatitude, &t.EndLongitude,
		&t.DistanceM, &method, &t.AvgSpeedKmh, &t.MaxSpeedKmh, &t.SampleCount,
	)
	if err != nil {
		return nil, err
	}
	t.DistanceMethod = domain.DistanceMethod(method)
	return &t, nil
}

func (s *TimescaleStore) TripsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]domain.Trip, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE device_id = $1 AND start_time >= $2 AND start_time <= $3
		ORDER BY seq
	`, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query trips for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var trips []domain.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, *t)
	}
	return trips, rows.Err()
}

// OpenTripForDevice returns the device's open trip, or nil when none is open.
func (s *TimescaleStore) OpenTripForDevice(ctx context.Context, deviceID string) (*domain.Trip, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE device_id = $1 AND end_time IS NULL
	`, deviceID)

	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open trip for %s: %w", deviceID, err)
	}
	return t, nil
}

func (s *TimescaleStore) MaxTripSeq(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM trips WHERE device_id = $1`, deviceID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query max trip seq for %s: %w", deviceID, err)
	}
	return seq, nil
}

const positionColumns = `
	device_id, recorded_at, latitude, longitude, speed_kmh,
	ignition_on, ignition_confidence, ignition_method, odometer_m`

func scanPosition(row pgx.Row) (*domain.NormalizedPosition, error) {
	var p domain.NormalizedPosition
	var method string
	err := row.Scan(
		&p.DeviceID, &p.TimestampUTC, &p.Latitude, &p.Longitude, &p.SpeedKmh,
		&p.IgnitionOn, &p.IgnitionConfidence, &method, &p.OdometerTotal,
	)
	if err != nil {
		return nil, err
	}
	p.IgnitionMethod = domain.IgnitionMethod(method)
	return &p, nil
}

// LatestPosition returns the device's newest sample, or nil when the device
// has never reported.
func (s *TimescaleStore) LatestPosition(ctx context.Context, deviceID string) (*domain.NormalizedPosition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM telemetry_positions
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, deviceID)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest position for %s: %w", deviceID, err)
	}
	return p, nil
}

// PositionsSince returns a device's samples at or after since, in stream
// order. Used to rebuild an open trip's aggregates on restart.
func (s *TimescaleStore) PositionsSince(ctx context.Context, deviceID string, since time.Time) ([]domain.NormalizedPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM telemetry_positions
		WHERE device_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at
	`, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("query positions for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var positions []domain.NormalizedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *TimescaleStore) PositionsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]domain.NormalizedPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM telemetry_positions
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at
	`, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query positions for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var positions []domain.NormalizedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// MarkSyncSuccess records a clean fetch cycle for the device and resets its
// error streak.
func (s *TimescaleStore) MarkSyncSuccess(ctx context.Context, deviceID, cycleID string, fetchedAt time.Time, lastSampleAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_sync_status
			(device_id, last_fetch_at, last_sample_at, last_cycle_id, error_count, last_error)
		VALUES ($1, $2, $3, $4, 0, '')
		ON CONFLICT (device_id) DO UPDATE SET
			last_fetch_at  = EXCLUDED.last_fetch_at,
			last_sample_at = COALESCE(EXCLUDED.last_sample_at, device_sync_status.last_sample_at),
			last_cycle_id  = EXCLUDED.last_cycle_id,
			error_count    = 0,
			last_error     = ''
	`, deviceID, fetchedAt, lastSampleAt, cycleID)
	if err != nil {
		return fmt.Errorf("mark sync success for %s: %w", deviceID, err)
	}
	return nil
}

// MarkSyncError records a failed cycle, extending the device's error streak.
func (s *TimescaleStore) MarkSyncError(ctx context.Context, deviceID, cycleID string, fetchedAt time.Time, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_sync_status
			(device_id, last_fetch_at, last_sample_at, last_cycle_id, error_count, last_error)
		VALUES ($1, $2, NULL, $3, 1, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			last_fetch_at = EXCLUDED.last_fetch_at,
			last_cycle_id = EXCLUDED.last_cycle_id,
			error_count   = device_sync_status.error_count + 1,
			last_error    = EXCLUDED.last_error
	`, deviceID, fetchedAt, cycleID, message)
	if err != nil {
		return fmt.Errorf("mark sync error for %s: %w", deviceID, err)
	}
	return nil
}

// SyncStatusForDevice returns the device's fetch health, nil when the device
// has never completed a cycle.
func (s *TimescaleStore) SyncStatusForDevice(ctx context.Context, deviceID string) (*domain.SyncStatus, error) {
	var st domain.SyncStatus
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, last_fetch_at, last_sample_at, last_cycle_id, error_count, last_error
		FROM device_sync_status
		WHERE device_id = $1
	`, deviceID).Scan(&st.DeviceID, &st.LastFetchAt, &st.LastSampleAt,
		&st.LastCycleID, &st.ErrorCount, &st.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sync status for %s: %w", deviceID, err)
	}
	return &st, nil
}

func (s *TimescaleStore) ListSyncStatus(ctx context.Context) ([]domain.SyncStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, last_fetch_at, last_sample_at, last_cycle_id, error_count, last_error
		FROM device_sync_status
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query sync status: %w", err)
	}
	defer rows.Close()

	var statuses []domain.SyncStatus
	for rows.Next() {
		var st domain.SyncStatus
		if err := rows.Scan(&st.DeviceID, &st.LastFetchAt, &st.LastSampleAt,
			&st.LastCycleID, &st.ErrorCount, &st.LastError); err != nil {
			return nil, fmt.Errorf("scan sync status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}
