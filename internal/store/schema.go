package store

import (
	"context"
	"fmt"
)

// SchemaStep is one idempotent DDL statement; rerunning the sequence is safe.
type SchemaStep struct {
	Label string
	SQL   string
}

// SchemaSteps builds the telemetry schema in order: extension, tables,
// hypertable conversion, indexes.
var SchemaSteps = []SchemaStep{
	{
		Label: "timescaledb extension",
		SQL:   `CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;`,
	},
	{
		Label: "telemetry_positions table",
		SQL: `
			CREATE TABLE IF NOT EXISTS telemetry_positions (

				-- Device clock, normalized to UTC. TimescaleDB partitions by this.
				recorded_at          TIMESTAMPTZ      NOT NULL,

				-- Server receipt time; device clocks drift.
				received_at          TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

				device_id            TEXT             NOT NULL,

				latitude             DOUBLE PRECISION NOT NULL,
				longitude            DOUBLE PRECISION NOT NULL,
				speed_kmh            DOUBLE PRECISION NOT NULL DEFAULT 0,

				-- Resolved ignition state with how it was derived and how much
				-- to trust it; consumers gate on the confidence.
				ignition_on          BOOLEAN          NOT NULL DEFAULT false,
				ignition_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
				ignition_method      TEXT             NOT NULL DEFAULT 'unknown',

				-- Cumulative odometer in meters; 0 means the device did not report it.
				odometer_m           DOUBLE PRECISION NOT NULL DEFAULT 0,

				-- Re-ingesting the same sample must be a no-op.
				UNIQUE (device_id, recorded_at)
			);
		`,
	},
	{
		Label: "telemetry_positions converted to hypertable",
		SQL: `
			SELECT create_hypertable(
				'telemetry_positions',
				'recorded_at',
				if_not_exists => TRUE
			);
		`,
	},
	{
		Label: "trips table",
		SQL: `
			CREATE TABLE IF NOT EXISTS trips (

				device_id        TEXT             NOT NULL,

				-- Monotonic per device; survives restarts via MAX(seq).
				seq              BIGINT           NOT NULL,

				start_time       TIMESTAMPTZ      NOT NULL,
				-- NULL while the trip is open.
				end_time         TIMESTAMPTZ,

				start_latitude   DOUBLE PRECISION NOT NULL,
				start_longitude  DOUBLE PRECISION NOT NULL,
				end_latitude     DOUBLE PRECISION,
				end_longitude    DOUBLE PRECISION,

				distance_m       DOUBLE PRECISION NOT NULL DEFAULT 0,
				-- 'odometer' or 'geodesic'; geodesic trips are approximate.
				distance_method  TEXT,

				avg_speed_kmh    DOUBLE PRECISION NOT NULL DEFAULT 0,
				max_speed_kmh    DOUBLE PRECISION NOT NULL DEFAULT 0,
				sample_count     INTEGER          NOT NULL DEFAULT 0,

				PRIMARY KEY (device_id, seq),

				CONSTRAINT chk_trip_interval CHECK (
					end_time IS NULL OR end_time >= start_time
				),
				CONSTRAINT chk_trip_distance CHECK (distance_m >= 0)
			);
		`,
	},
	{
		Label: "device_sync_status table",
		SQL: `
			CREATE TABLE IF NOT EXISTS device_sync_status (
				device_id       TEXT        PRIMARY KEY,
				last_fetch_at   TIMESTAMPTZ NOT NULL,
				last_sample_at  TIMESTAMPTZ,
				last_cycle_id   TEXT        NOT NULL DEFAULT '',
				error_count     INTEGER     NOT NULL DEFAULT 0,
				last_error      TEXT        NOT NULL DEFAULT ''
			);
		`,
	},
	{
		Label: "uniq_trips_open (at most one open trip per device)",
		SQL: `
			CREATE UNIQUE INDEX IF NOT EXISTS uniq_trips_open
			ON trips (device_id)
			WHERE end_time IS NULL;
		`,
	},
	{
		Label: "idx_trips_device_start (trip history queries)",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_trips_device_start
			ON trips (device_id, start_time DESC);
		`,
	},
}

// ApplySchema runs all schema steps in order. report, when non-nil, is called
// with each step's label as it completes.
func (s *TimescaleStore) ApplySchema(ctx context.Context, report func(label string)) error {
	for _, step := range SchemaSteps {
		if _, err := s.pool.Exec(ctx, step.SQL); err != nil {
			return fmt.Errorf("%s: %w", step.Label, err)
		}
		if report != nil {
			report(step.Label)
		}
	}
	return nil
}

// VerifySchema confirms the tables exist and telemetry_positions is a
// hypertable.
func (s *TimescaleStore) VerifySchema(ctx context.Context) error {
	for _, table := range []string{"telemetry_positions", "trips", "device_sync_status"} {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("table %s was not created", table)
		}
	}

	var hypertable string
	err := s.pool.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'telemetry_positions'
	`).Scan(&hypertable)
	if err != nil {
		return fmt.Errorf("telemetry_positions is not a hypertable: %w", err)
	}
	return nil
}
