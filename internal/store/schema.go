package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS countries (
	id                    BIGSERIAL PRIMARY KEY,
	code                  TEXT NOT NULL UNIQUE,
	name                  TEXT NOT NULL,
	date_of_join          DATE,
	last_weekly_status_id BIGINT
);

CREATE TABLE IF NOT EXISTS schools (
	id                    BIGSERIAL PRIMARY KEY,
	country_id            BIGINT NOT NULL REFERENCES countries(id) ON DELETE CASCADE,
	external_id           TEXT NOT NULL,
	name                  TEXT NOT NULL DEFAULT '',
	lat                   DOUBLE PRECISION,
	lon                   DOUBLE PRECISION,
	environment           TEXT NOT NULL DEFAULT '',
	education_level       TEXT NOT NULL DEFAULT '',
	last_weekly_status_id BIGINT,
	UNIQUE (country_id, external_id)
);

CREATE TABLE IF NOT EXISTS realtime_connectivity (
	id                   BIGSERIAL PRIMARY KEY,
	school_id            BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
	connectivity_speed   DOUBLE PRECISION,
	connectivity_latency DOUBLE PRECISION,
	recorded_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_realtime_school_recorded
	ON realtime_connectivity(school_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_realtime_recorded
	ON realtime_connectivity(recorded_at);

CREATE TABLE IF NOT EXISTS school_daily_status (
	id                   BIGSERIAL PRIMARY KEY,
	school_id            BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
	date                 DATE NOT NULL,
	connectivity_speed   DOUBLE PRECISION,
	connectivity_latency DOUBLE PRECISION,
	UNIQUE (school_id, date)
);

CREATE TABLE IF NOT EXISTS country_daily_status (
	id                   BIGSERIAL PRIMARY KEY,
	country_id           BIGINT NOT NULL REFERENCES countries(id) ON DELETE CASCADE,
	date                 DATE NOT NULL,
	connectivity_speed   DOUBLE PRECISION,
	connectivity_latency DOUBLE PRECISION,
	UNIQUE (country_id, date)
);

CREATE TABLE IF NOT EXISTS school_weekly_status (
	id                    BIGSERIAL PRIMARY KEY,
	school_id             BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
	year                  INT NOT NULL,
	week                  INT NOT NULL,
	date                  DATE NOT NULL,
	connectivity_speed    DOUBLE PRECISION,
	connectivity_latency  DOUBLE PRECISION,
	connectivity          BOOLEAN,
	connectivity_type     TEXT NOT NULL DEFAULT 'unknown',
	coverage_availability BOOLEAN,
	coverage_type         TEXT NOT NULL DEFAULT 'unknown',
	num_students          INT,
	num_teachers          INT,
	num_classrooms        INT,
	num_latrines          INT,
	num_computers         INT,
	running_water         BOOLEAN NOT NULL DEFAULT FALSE,
	electricity           BOOLEAN NOT NULL DEFAULT FALSE,
	computer_lab          BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (school_id, year, week)
);

CREATE TABLE IF NOT EXISTS country_weekly_status (
	id                            BIGSERIAL PRIMARY KEY,
	country_id                    BIGINT NOT NULL REFERENCES countries(id) ON DELETE CASCADE,
	year                          INT NOT NULL,
	week                          INT NOT NULL,
	date                          DATE NOT NULL,
	schools_total                 INT NOT NULL DEFAULT 0,
	schools_connected             INT NOT NULL DEFAULT 0,
	schools_with_data_percentage  DOUBLE PRECISION NOT NULL DEFAULT 0,
	schools_connectivity_good     INT NOT NULL DEFAULT 0,
	schools_connectivity_moderate INT NOT NULL DEFAULT 0,
	schools_connectivity_no       INT NOT NULL DEFAULT 0,
	schools_connectivity_unknown  INT NOT NULL DEFAULT 0,
	schools_coverage_good         INT NOT NULL DEFAULT 0,
	schools_coverage_moderate     INT NOT NULL DEFAULT 0,
	schools_coverage_no           INT NOT NULL DEFAULT 0,
	schools_coverage_unknown      INT NOT NULL DEFAULT 0,
	connectivity_availability     TEXT NOT NULL DEFAULT 'no_connectivity',
	coverage_availability         TEXT NOT NULL DEFAULT 'no_coverage',
	connectivity_speed            DOUBLE PRECISION,
	connectivity_latency          DOUBLE PRECISION,
	integration_status            INT NOT NULL DEFAULT 4,
	avg_distance_school           DOUBLE PRECISION,
	UNIQUE (country_id, year, week)
);

CREATE TABLE IF NOT EXISTS ingest_watermarks (
	source     TEXT PRIMARY KEY,
	watermark  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
