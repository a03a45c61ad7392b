package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store backed by a pgx connection pool. Every
// method commits on its own; aggregation relies on that for restartable
// intermediate state.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateCountry(ctx context.Context, c *Country) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO countries (code, name) VALUES ($1, $2) RETURNING id`,
		c.Code, c.Name,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("create country %s: %w", c.Code, err)
	}
	return nil
}

func (p *Postgres) CountryByCode(ctx context.Context, code string) (*Country, error) {
	var c Country
	err := p.pool.QueryRow(ctx,
		`SELECT id, code, name, date_of_join, last_weekly_status_id
		 FROM countries WHERE lower(code) = lower($1)`,
		code,
	).Scan(&c.ID, &c.Code, &c.Name, &c.DateOfJoin, &c.LastWeeklyStatusID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get country %s: %w", code, err)
	}
	return &c, nil
}

func (p *Postgres) Countries(ctx context.Context) ([]Country, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, code, name, date_of_join, last_weekly_status_id
		 FROM countries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	defer rows.Close()

	var out []Country
	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.DateOfJoin, &c.LastWeeklyStatusID); err != nil {
			return nil, fmt.Errorf("scan country: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveCountry(ctx context.Context, c *Country) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE countries SET code = $2, name = $3, date_of_join = $4, last_weekly_status_id = $5
		 WHERE id = $1`,
		c.ID, c.Code, c.Name, c.DateOfJoin, c.LastWeeklyStatusID)
	if err != nil {
		return fmt.Errorf("save country %d: %w", c.ID, err)
	}
	return nil
}

func (p *Postgres) UpsertSchool(ctx context.Context, s *School) error {
	var lat, lon *float64
	if s.Geopoint != nil {
		lat, lon = &s.Geopoint.Lat, &s.Geopoint.Lon
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO schools (country_id, external_id, name, lat, lon, environment, education_level)
		 VALUES ($1, lower($2), $3, $4, $5, $6, $7)
		 ON CONFLICT (country_id, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			environment = EXCLUDED.environment,
			education_level = EXCLUDED.education_level
		 RETURNING id, external_id, last_weekly_status_id`,
		s.CountryID, s.ExternalID, s.Name, lat, lon, s.Environment, s.EducationLevel,
	).Scan(&s.ID, &s.ExternalID, &s.LastWeeklyStatusID)
	if err != nil {
		return fmt.Errorf("upsert school %s: %w", s.ExternalID, err)
	}
	return nil
}

func (p *Postgres) SchoolsByExternalID(ctx context.Context, countryID int64, externalIDs []string) (map[string]*School, error) {
	lowered := make([]string, len(externalIDs))
	for i, id := range externalIDs {
		lowered[i] = strings.ToLower(id)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, country_id, external_id, name, lat, lon, environment, education_level, last_weekly_status_id
		 FROM schools WHERE country_id = $1 AND external_id = ANY($2)`,
		countryID, lowered)
	if err != nil {
		return nil, fmt.Errorf("lookup schools: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*School)
	for rows.Next() {
		s, err := scanSchool(rows)
		if err != nil {
			return nil, err
		}
		out[s.ExternalID] = s
	}
	return out, rows.Err()
}

func scanSchool(row pgx.Row) (*School, error) {
	var s School
	var lat, lon *float64
	if err := row.Scan(&s.ID, &s.CountryID, &s.ExternalID, &s.Name, &lat, &lon,
		&s.Environment, &s.EducationLevel, &s.LastWeeklyStatusID); err != nil {
		return nil, fmt.Errorf("scan school: %w", err)
	}
	if lat != nil && lon != nil {
		s.Geopoint = &Point{Lat: *lat, Lon: *lon}
	}
	return &s, nil
}

func (p *Postgres) SchoolPoints(ctx context.Context, countryID int64) ([]Point, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT lat, lon FROM schools
		 WHERE country_id = $1 AND lat IS NOT NULL AND lon IS NOT NULL`,
		countryID)
	if err != nil {
		return nil, fmt.Errorf("school points: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var pt Point
		if err := rows.Scan(&pt.Lat, &pt.Lon); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *Postgres) SetSchoolLastWeekly(ctx context.Context, schoolID, weeklyID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE schools SET last_weekly_status_id = $2 WHERE id = $1`, schoolID, weeklyID)
	if err != nil {
		return fmt.Errorf("set school %d last weekly: %w", schoolID, err)
	}
	return nil
}

func (p *Postgres) SetCountryLastWeekly(ctx context.Context, countryID, weeklyID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE countries SET last_weekly_status_id = $2 WHERE id = $1`, countryID, weeklyID)
	if err != nil {
		return fmt.Errorf("set country %d last weekly: %w", countryID, err)
	}
	return nil
}

func (p *Postgres) DeleteCountrySchools(ctx context.Context, countryID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM schools WHERE country_id = $1`, countryID)
	if err != nil {
		return fmt.Errorf("delete country %d schools: %w", countryID, err)
	}
	return nil
}

func (p *Postgres) ClearCountryData(ctx context.Context, countryID int64) error {
	// Schools cascade their measurements and rollups.
	for _, q := range []string{
		`UPDATE countries SET last_weekly_status_id = NULL WHERE id = $1`,
		`DELETE FROM schools WHERE country_id = $1`,
		`DELETE FROM country_daily_status WHERE country_id = $1`,
		`DELETE FROM country_weekly_status WHERE country_id = $1`,
	} {
		if _, err := p.pool.Exec(ctx, q, countryID); err != nil {
			return fmt.Errorf("clear country %d data: %w", countryID, err)
		}
	}
	return nil
}

func (p *Postgres) RepairLastWeeklyPointers(ctx context.Context, countryID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE schools s SET last_weekly_status_id = (
			SELECT w.id FROM school_weekly_status w
			WHERE w.school_id = s.id ORDER BY w.date DESC, w.id DESC LIMIT 1
		 ) WHERE s.country_id = $1`, countryID)
	if err != nil {
		return fmt.Errorf("repair school pointers: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE countries c SET last_weekly_status_id = (
			SELECT w.id FROM country_weekly_status w
			WHERE w.country_id = c.id ORDER BY w.date DESC, w.id DESC LIMIT 1
		 ) WHERE c.id = $1`, countryID)
	if err != nil {
		return fmt.Errorf("repair country pointer: %w", err)
	}
	return nil
}

func (p *Postgres) InsertMeasurements(ctx context.Context, ms []Measurement) error {
	if len(ms) == 0 {
		return nil
	}
	rows := make([][]any, len(ms))
	for i, m := range ms {
		rows[i] = []any{m.SchoolID, m.Speed, m.Latency, m.RecordedAt}
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"realtime_connectivity"},
		[]string{"school_id", "connectivity_speed", "connectivity_latency", "recorded_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert %d measurements: %w", len(ms), err)
	}
	return nil
}

func (p *Postgres) HasMeasurements(ctx context.Context, countryID int64) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM realtime_connectivity r
			JOIN schools s ON s.id = r.school_id
			WHERE s.country_id = $1
		 )`, countryID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check measurements: %w", err)
	}
	return exists, nil
}

func (p *Postgres) MeasurementDailyAverages(ctx context.Context, countryID int64, date time.Time) (map[int64]Averages, error) {
	date = DateOf(date)
	rows, err := p.pool.Query(ctx,
		`SELECT r.school_id, AVG(r.connectivity_speed), AVG(r.connectivity_latency)
		 FROM realtime_connectivity r
		 JOIN schools s ON s.id = r.school_id
		 WHERE s.country_id = $1 AND r.recorded_at >= $2 AND r.recorded_at < $3
		 GROUP BY r.school_id`,
		countryID, date, date.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("measurement daily averages: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Averages)
	for rows.Next() {
		var schoolID int64
		var avg Averages
		if err := rows.Scan(&schoolID, &avg.Speed, &avg.Latency); err != nil {
			return nil, fmt.Errorf("scan averages: %w", err)
		}
		out[schoolID] = avg
	}
	return out, rows.Err()
}

func (p *Postgres) LatestMeasurementAt(ctx context.Context, schoolID int64) (*time.Time, error) {
	var latest *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT MAX(recorded_at) FROM realtime_connectivity WHERE school_id = $1`,
		schoolID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("latest measurement: %w", err)
	}
	return latest, nil
}

func (p *Postgres) DeleteMeasurementsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM realtime_connectivity WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune measurements: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) UpsertSchoolDaily(ctx context.Context, d *SchoolDaily) error {
	d.Date = DateOf(d.Date)
	err := p.pool.QueryRow(ctx,
		`INSERT INTO school_daily_status (school_id, date, connectivity_speed, connectivity_latency)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (school_id, date) DO UPDATE SET
			connectivity_speed = EXCLUDED.connectivity_speed,
			connectivity_latency = EXCLUDED.connectivity_latency
		 RETURNING id`,
		d.SchoolID, d.Date, d.Speed, d.Latency).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("upsert school daily: %w", err)
	}
	return nil
}

func (p *Postgres) CountryDailyAverages(ctx context.Context, countryID int64, date time.Time) (*Averages, error) {
	date = DateOf(date)
	var avg Averages
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT AVG(d.connectivity_speed), AVG(d.connectivity_latency), COUNT(*)
		 FROM school_daily_status d
		 JOIN schools s ON s.id = d.school_id
		 WHERE s.country_id = $1 AND d.date = $2`,
		countryID, date).Scan(&avg.Speed, &avg.Latency, &count)
	if err != nil {
		return nil, fmt.Errorf("country daily averages: %w", err)
	}
	if count == 0 || (avg.Speed == nil && avg.Latency == nil) {
		return nil, nil
	}
	return &avg, nil
}

func (p *Postgres) UpsertCountryDaily(ctx context.Context, d *CountryDaily) error {
	d.Date = DateOf(d.Date)
	err := p.pool.QueryRow(ctx,
		`INSERT INTO country_daily_status (country_id, date, connectivity_speed, connectivity_latency)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (country_id, date) DO UPDATE SET
			connectivity_speed = EXCLUDED.connectivity_speed,
			connectivity_latency = EXCLUDED.connectivity_latency
		 RETURNING id`,
		d.CountryID, d.Date, d.Speed, d.Latency).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("upsert country daily: %w", err)
	}
	return nil
}

func (p *Postgres) CountryDaily(ctx context.Context, countryID int64, date time.Time) (*CountryDaily, error) {
	var d CountryDaily
	err := p.pool.QueryRow(ctx,
		`SELECT id, country_id, date, connectivity_speed, connectivity_latency
		 FROM country_daily_status WHERE country_id = $1 AND date = $2`,
		countryID, DateOf(date)).Scan(&d.ID, &d.CountryID, &d.Date, &d.Speed, &d.Latency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get country daily: %w", err)
	}
	return &d, nil
}

func (p *Postgres) SchoolIDsWithDailySince(ctx context.Context, countryID int64, since time.Time) ([]int64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT d.school_id
		 FROM school_daily_status d
		 JOIN schools s ON s.id = d.school_id
		 WHERE s.country_id = $1 AND d.date >= $2
		 ORDER BY d.school_id`,
		countryID, DateOf(since))
	if err != nil {
		return nil, fmt.Errorf("schools with daily data: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan school id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) SchoolDailyAverages(ctx context.Context, schoolID int64, from, to time.Time) (*Averages, error) {
	var avg Averages
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT AVG(connectivity_speed), AVG(connectivity_latency), COUNT(*)
		 FROM school_daily_status
		 WHERE school_id = $1 AND date >= $2 AND date <= $3`,
		schoolID, DateOf(from), DateOf(to)).Scan(&avg.Speed, &avg.Latency, &count)
	if err != nil {
		return nil, fmt.Errorf("school daily averages: %w", err)
	}
	if count == 0 || (avg.Speed == nil && avg.Latency == nil) {
		return nil, nil
	}
	return &avg, nil
}

const schoolWeeklyColumns = `id, school_id, year, week, date,
	connectivity_speed, connectivity_latency, connectivity, connectivity_type,
	coverage_availability, coverage_type,
	num_students, num_teachers, num_classrooms, num_latrines, num_computers,
	running_water, electricity, computer_lab`

func scanSchoolWeekly(row pgx.Row) (*SchoolWeekly, error) {
	var w SchoolWeekly
	if err := row.Scan(&w.ID, &w.SchoolID, &w.Year, &w.Week, &w.Date,
		&w.Speed, &w.Latency, &w.Connectivity, &w.ConnectivityType,
		&w.CoverageAvailability, &w.CoverageType,
		&w.NumStudents, &w.NumTeachers, &w.NumClassrooms, &w.NumLatrines, &w.NumComputers,
		&w.RunningWater, &w.Electricity, &w.ComputerLab); err != nil {
		return nil, fmt.Errorf("scan school weekly: %w", err)
	}
	return &w, nil
}

func (p *Postgres) GetOrCreateSchoolWeekly(ctx context.Context, schoolID int64, year, week int) (*SchoolWeekly, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+schoolWeeklyColumns+` FROM school_weekly_status
		 WHERE school_id = $1 AND year = $2 AND week = $3`,
		schoolID, year, week)
	w, err := scanSchoolWeekly(row)
	if err == nil {
		return w, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	w = &SchoolWeekly{
		SchoolID:         schoolID,
		Year:             year,
		Week:             week,
		Date:             ISOWeekMonday(year, week),
		ConnectivityType: "unknown",
		CoverageType:     "unknown",
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO school_weekly_status (school_id, year, week, date)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (school_id, year, week) DO UPDATE SET date = EXCLUDED.date
		 RETURNING id`,
		schoolID, year, week, w.Date).Scan(&w.ID)
	if err != nil {
		return nil, false, fmt.Errorf("create school weekly: %w", err)
	}
	return w, true, nil
}

func (p *Postgres) PreviousSchoolWeekly(ctx context.Context, schoolID int64, before time.Time) (*SchoolWeekly, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+schoolWeeklyColumns+` FROM school_weekly_status
		 WHERE school_id = $1 AND date < $2
		 ORDER BY date DESC, id DESC LIMIT 1`,
		schoolID, DateOf(before))
	w, err := scanSchoolWeekly(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (p *Postgres) LatestSchoolWeekly(ctx context.Context, schoolID int64) (*SchoolWeekly, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+schoolWeeklyColumns+` FROM school_weekly_status
		 WHERE school_id = $1
		 ORDER BY date DESC, id DESC LIMIT 1`,
		schoolID)
	w, err := scanSchoolWeekly(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (p *Postgres) SaveSchoolWeekly(ctx context.Context, w *SchoolWeekly) error {
	w.Date = ISOWeekMonday(w.Year, w.Week)
	_, err := p.pool.Exec(ctx,
		`UPDATE school_weekly_status SET
			date = $2,
			connectivity_speed = $3, connectivity_latency = $4,
			connectivity = $5, connectivity_type = $6,
			coverage_availability = $7, coverage_type = $8,
			num_students = $9, num_teachers = $10, num_classrooms = $11,
			num_latrines = $12, num_computers = $13,
			running_water = $14, electricity = $15, computer_lab = $16
		 WHERE id = $1`,
		w.ID, w.Date, w.Speed, w.Latency,
		w.Connectivity, w.ConnectivityType,
		w.CoverageAvailability, string(w.CoverageType),
		w.NumStudents, w.NumTeachers, w.NumClassrooms, w.NumLatrines, w.NumComputers,
		w.RunningWater, w.Electricity, w.ComputerLab)
	if err != nil {
		return fmt.Errorf("save school weekly %d: %w", w.ID, err)
	}
	return nil
}

func (p *Postgres) CurrentSchoolWeeklies(ctx context.Context, countryID int64) ([]SchoolWeekly, error) {
	// The join on both the pointer and the owning school filters orphaned
	// pointers left behind by bulk operations.
	rows, err := p.pool.Query(ctx,
		`SELECT w.id, w.school_id, w.year, w.week, w.date,
			w.connectivity_speed, w.connectivity_latency, w.connectivity, w.connectivity_type,
			w.coverage_availability, w.coverage_type,
			w.num_students, w.num_teachers, w.num_classrooms, w.num_latrines, w.num_computers,
			w.running_water, w.electricity, w.computer_lab
		 FROM schools s
		 JOIN school_weekly_status w ON w.id = s.last_weekly_status_id AND w.school_id = s.id
		 WHERE s.country_id = $1
		 ORDER BY w.id`,
		countryID)
	if err != nil {
		return nil, fmt.Errorf("current school weeklies: %w", err)
	}
	defer rows.Close()

	var out []SchoolWeekly
	for rows.Next() {
		w, err := scanSchoolWeekly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

const countryWeeklyColumns = `id, country_id, year, week, date,
	schools_total, schools_connected, schools_with_data_percentage,
	schools_connectivity_good, schools_connectivity_moderate,
	schools_connectivity_no, schools_connectivity_unknown,
	schools_coverage_good, schools_coverage_moderate,
	schools_coverage_no, schools_coverage_unknown,
	connectivity_availability, coverage_availability,
	connectivity_speed, connectivity_latency,
	integration_status, avg_distance_school`

func scanCountryWeekly(row pgx.Row) (*CountryWeekly, error) {
	var w CountryWeekly
	if err := row.Scan(&w.ID, &w.CountryID, &w.Year, &w.Week, &w.Date,
		&w.SchoolsTotal, &w.SchoolsConnected, &w.SchoolsWithDataPct,
		&w.ConnectivityTally.Good, &w.ConnectivityTally.Moderate,
		&w.ConnectivityTally.No, &w.ConnectivityTally.Unknown,
		&w.CoverageTally.Good, &w.CoverageTally.Moderate,
		&w.CoverageTally.No, &w.CoverageTally.Unknown,
		&w.ConnectivityAvailability, &w.CoverageAvailability,
		&w.Speed, &w.Latency,
		&w.IntegrationStatus, &w.AvgDistanceSchool); err != nil {
		return nil, fmt.Errorf("scan country weekly: %w", err)
	}
	return &w, nil
}

func (p *Postgres) GetOrCreateCountryWeekly(ctx context.Context, countryID int64, year, week int) (*CountryWeekly, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+countryWeeklyColumns+` FROM country_weekly_status
		 WHERE country_id = $1 AND year = $2 AND week = $3`,
		countryID, year, week)
	w, err := scanCountryWeekly(row)
	if err == nil {
		return w, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	w = &CountryWeekly{
		CountryID:                countryID,
		Year:                     year,
		Week:                     week,
		Date:                     ISOWeekMonday(year, week),
		IntegrationStatus:        StatusCountryCreated,
		ConnectivityAvailability: "no_connectivity",
		CoverageAvailability:     "no_coverage",
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO country_weekly_status (country_id, year, week, date)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (country_id, year, week) DO UPDATE SET date = EXCLUDED.date
		 RETURNING id`,
		countryID, year, week, w.Date).Scan(&w.ID)
	if err != nil {
		return nil, false, fmt.Errorf("create country weekly: %w", err)
	}
	return w, true, nil
}

func (p *Postgres) CountryWeeklyByID(ctx context.Context, id int64) (*CountryWeekly, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+countryWeeklyColumns+` FROM country_weekly_status WHERE id = $1`, id)
	w, err := scanCountryWeekly(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (p *Postgres) LatestCountryWeekly(ctx context.Context, countryID int64) (*CountryWeekly, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+countryWeeklyColumns+` FROM country_weekly_status
		 WHERE country_id = $1
		 ORDER BY date DESC, id DESC LIMIT 1`,
		countryID)
	w, err := scanCountryWeekly(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (p *Postgres) SaveCountryWeekly(ctx context.Context, w *CountryWeekly) error {
	w.Date = ISOWeekMonday(w.Year, w.Week)
	_, err := p.pool.Exec(ctx,
		`UPDATE country_weekly_status SET
			date = $2,
			schools_total = $3, schools_connected = $4, schools_with_data_percentage = $5,
			schools_connectivity_good = $6, schools_connectivity_moderate = $7,
			schools_connectivity_no = $8, schools_connectivity_unknown = $9,
			schools_coverage_good = $10, schools_coverage_moderate = $11,
			schools_coverage_no = $12, schools_coverage_unknown = $13,
			connectivity_availability = $14, coverage_availability = $15,
			connectivity_speed = $16, connectivity_latency = $17,
			integration_status = $18, avg_distance_school = $19
		 WHERE id = $1`,
		w.ID, w.Date,
		w.SchoolsTotal, w.SchoolsConnected, w.SchoolsWithDataPct,
		w.ConnectivityTally.Good, w.ConnectivityTally.Moderate,
		w.ConnectivityTally.No, w.ConnectivityTally.Unknown,
		w.CoverageTally.Good, w.CoverageTally.Moderate,
		w.CoverageTally.No, w.CoverageTally.Unknown,
		string(w.ConnectivityAvailability), string(w.CoverageAvailability),
		w.Speed, w.Latency,
		int(w.IntegrationStatus), w.AvgDistanceSchool)
	if err != nil {
		return fmt.Errorf("save country weekly %d: %w", w.ID, err)
	}
	return nil
}

func (p *Postgres) Watermark(ctx context.Context, source string) (time.Time, bool, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT watermark FROM ingest_watermarks WHERE source = $1`, source).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", source, err)
	}
	return t, true, nil
}

func (p *Postgres) SetWatermark(ctx context.Context, source string, t time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ingest_watermarks (source, watermark) VALUES ($1, $2)
		 ON CONFLICT (source) DO UPDATE SET watermark = EXCLUDED.watermark`,
		source, t)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", source, err)
	}
	return nil
}
