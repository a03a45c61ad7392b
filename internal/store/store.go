// Package store holds the persistence layer for schools, countries, raw
// connectivity measurements and their daily/weekly rollups. Two
// implementations exist: Postgres (production) and an in-memory store used by
// tests and one-shot tooling.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gigamaps/schoolstats/internal/classify"
)

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("not found")

// IntegrationStatus is the ordinal onboarding maturity of a country. The
// stored values predate the full sequence, so storage order is not ordinal
// order; use Rank for comparisons.
type IntegrationStatus int

const (
	StatusJoined         IntegrationStatus = 0
	StatusSchoolMapped   IntegrationStatus = 1
	StatusStaticMapped   IntegrationStatus = 2
	StatusRealtimeMapped IntegrationStatus = 3
	StatusCountryCreated IntegrationStatus = 4
	StatusSchoolOSMapped IntegrationStatus = 5
)

// Rank returns the position of the status in the onboarding progression:
// country_created, school_osm_mapped, joined, school_mapped, static_mapped,
// realtime_mapped. Progression must never move a country to a lower rank
// except through an explicit reset.
func (s IntegrationStatus) Rank() int {
	switch s {
	case StatusCountryCreated:
		return 0
	case StatusSchoolOSMapped:
		return 1
	case StatusJoined:
		return 2
	case StatusSchoolMapped:
		return 3
	case StatusStaticMapped:
		return 4
	case StatusRealtimeMapped:
		return 5
	default:
		return -1
	}
}

func (s IntegrationStatus) String() string {
	switch s {
	case StatusCountryCreated:
		return "country_created"
	case StatusSchoolOSMapped:
		return "school_osm_mapped"
	case StatusJoined:
		return "joined"
	case StatusSchoolMapped:
		return "school_mapped"
	case StatusStaticMapped:
		return "static_mapped"
	case StatusRealtimeMapped:
		return "realtime_mapped"
	default:
		return "invalid"
	}
}

// Point is a school's geographic location in degrees.
type Point struct {
	Lat float64
	Lon float64
}

type Country struct {
	ID                 int64
	Code               string
	Name               string
	DateOfJoin         *time.Time
	LastWeeklyStatusID *int64
}

type School struct {
	ID                 int64
	CountryID          int64
	ExternalID         string
	Name               string
	Geopoint           *Point
	Environment        string
	EducationLevel     string
	LastWeeklyStatusID *int64
}

// Measurement is one raw point-in-time connectivity reading for a school.
// Rows are append-only and pruned after the retention window.
type Measurement struct {
	ID         int64
	SchoolID   int64
	Speed      *float64 // bps
	Latency    *float64 // ms
	RecordedAt time.Time
}

// Averages carries mean speed/latency for some window; nil means no data.
type Averages struct {
	Speed   *float64
	Latency *float64
}

type SchoolDaily struct {
	ID       int64
	SchoolID int64
	Date     time.Time // calendar date, midnight UTC
	Speed    *float64
	Latency  *float64
}

type CountryDaily struct {
	ID        int64
	CountryID int64
	Date      time.Time
	Speed     *float64
	Latency   *float64
}

type SchoolWeekly struct {
	ID       int64
	SchoolID int64
	Year     int
	Week     int
	Date     time.Time // Monday of the ISO week

	Speed   *float64
	Latency *float64

	Connectivity     *bool
	ConnectivityType string

	CoverageAvailability *bool
	CoverageType         classify.CoverageType

	// Slowly-changing attributes, carried forward between weeks unless
	// freshly supplied.
	NumStudents   *int
	NumTeachers   *int
	NumClassrooms *int
	NumLatrines   *int
	NumComputers  *int
	RunningWater  bool
	Electricity   bool
	ComputerLab   bool
}

type CountryWeekly struct {
	ID        int64
	CountryID int64
	Year      int
	Week      int
	Date      time.Time

	SchoolsTotal             int
	SchoolsConnected         int
	SchoolsWithDataPct       float64
	ConnectivityTally        classify.Tally
	CoverageTally            classify.Tally
	ConnectivityAvailability classify.ConnectivityTier
	CoverageAvailability     classify.CoverageTier

	Speed   *float64
	Latency *float64

	IntegrationStatus IntegrationStatus
	AvgDistanceSchool *float64
}

// Store is the persistence contract consumed by the aggregators, the
// ingestion syncs and the read API. Every write commits independently; there
// is no cross-call transaction, which keeps each aggregation step its own
// commit boundary.
type Store interface {
	// Countries and schools.
	CreateCountry(ctx context.Context, c *Country) error
	CountryByCode(ctx context.Context, code string) (*Country, error)
	Countries(ctx context.Context) ([]Country, error)
	SaveCountry(ctx context.Context, c *Country) error
	UpsertSchool(ctx context.Context, s *School) error
	SchoolsByExternalID(ctx context.Context, countryID int64, externalIDs []string) (map[string]*School, error)
	SchoolPoints(ctx context.Context, countryID int64) ([]Point, error)
	SetSchoolLastWeekly(ctx context.Context, schoolID, weeklyID int64) error
	SetCountryLastWeekly(ctx context.Context, countryID, weeklyID int64) error
	DeleteCountrySchools(ctx context.Context, countryID int64) error
	ClearCountryData(ctx context.Context, countryID int64) error
	RepairLastWeeklyPointers(ctx context.Context, countryID int64) error

	// Raw measurements.
	InsertMeasurements(ctx context.Context, ms []Measurement) error
	HasMeasurements(ctx context.Context, countryID int64) (bool, error)
	MeasurementDailyAverages(ctx context.Context, countryID int64, date time.Time) (map[int64]Averages, error)
	LatestMeasurementAt(ctx context.Context, schoolID int64) (*time.Time, error)
	DeleteMeasurementsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Daily rollups.
	UpsertSchoolDaily(ctx context.Context, d *SchoolDaily) error
	CountryDailyAverages(ctx context.Context, countryID int64, date time.Time) (*Averages, error)
	UpsertCountryDaily(ctx context.Context, d *CountryDaily) error
	CountryDaily(ctx context.Context, countryID int64, date time.Time) (*CountryDaily, error)

	// Weekly rollups.
	SchoolIDsWithDailySince(ctx context.Context, countryID int64, since time.Time) ([]int64, error)
	SchoolDailyAverages(ctx context.Context, schoolID int64, from, to time.Time) (*Averages, error)
	GetOrCreateSchoolWeekly(ctx context.Context, schoolID int64, year, week int) (*SchoolWeekly, bool, error)
	PreviousSchoolWeekly(ctx context.Context, schoolID int64, before time.Time) (*SchoolWeekly, error)
	LatestSchoolWeekly(ctx context.Context, schoolID int64) (*SchoolWeekly, error)
	SaveSchoolWeekly(ctx context.Context, w *SchoolWeekly) error
	CurrentSchoolWeeklies(ctx context.Context, countryID int64) ([]SchoolWeekly, error)
	GetOrCreateCountryWeekly(ctx context.Context, countryID int64, year, week int) (*CountryWeekly, bool, error)
	CountryWeeklyByID(ctx context.Context, id int64) (*CountryWeekly, error)
	LatestCountryWeekly(ctx context.Context, countryID int64) (*CountryWeekly, error)
	SaveCountryWeekly(ctx context.Context, w *CountryWeekly) error

	// Per-source ingestion watermarks.
	Watermark(ctx context.Context, source string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, source string, t time.Time) error
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ISOWeekMonday returns the Monday that starts the given ISO year/week.
func ISOWeekMonday(year, week int) time.Time {
	// Jan 4 is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	week1Monday := jan4.AddDate(0, 0, 1-weekday)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}
