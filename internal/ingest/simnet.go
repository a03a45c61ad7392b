package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gigamaps/schoolstats/internal/metrics"
	"github.com/gigamaps/schoolstats/internal/store"
)

const (
	simnetSource = "brazil_simnet"

	// Insert in chunks; statistic responses for a full day run to tens of
	// thousands of rows.
	simnetBatchSize = 5000
)

type SimnetConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	BaseURL     string
	CountryCode string
	HTTPClient  *http.Client
}

func (cfg *SimnetConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "BR"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return nil
}

// Simnet loads the Brazil Simnet feed: a school roster endpoint and a daily
// statistic endpoint. Unlike the watermark syncs, dedup here is per school
// against the latest measurement already stored.
type Simnet struct {
	log     *slog.Logger
	store   store.Store
	clock   clockwork.Clock
	baseURL string
	country string
	client  *http.Client
}

func NewSimnet(cfg SimnetConfig) (*Simnet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simnet config: %w", err)
	}
	return &Simnet{
		log:     cfg.Logger.With("source", simnetSource),
		store:   cfg.Store,
		clock:   cfg.Clock,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		country: cfg.CountryCode,
		client:  cfg.HTTPClient,
	}, nil
}

type simnetSchool struct {
	Code         string   `json:"CO_ENTIDADE"`
	Name         string   `json:"NO_ENTIDADE"`
	Lat          *float64 `json:"LAT"`
	Lon          *float64 `json:"LNG"`
	Location     string   `json:"TP_LOCALIZACAO"`
	Technology   string   `json:"TIPO_TECNOLOGIA"`
	NumComputers float64  `json:"QT_COMPUTADOR"`
	StudentComps float64  `json:"QT_COMP_ALUNO"`
}

var simnetEnvironments = map[string]string{
	"urbana": "urban",
	"rural":  "rural",
}

// UpdateSchools imports the school roster, upserting each school and seeding
// its current weekly row with the roster's equipment data.
func (s *Simnet) UpdateSchools(ctx context.Context) error {
	country, err := s.store.CountryByCode(ctx, s.country)
	if err != nil {
		return fmt.Errorf("simnet schools: %w", err)
	}

	var roster []simnetSchool
	if err := getJSON(ctx, s.client, s.baseURL+"/school-measures/v1/getSchools", &roster); err != nil {
		metrics.IngestErrors.WithLabelValues(simnetSource).Inc()
		return fmt.Errorf("simnet schools: %w", err)
	}

	imported := 0
	for _, row := range roster {
		if row.Code == "" || row.Name == "" || row.Lat == nil || row.Lon == nil {
			continue
		}
		if err := s.saveSchool(ctx, country, row); err != nil {
			return fmt.Errorf("simnet schools: save %s: %w", row.Code, err)
		}
		imported++
	}

	s.log.Info("imported school roster", "total", len(roster), "imported", imported)
	return nil
}

func (s *Simnet) saveSchool(ctx context.Context, country *store.Country, row simnetSchool) error {
	environment := strings.ToLower(row.Location)
	if mapped, ok := simnetEnvironments[environment]; ok {
		environment = mapped
	}

	school := &store.School{
		CountryID:   country.ID,
		ExternalID:  row.Code,
		Name:        row.Name,
		Geopoint:    &store.Point{Lat: *row.Lat, Lon: *row.Lon},
		Environment: environment,
	}
	if err := s.store.UpsertSchool(ctx, school); err != nil {
		return err
	}

	year, week := s.clock.Now().UTC().ISOWeek()
	weekly, created, err := s.store.GetOrCreateSchoolWeekly(ctx, school.ID, year, week)
	if err != nil {
		return err
	}
	if created {
		// Carry the latest known attributes into the new week before
		// applying the roster's fields.
		prev, err := s.store.PreviousSchoolWeekly(ctx, school.ID, weekly.Date)
		if err == nil {
			copyWeeklyAttributes(weekly, prev)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	connected := true
	weekly.Connectivity = &connected
	weekly.ComputerLab = row.StudentComps > 0
	numComputers := int(row.NumComputers)
	weekly.NumComputers = &numComputers
	if row.Technology != "" {
		weekly.ConnectivityType = row.Technology
	}
	if err := s.store.SaveSchoolWeekly(ctx, weekly); err != nil {
		return err
	}
	return s.store.SetSchoolLastWeekly(ctx, school.ID, weekly.ID)
}

func copyWeeklyAttributes(dst, prev *store.SchoolWeekly) {
	dst.Speed = prev.Speed
	dst.Latency = prev.Latency
	dst.Connectivity = prev.Connectivity
	dst.ConnectivityType = prev.ConnectivityType
	dst.CoverageAvailability = prev.CoverageAvailability
	dst.CoverageType = prev.CoverageType
	dst.NumStudents = prev.NumStudents
	dst.NumTeachers = prev.NumTeachers
	dst.NumClassrooms = prev.NumClassrooms
	dst.NumLatrines = prev.NumLatrines
	dst.NumComputers = prev.NumComputers
	dst.RunningWater = prev.RunningWater
	dst.Electricity = prev.Electricity
	dst.ComputerLab = prev.ComputerLab
}

type simnetStatistic struct {
	SchoolCode string   `json:"school_code"`
	Time       string   `json:"time"`
	DownMbps   *float64 `json:"tcp_down_median_mbps"`
	RTTMs      *float64 `json:"rtt_median_ms"`
}

// UpdateStatistics loads the measurement feed for one calendar date. Each
// school's rows older than its latest stored measurement are skipped, so the
// same day can be re-pulled safely.
func (s *Simnet) UpdateStatistics(ctx context.Context, date time.Time) error {
	country, err := s.store.CountryByCode(ctx, s.country)
	if err != nil {
		return fmt.Errorf("simnet statistics: %w", err)
	}

	u := fmt.Sprintf("%s/school-measures/v1/getMeasuresbyDayofYear?dayofyear=%s",
		s.baseURL, url.QueryEscape(store.DateOf(date).Format("2006-01-02")))
	var stats []simnetStatistic
	if err := getJSON(ctx, s.client, u, &stats); err != nil {
		metrics.IngestErrors.WithLabelValues(simnetSource).Inc()
		return fmt.Errorf("simnet statistics: %w", err)
	}

	schools := make(map[string]*store.School)
	lastSeen := make(map[int64]time.Time)
	var batch []store.Measurement
	persisted := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.InsertMeasurements(ctx, batch); err != nil {
			metrics.IngestErrors.WithLabelValues(simnetSource).Inc()
			return fmt.Errorf("simnet statistics: insert: %w", err)
		}
		persisted += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, row := range stats {
		if row.SchoolCode == "" || row.Time == "" || row.DownMbps == nil {
			continue
		}

		school, ok := schools[row.SchoolCode]
		if !ok {
			found, err := s.store.SchoolsByExternalID(ctx, country.ID, []string{row.SchoolCode})
			if err != nil {
				return fmt.Errorf("simnet statistics: %w", err)
			}
			school = found[strings.ToLower(row.SchoolCode)]
			schools[row.SchoolCode] = school
		}
		if school == nil {
			continue
		}

		recordedAt, err := time.Parse(time.RFC3339, row.Time)
		if err != nil {
			s.log.Warn("skipping statistic with bad timestamp", "school", row.SchoolCode, "time", row.Time)
			continue
		}
		recordedAt = recordedAt.UTC()

		seen, ok := lastSeen[school.ID]
		if !ok {
			latest, err := s.store.LatestMeasurementAt(ctx, school.ID)
			if err != nil {
				return fmt.Errorf("simnet statistics: %w", err)
			}
			if latest != nil {
				seen = *latest
			} else {
				seen = store.DateOf(recordedAt)
			}
			lastSeen[school.ID] = seen
		}
		if !recordedAt.After(seen) {
			continue
		}

		bps := *row.DownMbps * 1e6
		batch = append(batch, store.Measurement{
			SchoolID:   school.ID,
			Speed:      &bps,
			Latency:    row.RTTMs,
			RecordedAt: recordedAt,
		})
		if len(batch) == simnetBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	metrics.IngestRows.WithLabelValues(simnetSource).Add(float64(persisted))
	s.log.Info("loaded simnet statistics", "date", store.DateOf(date), "rows", len(stats), "persisted", persisted)
	return nil
}
