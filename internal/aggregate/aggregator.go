// Package aggregate turns raw connectivity measurements into the daily and
// weekly rollups served by the read API, and advances each country's
// integration status as data arrives.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gigamaps/schoolstats/internal/store"
)

// Invalidator is notified after a country's rollups change so cached read
// responses can be refreshed. Invalidation is best-effort; failures must not
// fail the aggregation.
type Invalidator interface {
	InvalidateCountry(code string)
}

type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	// Invalidator is optional; nil disables cache invalidation.
	Invalidator Invalidator
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Aggregator struct {
	log   *slog.Logger
	store store.Store
	clock clockwork.Clock
	inval Invalidator
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aggregator config: %w", err)
	}
	return &Aggregator{
		log:   cfg.Logger,
		store: cfg.Store,
		clock: cfg.Clock,
		inval: cfg.Invalidator,
	}, nil
}

// AggregateCountry runs the full per-country chain for the current day and
// ISO week: school daily, country daily, school weekly, and, when any school
// weekly changed, the country weekly. Re-running it is idempotent.
func (a *Aggregator) AggregateCountry(ctx context.Context, country *store.Country) error {
	now := a.clock.Now().UTC()

	if _, err := a.AggregateSchoolDaily(ctx, country, now); err != nil {
		return fmt.Errorf("school daily for %s: %w", country.Code, err)
	}
	if err := a.AggregateCountryDaily(ctx, country, now); err != nil {
		return fmt.Errorf("country daily for %s: %w", country.Code, err)
	}

	updated, err := a.AggregateSchoolWeekly(ctx, country, now)
	if err != nil {
		return fmt.Errorf("school weekly for %s: %w", country.Code, err)
	}
	if updated > 0 {
		if err := a.AggregateCountryWeekly(ctx, country, now); err != nil {
			return fmt.Errorf("country weekly for %s: %w", country.Code, err)
		}
	}

	if a.inval != nil {
		a.inval.InvalidateCountry(country.Code)
	}
	return nil
}

// FinalizeDaily re-aggregates the daily rollups for a past date, typically
// yesterday, so measurements that arrived after midnight still land in the
// right day. Weekly rollups are left to the regular chain.
func (a *Aggregator) FinalizeDaily(ctx context.Context, country *store.Country, date time.Time) error {
	if _, err := a.AggregateSchoolDaily(ctx, country, date); err != nil {
		return fmt.Errorf("finalize school daily for %s: %w", country.Code, err)
	}
	if err := a.AggregateCountryDaily(ctx, country, date); err != nil {
		return fmt.Errorf("finalize country daily for %s: %w", country.Code, err)
	}
	if a.inval != nil {
		a.inval.InvalidateCountry(country.Code)
	}
	return nil
}

// AggregateSchoolDaily rolls the date's raw measurements up into one
// school_daily_status row per school with data. Returns the number of schools
// touched.
func (a *Aggregator) AggregateSchoolDaily(ctx context.Context, country *store.Country, date time.Time) (int, error) {
	avgs, err := a.store.MeasurementDailyAverages(ctx, country.ID, date)
	if err != nil {
		return 0, err
	}
	for schoolID, avg := range avgs {
		daily := &store.SchoolDaily{
			SchoolID: schoolID,
			Date:     date,
			Speed:    avg.Speed,
			Latency:  avg.Latency,
		}
		if err := a.store.UpsertSchoolDaily(ctx, daily); err != nil {
			return 0, err
		}
	}
	a.log.Debug("aggregated school daily rollups",
		"country", country.Code, "date", store.DateOf(date), "schools", len(avgs))
	return len(avgs), nil
}

// AggregateCountryDaily averages the date's school daily rollups into the
// country daily row. No school rollups for the date means no country row.
func (a *Aggregator) AggregateCountryDaily(ctx context.Context, country *store.Country, date time.Time) error {
	avg, err := a.store.CountryDailyAverages(ctx, country.ID, date)
	if err != nil {
		return err
	}
	if avg == nil {
		return nil
	}
	daily := &store.CountryDaily{
		CountryID: country.ID,
		Date:      date,
		Speed:     avg.Speed,
		Latency:   avg.Latency,
	}
	return a.store.UpsertCountryDaily(ctx, daily)
}
