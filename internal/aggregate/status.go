package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gigamaps/schoolstats/internal/store"
)

// ErrAlreadyVerified is returned by MarkJoined for countries whose data source
// has already been verified past the joined step.
var ErrAlreadyVerified = errors.New("country is already past the joined status")

// MarkJoined marks a country's data source as verified. Schools mapped from
// OpenStreetMap are placeholders, so moving from school_osm_mapped purges them
// before the roster is re-imported from the verified source. Calling it on a
// country that is already joined is a no-op.
func (a *Aggregator) MarkJoined(ctx context.Context, code string) error {
	country, err := a.store.CountryByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("mark joined %s: %w", code, err)
	}
	weekly, err := a.currentCountryWeekly(ctx, country)
	if err != nil {
		return fmt.Errorf("mark joined %s: %w", code, err)
	}

	switch {
	case weekly.IntegrationStatus == store.StatusJoined:
		return nil
	case weekly.IntegrationStatus.Rank() > store.StatusJoined.Rank():
		return fmt.Errorf("mark joined %s: %w", code, ErrAlreadyVerified)
	case weekly.IntegrationStatus == store.StatusSchoolOSMapped:
		if err := a.store.DeleteCountrySchools(ctx, country.ID); err != nil {
			return fmt.Errorf("mark joined %s: purge osm schools: %w", code, err)
		}
	}

	weekly.IntegrationStatus = store.StatusJoined
	if err := a.store.SaveCountryWeekly(ctx, weekly); err != nil {
		return fmt.Errorf("mark joined %s: %w", code, err)
	}

	joinDate := store.DateOf(a.clock.Now())
	country.DateOfJoin = &joinDate
	if err := a.store.SaveCountry(ctx, country); err != nil {
		return fmt.Errorf("mark joined %s: %w", code, err)
	}

	if a.inval != nil {
		a.inval.InvalidateCountry(country.Code)
	}
	a.log.Info("marked country as joined", "country", country.Code)
	return nil
}

// Reset wipes a country's schools, measurements and rollups and restarts its
// onboarding from country_created with a fresh weekly row for the current
// week. This is the only path that moves integration status backwards.
func (a *Aggregator) Reset(ctx context.Context, code string) error {
	country, err := a.store.CountryByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("reset %s: %w", code, err)
	}

	if err := a.store.ClearCountryData(ctx, country.ID); err != nil {
		return fmt.Errorf("reset %s: %w", code, err)
	}

	year, week := a.clock.Now().UTC().ISOWeek()
	weekly, _, err := a.store.GetOrCreateCountryWeekly(ctx, country.ID, year, week)
	if err != nil {
		return fmt.Errorf("reset %s: %w", code, err)
	}
	if err := a.store.SetCountryLastWeekly(ctx, country.ID, weekly.ID); err != nil {
		return fmt.Errorf("reset %s: %w", code, err)
	}

	if a.inval != nil {
		a.inval.InvalidateCountry(country.Code)
	}
	a.log.Info("reset country data", "country", country.Code)
	return nil
}

// currentCountryWeekly resolves the country's current weekly row, creating one
// for the current ISO week when the country has none yet.
func (a *Aggregator) currentCountryWeekly(ctx context.Context, country *store.Country) (*store.CountryWeekly, error) {
	if country.LastWeeklyStatusID != nil {
		weekly, err := a.store.CountryWeeklyByID(ctx, *country.LastWeeklyStatusID)
		if err == nil {
			return weekly, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	weekly, err := a.store.LatestCountryWeekly(ctx, country.ID)
	if err == nil {
		return weekly, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	year, week := a.clock.Now().UTC().ISOWeek()
	weekly, _, err = a.store.GetOrCreateCountryWeekly(ctx, country.ID, year, week)
	if err != nil {
		return nil, err
	}
	if err := a.store.SetCountryLastWeekly(ctx, country.ID, weekly.ID); err != nil {
		return nil, err
	}
	return weekly, nil
}
