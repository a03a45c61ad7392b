package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/gigamaps/schoolstats/internal/classify"
	"github.com/gigamaps/schoolstats/internal/store"
)

// AggregateSchoolWeekly rolls the last seven days of school daily rollups into
// the current ISO week's school_weekly_status rows and repoints each school's
// current weekly reference. Returns the number of schools updated.
func (a *Aggregator) AggregateSchoolWeekly(ctx context.Context, country *store.Country, now time.Time) (int, error) {
	year, week := now.ISOWeek()
	weekAgo := store.DateOf(now).AddDate(0, 0, -7)

	schoolIDs, err := a.store.SchoolIDsWithDailySince(ctx, country.ID, weekAgo)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, schoolID := range schoolIDs {
		weekly, created, err := a.store.GetOrCreateSchoolWeekly(ctx, schoolID, year, week)
		if err != nil {
			return updated, err
		}

		// A freshly created week inherits the slowly-changing school
		// attributes from the previous weekly row; ingestion overwrites
		// them when a source re-supplies.
		if created {
			prev, err := a.store.PreviousSchoolWeekly(ctx, schoolID, weekly.Date)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return updated, err
			}
			if prev != nil {
				carryForward(weekly, prev)
			}
		}

		avg, err := a.store.SchoolDailyAverages(ctx, schoolID, weekAgo, now)
		if err != nil {
			return updated, err
		}
		connected := true
		weekly.Connectivity = &connected
		if avg != nil {
			weekly.Speed = avg.Speed
			weekly.Latency = avg.Latency
		}

		if err := a.store.SaveSchoolWeekly(ctx, weekly); err != nil {
			return updated, err
		}
		if err := a.store.SetSchoolLastWeekly(ctx, schoolID, weekly.ID); err != nil {
			return updated, err
		}
		updated++
	}

	a.log.Debug("aggregated school weekly rollups",
		"country", country.Code, "year", year, "week", week, "schools", updated)
	return updated, nil
}

func carryForward(dst, prev *store.SchoolWeekly) {
	dst.NumStudents = prev.NumStudents
	dst.NumTeachers = prev.NumTeachers
	dst.NumClassrooms = prev.NumClassrooms
	dst.NumLatrines = prev.NumLatrines
	dst.NumComputers = prev.NumComputers
	dst.RunningWater = prev.RunningWater
	dst.Electricity = prev.Electricity
	dst.ComputerLab = prev.ComputerLab
	dst.CoverageAvailability = prev.CoverageAvailability
	dst.CoverageType = prev.CoverageType
}

// AggregateCountryWeekly recomputes the country's weekly rollup from every
// school's current weekly row: tier selection, four-bucket tallies, mean
// speed/latency over positive values, the inter-school distance metric, and
// the integration status advancement.
func (a *Aggregator) AggregateCountryWeekly(ctx context.Context, country *store.Country, now time.Time) error {
	year, week := now.ISOWeek()

	weekly, created, err := a.store.GetOrCreateCountryWeekly(ctx, country.ID, year, week)
	if err != nil {
		return err
	}
	if created {
		// A new week starts from the previous week's integration status so
		// progress survives the week boundary.
		if country.LastWeeklyStatusID != nil {
			prev, err := a.store.CountryWeeklyByID(ctx, *country.LastWeeklyStatusID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if prev != nil {
				weekly.IntegrationStatus = prev.IntegrationStatus
			}
		}
		if err := a.store.SetCountryLastWeekly(ctx, country.ID, weekly.ID); err != nil {
			return err
		}
		country.LastWeeklyStatusID = &weekly.ID
	}

	current, err := a.store.CurrentSchoolWeeklies(ctx, country.ID)
	if err != nil {
		return err
	}

	if err := a.selectConnectivityTier(ctx, country, weekly, current); err != nil {
		return err
	}
	a.selectCoverageTier(country, weekly, current)

	var speedSum, latSum float64
	var speedCnt, latCnt int
	for _, w := range current {
		if w.Speed != nil && *w.Speed > 0 {
			speedSum += *w.Speed
			speedCnt++
		}
		if w.Latency != nil && *w.Latency > 0 {
			latSum += *w.Latency
			latCnt++
		}
	}
	weekly.Speed, weekly.Latency = nil, nil
	if speedCnt > 0 {
		v := speedSum / float64(speedCnt)
		weekly.Speed = &v
	}
	if latCnt > 0 {
		v := latSum / float64(latCnt)
		weekly.Latency = &v
	}

	weekly.SchoolsTotal = len(current)
	weekly.SchoolsConnected = weekly.ConnectivityTally.Good + weekly.ConnectivityTally.Moderate
	if weekly.SchoolsTotal > 0 {
		weekly.SchoolsWithDataPct = float64(weekly.SchoolsConnected) / float64(weekly.SchoolsTotal)
	} else {
		weekly.SchoolsWithDataPct = 0
	}

	advanceIntegrationStatus(weekly)

	points, err := a.store.SchoolPoints(ctx, country.ID)
	if err != nil {
		return err
	}
	weekly.AvgDistanceSchool = AvgSchoolDistance(points)

	if err := a.store.SaveCountryWeekly(ctx, weekly); err != nil {
		return err
	}

	a.log.Info("aggregated country weekly rollup",
		"country", country.Code, "year", year, "week", week,
		"schools_total", weekly.SchoolsTotal,
		"connectivity", weekly.ConnectivityAvailability,
		"coverage", weekly.CoverageAvailability,
		"integration_status", weekly.IntegrationStatus.String())
	return nil
}

// selectConnectivityTier picks the most authoritative connectivity source
// available and tallies every school against it.
func (a *Aggregator) selectConnectivityTier(ctx context.Context, country *store.Country, weekly *store.CountryWeekly, current []store.SchoolWeekly) error {
	hasRealtime, err := a.store.HasMeasurements(ctx, country.ID)
	if err != nil {
		return err
	}
	anySpeed := false
	anyFlag := false
	for _, w := range current {
		if w.Speed != nil {
			anySpeed = true
		}
		if w.Connectivity != nil {
			anyFlag = true
		}
	}

	var tally classify.Tally
	switch {
	case hasRealtime:
		weekly.ConnectivityAvailability = classify.TierRealtimeSpeed
		for _, w := range current {
			tally.Add(classify.SpeedToStatus(w.Speed))
		}
	case anySpeed:
		weekly.ConnectivityAvailability = classify.TierStaticSpeed
		for _, w := range current {
			tally.Add(classify.SpeedToStatus(w.Speed))
		}
	case anyFlag:
		weekly.ConnectivityAvailability = classify.TierConnectivity
		for _, w := range current {
			tally.Add(classify.AvailabilityToStatus(w.Connectivity))
		}
	default:
		weekly.ConnectivityAvailability = classify.TierNoConnectivity
		tally.Unknown = len(current)
	}
	weekly.ConnectivityTally = tally
	return nil
}

func (a *Aggregator) selectCoverageTier(country *store.Country, weekly *store.CountryWeekly, current []store.SchoolWeekly) {
	anyType := false
	anyFlag := false
	for _, w := range current {
		if w.CoverageType != classify.CoverageUnknown {
			anyType = true
		}
		if w.CoverageAvailability != nil {
			anyFlag = true
		}
	}

	var tally classify.Tally
	switch {
	case anyType:
		weekly.CoverageAvailability = classify.TierCoverageType
		for _, w := range current {
			status, err := classify.CoverageTypeToStatus(w.CoverageType)
			if err != nil {
				a.log.Warn("skipping school with unrecognized coverage type",
					"country", country.Code, "school_id", w.SchoolID, "error", err)
				continue
			}
			tally.Add(status)
		}
	case anyFlag:
		weekly.CoverageAvailability = classify.TierCoverageAvailability
		for _, w := range current {
			tally.Add(classify.AvailabilityToStatus(w.CoverageAvailability))
		}
	default:
		weekly.CoverageAvailability = classify.TierNoCoverage
		tally.Unknown = len(current)
	}
	weekly.CoverageTally = tally
}

// advanceIntegrationStatus moves the country forward through the onboarding
// progression as far as this week's data allows. The checks run in sequence
// on purpose: a country can climb several steps in one pass. Status never
// moves backwards here.
func advanceIntegrationStatus(weekly *store.CountryWeekly) {
	if weekly.IntegrationStatus == store.StatusCountryCreated && weekly.SchoolsTotal > 0 {
		weekly.IntegrationStatus = store.StatusSchoolOSMapped
	}
	if weekly.IntegrationStatus == store.StatusJoined && weekly.SchoolsTotal > 0 {
		weekly.IntegrationStatus = store.StatusSchoolMapped
	}
	if weekly.IntegrationStatus == store.StatusSchoolMapped &&
		(weekly.ConnectivityTally.AnyKnown() || weekly.CoverageTally.AnyKnown()) {
		weekly.IntegrationStatus = store.StatusStaticMapped
	}
	if weekly.IntegrationStatus == store.StatusStaticMapped &&
		weekly.ConnectivityAvailability == classify.TierRealtimeSpeed {
		weekly.IntegrationStatus = store.StatusRealtimeMapped
	}
}
