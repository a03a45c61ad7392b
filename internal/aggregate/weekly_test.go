package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamaps/schoolstats/internal/classify"
	"github.com/gigamaps/schoolstats/internal/store"
)

func seedDaily(t *testing.T, ctx context.Context, st store.Store, schoolID int64, date time.Time, speed float64) {
	t.Helper()
	require.NoError(t, st.UpsertSchoolDaily(ctx, &store.SchoolDaily{
		SchoolID: schoolID,
		Date:     date,
		Speed:    fptr(speed),
	}))
}

func currentWeekly(t *testing.T, ctx context.Context, st store.Store, schoolID int64) *store.SchoolWeekly {
	t.Helper()
	w, err := st.LatestSchoolWeekly(ctx, schoolID)
	require.NoError(t, err)
	return w
}

func TestAggregate_SchoolWeekly_CarryForward(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "BR")
	school := seedSchool(t, ctx, st, country.ID, "b1")

	// An earlier week holds the slowly-changing attributes.
	prev, _, err := st.GetOrCreateSchoolWeekly(ctx, school.ID, 2025, 20)
	require.NoError(t, err)
	prev.NumStudents = iptr(120)
	prev.NumComputers = iptr(15)
	prev.ComputerLab = true
	prev.CoverageType = classify.Coverage3G
	prev.CoverageAvailability = bptr(true)
	require.NoError(t, st.SaveSchoolWeekly(ctx, prev))

	seedDaily(t, ctx, st, school.ID, testNow.AddDate(0, 0, -2), 3_000_000)
	seedDaily(t, ctx, st, school.ID, testNow.AddDate(0, 0, -1), 5_000_000)

	n, err := agg.AggregateSchoolWeekly(ctx, country, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	weekly := currentWeekly(t, ctx, st, school.ID)
	assert.Equal(t, 2025, weekly.Year)
	assert.Equal(t, 23, weekly.Week)
	require.NotNil(t, weekly.Speed)
	assert.InDelta(t, 4_000_000, *weekly.Speed, 0.001)
	require.NotNil(t, weekly.Connectivity)
	assert.True(t, *weekly.Connectivity)

	// Attributes survived the week boundary.
	require.NotNil(t, weekly.NumStudents)
	assert.Equal(t, 120, *weekly.NumStudents)
	require.NotNil(t, weekly.NumComputers)
	assert.Equal(t, 15, *weekly.NumComputers)
	assert.True(t, weekly.ComputerLab)
	assert.Equal(t, classify.Coverage3G, weekly.CoverageType)

	// The school now points at the new week.
	schools, err := st.SchoolsByExternalID(ctx, country.ID, []string{"b1"})
	require.NoError(t, err)
	require.NotNil(t, schools["b1"].LastWeeklyStatusID)
	assert.Equal(t, weekly.ID, *schools["b1"].LastWeeklyStatusID)
}

func TestAggregate_SchoolWeekly_NoDailyData(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "ML")
	seedSchool(t, ctx, st, country.ID, "m1")

	n, err := agg.AggregateSchoolWeekly(ctx, country, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// linkWeekly creates a current weekly row for the school and applies mutate to
// it before linking.
func linkWeekly(t *testing.T, ctx context.Context, st store.Store, schoolID int64, mutate func(*store.SchoolWeekly)) {
	t.Helper()
	w, _, err := st.GetOrCreateSchoolWeekly(ctx, schoolID, 2025, 23)
	require.NoError(t, err)
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, st.SaveSchoolWeekly(ctx, w))
	require.NoError(t, st.SetSchoolLastWeekly(ctx, schoolID, w.ID))
}

func TestAggregate_CountryWeekly_StaticSpeedTier(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "UG")
	good := seedSchool(t, ctx, st, country.ID, "u1")
	moderate := seedSchool(t, ctx, st, country.ID, "u2")
	down := seedSchool(t, ctx, st, country.ID, "u3")
	unknown := seedSchool(t, ctx, st, country.ID, "u4")

	linkWeekly(t, ctx, st, good.ID, func(w *store.SchoolWeekly) {
		w.Speed = fptr(8_000_000)
		w.Latency = fptr(25)
	})
	linkWeekly(t, ctx, st, moderate.ID, func(w *store.SchoolWeekly) {
		w.Speed = fptr(1_000_000)
		w.Latency = fptr(75)
	})
	linkWeekly(t, ctx, st, down.ID, func(w *store.SchoolWeekly) {
		w.Speed = fptr(0)
	})
	linkWeekly(t, ctx, st, unknown.ID, nil)

	require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))

	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, classify.TierStaticSpeed, weekly.ConnectivityAvailability)
	assert.Equal(t, classify.Tally{Good: 1, Moderate: 1, No: 1, Unknown: 1}, weekly.ConnectivityTally)
	assert.Equal(t, 4, weekly.SchoolsTotal)
	assert.Equal(t, 2, weekly.SchoolsConnected)
	assert.InDelta(t, 0.5, weekly.SchoolsWithDataPct, 0.0001)

	// Means only over positive values; the zero speed is excluded.
	require.NotNil(t, weekly.Speed)
	assert.InDelta(t, 4_500_000, *weekly.Speed, 0.001)
	require.NotNil(t, weekly.Latency)
	assert.InDelta(t, 50, *weekly.Latency, 0.001)

	// Pointer follows the rollup.
	cc, err := st.CountryByCode(ctx, "UG")
	require.NoError(t, err)
	require.NotNil(t, cc.LastWeeklyStatusID)
	assert.Equal(t, weekly.ID, *cc.LastWeeklyStatusID)
}

func TestAggregate_CountryWeekly_RealtimeTierWins(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "KE")
	school := seedSchool(t, ctx, st, country.ID, "k1")
	linkWeekly(t, ctx, st, school.ID, func(w *store.SchoolWeekly) {
		w.Speed = fptr(6_000_000)
	})
	require.NoError(t, st.InsertMeasurements(ctx, []store.Measurement{
		{SchoolID: school.ID, Speed: fptr(6_000_000), RecordedAt: testNow},
	}))

	require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))
	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, classify.TierRealtimeSpeed, weekly.ConnectivityAvailability)
	assert.Equal(t, classify.Tally{Good: 1}, weekly.ConnectivityTally)
}

func TestAggregate_CountryWeekly_AvailabilityTier(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "TZ")
	up := seedSchool(t, ctx, st, country.ID, "t1")
	downSchool := seedSchool(t, ctx, st, country.ID, "t2")
	linkWeekly(t, ctx, st, up.ID, func(w *store.SchoolWeekly) {
		w.Connectivity = bptr(true)
	})
	linkWeekly(t, ctx, st, downSchool.ID, func(w *store.SchoolWeekly) {
		w.Connectivity = bptr(false)
	})

	require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))
	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, classify.TierConnectivity, weekly.ConnectivityAvailability)
	assert.Equal(t, classify.Tally{Good: 1, No: 1}, weekly.ConnectivityTally)
	assert.Nil(t, weekly.Speed)
}

func TestAggregate_CountryWeekly_NoData(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "SS")
	s := seedSchool(t, ctx, st, country.ID, "s1")
	linkWeekly(t, ctx, st, s.ID, nil)

	require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))
	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, classify.TierNoConnectivity, weekly.ConnectivityAvailability)
	assert.Equal(t, classify.TierNoCoverage, weekly.CoverageAvailability)
	assert.Equal(t, classify.Tally{Unknown: 1}, weekly.ConnectivityTally)
	assert.Equal(t, classify.Tally{Unknown: 1}, weekly.CoverageTally)
	assert.Zero(t, weekly.SchoolsWithDataPct)
}

func TestAggregate_CountryWeekly_CoverageTiers(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("coverage type wins over availability", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemory()
		agg := newTestAggregator(t, st, nil)
		country := seedCountry(t, ctx, st, "GH")
		a := seedSchool(t, ctx, st, country.ID, "g1")
		b := seedSchool(t, ctx, st, country.ID, "g2")
		c := seedSchool(t, ctx, st, country.ID, "g3")
		linkWeekly(t, ctx, st, a.ID, func(w *store.SchoolWeekly) {
			w.CoverageType = classify.Coverage4G
		})
		linkWeekly(t, ctx, st, b.ID, func(w *store.SchoolWeekly) {
			w.CoverageType = classify.Coverage2G
			w.CoverageAvailability = bptr(false)
		})
		linkWeekly(t, ctx, st, c.ID, nil)

		require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))
		weekly, err := st.LatestCountryWeekly(ctx, country.ID)
		require.NoError(t, err)
		assert.Equal(t, classify.TierCoverageType, weekly.CoverageAvailability)
		assert.Equal(t, classify.Tally{Good: 1, Moderate: 1, Unknown: 1}, weekly.CoverageTally)
	})

	t.Run("availability fallback", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemory()
		agg := newTestAggregator(t, st, nil)
		country := seedCountry(t, ctx, st, "SN")
		a := seedSchool(t, ctx, st, country.ID, "s1")
		linkWeekly(t, ctx, st, a.ID, func(w *store.SchoolWeekly) {
			w.CoverageAvailability = bptr(true)
		})

		require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))
		weekly, err := st.LatestCountryWeekly(ctx, country.ID)
		require.NoError(t, err)
		assert.Equal(t, classify.TierCoverageAvailability, weekly.CoverageAvailability)
		assert.Equal(t, classify.Tally{Good: 1}, weekly.CoverageTally)
	})
}

func TestAggregate_IntegrationStatusAdvancement(t *testing.T) {
	t.Parallel()

	t.Run("country created advances to osm mapped", func(t *testing.T) {
		t.Parallel()
		w := &store.CountryWeekly{IntegrationStatus: store.StatusCountryCreated, SchoolsTotal: 3}
		advanceIntegrationStatus(w)
		assert.Equal(t, store.StatusSchoolOSMapped, w.IntegrationStatus)
	})

	t.Run("joined cascades to realtime mapped in one pass", func(t *testing.T) {
		t.Parallel()
		w := &store.CountryWeekly{
			IntegrationStatus:        store.StatusJoined,
			SchoolsTotal:             3,
			ConnectivityTally:        classify.Tally{Good: 2, Unknown: 1},
			ConnectivityAvailability: classify.TierRealtimeSpeed,
		}
		advanceIntegrationStatus(w)
		assert.Equal(t, store.StatusRealtimeMapped, w.IntegrationStatus)
	})

	t.Run("school mapped needs a known bucket", func(t *testing.T) {
		t.Parallel()
		w := &store.CountryWeekly{
			IntegrationStatus: store.StatusSchoolMapped,
			SchoolsTotal:      2,
			ConnectivityTally: classify.Tally{Unknown: 2},
			CoverageTally:     classify.Tally{Unknown: 2},
		}
		advanceIntegrationStatus(w)
		assert.Equal(t, store.StatusSchoolMapped, w.IntegrationStatus)

		w.CoverageTally = classify.Tally{No: 1, Unknown: 1}
		advanceIntegrationStatus(w)
		assert.Equal(t, store.StatusStaticMapped, w.IntegrationStatus)
	})

	t.Run("static mapped needs realtime tier", func(t *testing.T) {
		t.Parallel()
		w := &store.CountryWeekly{
			IntegrationStatus:        store.StatusStaticMapped,
			SchoolsTotal:             1,
			ConnectivityAvailability: classify.TierStaticSpeed,
			ConnectivityTally:        classify.Tally{Good: 1},
		}
		advanceIntegrationStatus(w)
		assert.Equal(t, store.StatusStaticMapped, w.IntegrationStatus)

		w.ConnectivityAvailability = classify.TierRealtimeSpeed
		advanceIntegrationStatus(w)
		assert.Equal(t, store.StatusRealtimeMapped, w.IntegrationStatus)
	})
}

func TestAggregate_CountryWeekly_StatusCarriesAcrossWeeks(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	agg := newTestAggregator(t, st, nil)

	country := seedCountry(t, ctx, st, "RW")

	// Last week ended at static_mapped.
	prev, _, err := st.GetOrCreateCountryWeekly(ctx, country.ID, 2025, 22)
	require.NoError(t, err)
	prev.IntegrationStatus = store.StatusStaticMapped
	require.NoError(t, st.SaveCountryWeekly(ctx, prev))
	require.NoError(t, st.SetCountryLastWeekly(ctx, country.ID, prev.ID))
	country, err = st.CountryByCode(ctx, "RW")
	require.NoError(t, err)

	school := seedSchool(t, ctx, st, country.ID, "r1")
	linkWeekly(t, ctx, st, school.ID, func(w *store.SchoolWeekly) {
		w.Speed = fptr(6_000_000)
	})

	require.NoError(t, agg.AggregateCountryWeekly(ctx, country, testNow))
	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, 23, weekly.Week)
	assert.Equal(t, store.StatusStaticMapped, weekly.IntegrationStatus)
	assert.NotEqual(t, prev.ID, weekly.ID)
}

func TestAggregate_CountryChain(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	inval := &fakeInvalidator{}
	agg := newTestAggregator(t, st, inval)

	country := seedCountry(t, ctx, st, "BR")
	a := seedSchool(t, ctx, st, country.ID, "b1")
	b := seedSchool(t, ctx, st, country.ID, "b2")

	require.NoError(t, st.InsertMeasurements(ctx, []store.Measurement{
		{SchoolID: a.ID, Speed: fptr(8_000_000), Latency: fptr(20), RecordedAt: testNow.Add(-time.Hour)},
		{SchoolID: b.ID, Speed: fptr(2_000_000), Latency: fptr(60), RecordedAt: testNow.Add(-time.Hour)},
	}))

	require.NoError(t, agg.AggregateCountry(ctx, country))

	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, classify.TierRealtimeSpeed, weekly.ConnectivityAvailability)
	assert.Equal(t, classify.Tally{Good: 1, Moderate: 1}, weekly.ConnectivityTally)
	assert.Equal(t, 2, weekly.SchoolsTotal)
	assert.Equal(t, 2, weekly.SchoolsConnected)

	// country_created -> school_osm_mapped is as far as an unverified
	// country can go.
	assert.Equal(t, store.StatusSchoolOSMapped, weekly.IntegrationStatus)
	assert.Equal(t, []string{"BR"}, inval.codes)
}
