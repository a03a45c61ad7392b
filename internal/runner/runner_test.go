package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamaps/schoolstats/internal/aggregate"
	"github.com/gigamaps/schoolstats/internal/store"
)

var testNow = time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)

func fptr(v float64) *float64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, st store.Store, clock clockwork.Clock, syncs []Task) *Runner {
	t.Helper()
	agg, err := aggregate.New(aggregate.Config{
		Logger: discardLogger(),
		Store:  st,
		Clock:  clock,
	})
	require.NoError(t, err)

	r, err := New(Config{
		Logger:     discardLogger(),
		Store:      st,
		Aggregator: agg,
		Clock:      clock,
		Syncs:      syncs,
	})
	require.NoError(t, err)
	return r
}

func seedSchoolWithMeasurement(t *testing.T, ctx context.Context, st store.Store, at time.Time) *store.Country {
	t.Helper()
	country := &store.Country{Code: "KE", Name: "Kenya"}
	require.NoError(t, st.CreateCountry(ctx, country))
	school := &store.School{CountryID: country.ID, ExternalID: "k1"}
	require.NoError(t, st.UpsertSchool(ctx, school))
	require.NoError(t, st.InsertMeasurements(ctx, []store.Measurement{
		{SchoolID: school.ID, Speed: fptr(6_000_000), Latency: fptr(30), RecordedAt: at},
	}))
	return country
}

func TestRunner_ConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "logger is required")

	agg, err := aggregate.New(aggregate.Config{Logger: discardLogger(), Store: store.NewMemory()})
	require.NoError(t, err)
	cfg = Config{Logger: discardLogger(), Store: store.NewMemory(), Aggregator: agg}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention)
	assert.Equal(t, 24*time.Hour, cfg.PruneInterval)
}

func TestRunner_Cycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	clock := clockwork.NewFakeClockAt(testNow)

	country := seedSchoolWithMeasurement(t, ctx, st, testNow.Add(-time.Hour))

	var order []string
	syncs := []Task{
		{Name: "first", Run: func(context.Context) error {
			order = append(order, "first")
			return nil
		}},
		{Name: "broken", Run: func(context.Context) error {
			order = append(order, "broken")
			return assert.AnError
		}},
		{Name: "last", Run: func(context.Context) error {
			order = append(order, "last")
			return nil
		}},
	}

	r := newTestRunner(t, st, clock, syncs)
	r.Cycle(ctx)
	r.Wait()

	// A failing sync does not stop the rest of the cycle.
	assert.Equal(t, []string{"first", "broken", "last"}, order)

	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, weekly.SchoolsTotal)
}

func TestRunner_FinalizesOncePerDay(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	clock := clockwork.NewFakeClockAt(testNow)

	// The measurement lands today; tomorrow's cycle should finalize it
	// into today's daily rollup.
	country := seedSchoolWithMeasurement(t, ctx, st, testNow)
	r := newTestRunner(t, st, clock, nil)

	r.Cycle(ctx)
	assert.Eventually(t, func() bool {
		_, err := st.CountryDaily(ctx, country.ID, testNow)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	clock.Advance(24 * time.Hour)
	r.Cycle(ctx)
	r.Wait()

	// Yesterday's rollup was re-finalized and survives.
	daily, err := st.CountryDaily(ctx, country.ID, testNow)
	require.NoError(t, err)
	require.NotNil(t, daily.Speed)
	assert.InDelta(t, 6_000_000, *daily.Speed, 0.001)
}

func TestRunner_Prune(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	clock := clockwork.NewFakeClockAt(testNow)

	country := seedSchoolWithMeasurement(t, ctx, st, testNow.AddDate(0, 0, -40))

	r := newTestRunner(t, st, clock, nil)
	r.Prune(ctx)

	has, err := st.HasMeasurements(ctx, country.ID)
	require.NoError(t, err)
	assert.False(t, has)
}
