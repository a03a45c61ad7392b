package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamaps/schoolstats/internal/cache"
	"github.com/gigamaps/schoolstats/internal/classify"
	"github.com/gigamaps/schoolstats/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedCountryWeekly(t *testing.T, ctx context.Context, st store.Store) *store.Country {
	t.Helper()
	country := &store.Country{Code: "BR", Name: "Brazil"}
	require.NoError(t, st.CreateCountry(ctx, country))

	weekly, _, err := st.GetOrCreateCountryWeekly(ctx, country.ID, 2025, 23)
	require.NoError(t, err)
	weekly.SchoolsTotal = 10
	weekly.SchoolsConnected = 6
	weekly.SchoolsWithDataPct = 0.6
	weekly.ConnectivityTally = classify.Tally{Good: 4, Moderate: 2, No: 1, Unknown: 3}
	weekly.ConnectivityAvailability = classify.TierRealtimeSpeed
	weekly.IntegrationStatus = store.StatusRealtimeMapped
	require.NoError(t, st.SaveCountryWeekly(ctx, weekly))
	require.NoError(t, st.SetCountryLastWeekly(ctx, country.ID, weekly.ID))
	return country
}

func newTestServer(t *testing.T, st store.Store, c *cache.Cache) *Server {
	t.Helper()
	srv, err := NewServer(Config{Logger: discardLogger(), Store: st, Cache: c})
	require.NoError(t, err)
	return srv
}

func TestAPI_CountryWeekly(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	seedCountryWeekly(t, ctx, st)
	srv := newTestServer(t, st, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/weekly", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp countryWeeklyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "BR", resp.Country.Code)
	assert.Equal(t, "realtime_mapped", resp.Country.IntegrationStatus)
	assert.Equal(t, 2025, resp.Year)
	assert.Equal(t, 23, resp.Week)
	assert.Equal(t, 10, resp.SchoolsTotal)
	assert.Equal(t, tallyResponse{Good: 4, Moderate: 2, No: 1, Unknown: 3}, resp.Connectivity)
	assert.Equal(t, "realtime_speed", resp.ConnectivityAvailability)
}

func TestAPI_CountryWeekly_NotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, store.NewMemory(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/zz/weekly", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CountryDaily(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	country := seedCountryWeekly(t, ctx, st)

	date := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	speed := 3_000_000.0
	require.NoError(t, st.UpsertCountryDaily(ctx, &store.CountryDaily{
		CountryID: country.ID, Date: date, Speed: &speed,
	}))
	srv := newTestServer(t, st, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/daily?date=2025-06-04", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp countryDailyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Speed)
	assert.InDelta(t, 3_000_000, *resp.Speed, 0.001)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/daily?date=junk", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/daily?date=2030-01-01", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Countries(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	seedCountryWeekly(t, ctx, st)
	require.NoError(t, st.CreateCountry(ctx, &store.Country{Code: "KE", Name: "Kenya"}))
	srv := newTestServer(t, st, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []countryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "realtime_mapped", resp[0].IntegrationStatus)
	// No weekly rollup yet: reported at the starting status.
	assert.Equal(t, "country_created", resp[1].IntegrationStatus)
}

func TestAPI_WeeklyCachedAndInvalidated(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := store.NewMemory()
	country := seedCountryWeekly(t, ctx, st)

	var srv *Server
	c, err := cache.New(cache.Config{
		Logger: discardLogger(),
		Refresh: func(ctx context.Context, key string) (any, error) {
			return srv.Refresh(ctx, key)
		},
	})
	require.NoError(t, err)
	srv = newTestServer(t, st, c)

	// First hit populates the cache.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/weekly", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, c.Len())

	// The store changes; the cached response is served until a refresh.
	weekly, err := st.LatestCountryWeekly(ctx, country.ID)
	require.NoError(t, err)
	weekly.SchoolsTotal = 99
	require.NoError(t, st.SaveCountryWeekly(ctx, weekly))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/weekly", nil))
	var resp countryWeeklyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.SchoolsTotal)

	// Invalidation marks the entry stale; the next read triggers a refresh
	// that picks up the new rollup.
	srv.InvalidateCountry("BR")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/countries/br/weekly", nil))

	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/countries/br/weekly", nil))
		var resp countryWeeklyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.SchoolsTotal == 99
	}, 5*time.Second, 10*time.Millisecond)
}
