// Package api serves the aggregated rollups over HTTP. Responses are cached
// softly: aggregation invalidates per-country keys and readers trigger
// background refreshes instead of waiting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gigamaps/schoolstats/internal/cache"
	"github.com/gigamaps/schoolstats/internal/store"
)

type Config struct {
	Logger *slog.Logger
	Store  store.Store

	// Cache is optional; without it every request hits the store.
	Cache *cache.Cache
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

type Server struct {
	log   *slog.Logger
	store store.Store
	cache *cache.Cache
	mux   *http.ServeMux
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	s := &Server{
		log:   cfg.Logger,
		store: cfg.Store,
		cache: cfg.Cache,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/countries", s.handleCountries)
	mux.HandleFunc("GET /v1/countries/{code}/weekly", s.handleCountryWeekly)
	mux.HandleFunc("GET /v1/countries/{code}/daily", s.handleCountryDaily)
	s.mux = mux
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Refresh recomputes the value behind a cache key; wire it as the cache's
// RefreshFunc.
func (s *Server) Refresh(ctx context.Context, key string) (any, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 3 && parts[0] == "country" && parts[2] == "weekly":
		return s.countryWeekly(ctx, parts[1])
	case len(parts) == 4 && parts[0] == "country" && parts[2] == "daily":
		date, err := time.Parse("2006-01-02", parts[3])
		if err != nil {
			return nil, fmt.Errorf("bad cache key %q: %w", key, err)
		}
		return s.countryDaily(ctx, parts[1], date)
	default:
		return nil, fmt.Errorf("unrecognized cache key %q", key)
	}
}

// InvalidateCountry satisfies the aggregator's invalidation hook.
func (s *Server) InvalidateCountry(code string) {
	if s.cache != nil {
		s.cache.Invalidate("country:" + strings.ToLower(code) + ":*")
	}
}

type countryResponse struct {
	Code              string     `json:"code"`
	Name              string     `json:"name"`
	DateOfJoin        *time.Time `json:"date_of_join,omitempty"`
	IntegrationStatus string     `json:"integration_status"`
}

type tallyResponse struct {
	Good     int `json:"good"`
	Moderate int `json:"moderate"`
	No       int `json:"no"`
	Unknown  int `json:"unknown"`
}

type countryWeeklyResponse struct {
	Country countryResponse `json:"country"`

	Year int       `json:"year"`
	Week int       `json:"week"`
	Date time.Time `json:"date"`

	SchoolsTotal       int     `json:"schools_total"`
	SchoolsConnected   int     `json:"schools_connected"`
	SchoolsWithDataPct float64 `json:"schools_with_data_percentage"`

	Connectivity             tallyResponse `json:"schools_connectivity"`
	Coverage                 tallyResponse `json:"schools_coverage"`
	ConnectivityAvailability string        `json:"connectivity_availability"`
	CoverageAvailability     string        `json:"coverage_availability"`

	Speed             *float64 `json:"connectivity_speed,omitempty"`
	Latency           *float64 `json:"connectivity_latency,omitempty"`
	AvgDistanceSchool *float64 `json:"avg_distance_school,omitempty"`
}

type countryDailyResponse struct {
	Country countryResponse `json:"country"`

	Date    time.Time `json:"date"`
	Speed   *float64  `json:"connectivity_speed,omitempty"`
	Latency *float64  `json:"connectivity_latency,omitempty"`
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := s.store.Countries(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	out := make([]countryResponse, 0, len(countries))
	for _, c := range countries {
		resp, err := s.countrySummary(r.Context(), &c)
		if err != nil {
			s.serverError(w, r, err)
			return
		}
		out = append(out, resp)
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCountryWeekly(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(r.PathValue("code"))
	key := "country:" + code + ":weekly"

	if s.cache != nil {
		if value, ok := s.cache.Get(r.Context(), key); ok {
			s.writeJSON(w, value)
			return
		}
	}

	resp, err := s.countryWeekly(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Set(key, resp)
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleCountryDaily(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(r.PathValue("code"))
	dateParam := r.URL.Query().Get("date")
	date, err := time.Parse("2006-01-02", dateParam)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	key := fmt.Sprintf("country:%s:daily:%s", code, dateParam)

	if s.cache != nil {
		if value, ok := s.cache.Get(r.Context(), key); ok {
			s.writeJSON(w, value)
			return
		}
	}

	resp, err := s.countryDaily(r.Context(), code, date)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Set(key, resp)
	}
	s.writeJSON(w, resp)
}

func (s *Server) countrySummary(ctx context.Context, country *store.Country) (countryResponse, error) {
	resp := countryResponse{
		Code:              country.Code,
		Name:              country.Name,
		DateOfJoin:        country.DateOfJoin,
		IntegrationStatus: store.StatusCountryCreated.String(),
	}
	if country.LastWeeklyStatusID == nil {
		return resp, nil
	}
	weekly, err := s.store.CountryWeeklyByID(ctx, *country.LastWeeklyStatusID)
	if errors.Is(err, store.ErrNotFound) {
		return resp, nil
	}
	if err != nil {
		return resp, err
	}
	resp.IntegrationStatus = weekly.IntegrationStatus.String()
	return resp, nil
}

func (s *Server) countryWeekly(ctx context.Context, code string) (*countryWeeklyResponse, error) {
	country, err := s.store.CountryByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	var weekly *store.CountryWeekly
	if country.LastWeeklyStatusID != nil {
		weekly, err = s.store.CountryWeeklyByID(ctx, *country.LastWeeklyStatusID)
	}
	if weekly == nil || errors.Is(err, store.ErrNotFound) {
		weekly, err = s.store.LatestCountryWeekly(ctx, country.ID)
	}
	if err != nil {
		return nil, err
	}

	return &countryWeeklyResponse{
		Country: countryResponse{
			Code:              country.Code,
			Name:              country.Name,
			DateOfJoin:        country.DateOfJoin,
			IntegrationStatus: weekly.IntegrationStatus.String(),
		},
		Year:               weekly.Year,
		Week:               weekly.Week,
		Date:               weekly.Date,
		SchoolsTotal:       weekly.SchoolsTotal,
		SchoolsConnected:   weekly.SchoolsConnected,
		SchoolsWithDataPct: weekly.SchoolsWithDataPct,
		Connectivity: tallyResponse{
			Good:     weekly.ConnectivityTally.Good,
			Moderate: weekly.ConnectivityTally.Moderate,
			No:       weekly.ConnectivityTally.No,
			Unknown:  weekly.ConnectivityTally.Unknown,
		},
		Coverage: tallyResponse{
			Good:     weekly.CoverageTally.Good,
			Moderate: weekly.CoverageTally.Moderate,
			No:       weekly.CoverageTally.No,
			Unknown:  weekly.CoverageTally.Unknown,
		},
		ConnectivityAvailability: string(weekly.ConnectivityAvailability),
		CoverageAvailability:     string(weekly.CoverageAvailability),
		Speed:                    weekly.Speed,
		Latency:                  weekly.Latency,
		AvgDistanceSchool:        weekly.AvgDistanceSchool,
	}, nil
}

func (s *Server) countryDaily(ctx context.Context, code string, date time.Time) (*countryDailyResponse, error) {
	country, err := s.store.CountryByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	daily, err := s.store.CountryDaily(ctx, country.ID, date)
	if err != nil {
		return nil, err
	}
	summary, err := s.countrySummary(ctx, country)
	if err != nil {
		return nil, err
	}
	return &countryDailyResponse{
		Country: summary,
		Date:    daily.Date,
		Speed:   daily.Speed,
		Latency: daily.Latency,
	}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", "path", r.URL.Path, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
