// Package ingest pulls per-school connectivity measurements from the upstream
// sources into the store: the realtime probe database, the daily check-in app
// API, and the Brazil Simnet feed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gigamaps/schoolstats/internal/metrics"
	"github.com/gigamaps/schoolstats/internal/store"
)

// defaultLookback bounds the first sync of a source that has no watermark yet.
const defaultLookback = 24 * time.Hour

// SourceMeasurement is one reading as reported by an upstream source, before
// school resolution and unit normalization.
type SourceMeasurement struct {
	SchoolExternalID string
	CountryCode      string
	DownloadKbps     *float64
	LatencyMs        *float64
	Timestamp        time.Time
}

// MeasurementSource is an upstream feed of measurements newer than a given
// watermark.
type MeasurementSource interface {
	Name() string
	MeasurementsSince(ctx context.Context, since time.Time) ([]SourceMeasurement, error)
}

type SyncConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock
	Source MeasurementSource

	// RequirePositive drops readings without a positive download speed and
	// latency. The probe source reports zeroes for failed tests.
	RequirePositive bool
}

func (cfg *SyncConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Source == nil {
		return fmt.Errorf("source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sync pulls a source's new measurements into the store, keyed off a
// per-source watermark. The watermark only advances after the batch has been
// persisted, so a failed run is retried in full on the next tick.
type Sync struct {
	log             *slog.Logger
	store           store.Store
	clock           clockwork.Clock
	source          MeasurementSource
	requirePositive bool
}

func NewSync(cfg SyncConfig) (*Sync, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	return &Sync{
		log:             cfg.Logger.With("source", cfg.Source.Name()),
		store:           cfg.Store,
		clock:           cfg.Clock,
		source:          cfg.Source,
		requirePositive: cfg.RequirePositive,
	}, nil
}

func (s *Sync) Run(ctx context.Context) error {
	name := s.source.Name()

	watermark, ok, err := s.store.Watermark(ctx, name)
	if err != nil {
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if !ok {
		watermark = s.clock.Now().Add(-defaultLookback)
	}

	rows, err := s.source.MeasurementsSince(ctx, watermark)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("sync %s: fetch since %s: %w", name, watermark, err)
	}
	if len(rows) == 0 {
		// Nothing upstream; move the watermark so the next empty poll
		// doesn't rescan the same window.
		if err := s.store.SetWatermark(ctx, name, s.clock.Now()); err != nil {
			return fmt.Errorf("sync %s: %w", name, err)
		}
		return nil
	}

	measurements, err := s.resolve(ctx, rows)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("sync %s: %w", name, err)
	}

	if err := s.store.InsertMeasurements(ctx, measurements); err != nil {
		metrics.IngestErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("sync %s: insert: %w", name, err)
	}

	// Max over the fetched batch, not an upstream aggregate: new rows can
	// land upstream between the two queries.
	latest := rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	if err := s.store.SetWatermark(ctx, name, latest); err != nil {
		return fmt.Errorf("sync %s: %w", name, err)
	}

	metrics.IngestRows.WithLabelValues(name).Add(float64(len(measurements)))
	s.log.Info("synced measurements",
		"fetched", len(rows), "persisted", len(measurements), "watermark", latest)
	return nil
}

// resolve maps source rows onto known schools and normalizes units. Rows for
// unknown schools are skipped, not errors: sources report schools we have not
// imported yet.
func (s *Sync) resolve(ctx context.Context, rows []SourceMeasurement) ([]store.Measurement, error) {
	byCountry := make(map[string][]SourceMeasurement)
	for _, r := range rows {
		byCountry[r.CountryCode] = append(byCountry[r.CountryCode], r)
	}

	var out []store.Measurement
	for code, group := range byCountry {
		country, err := s.store.CountryByCode(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.log.Debug("skipping measurements for unknown country", "country", code, "rows", len(group))
				continue
			}
			return nil, err
		}

		ids := make([]string, 0, len(group))
		for _, r := range group {
			ids = append(ids, r.SchoolExternalID)
		}
		schools, err := s.store.SchoolsByExternalID(ctx, country.ID, ids)
		if err != nil {
			return nil, err
		}

		for _, r := range group {
			school, ok := schools[strings.ToLower(r.SchoolExternalID)]
			if !ok {
				s.log.Debug("skipping measurement for unknown school",
					"country", code, "school", r.SchoolExternalID)
				continue
			}
			if s.requirePositive &&
				(r.DownloadKbps == nil || *r.DownloadKbps <= 0 || r.LatencyMs == nil || *r.LatencyMs <= 0) {
				continue
			}

			m := store.Measurement{
				SchoolID:   school.ID,
				Latency:    r.LatencyMs,
				RecordedAt: r.Timestamp,
			}
			if r.DownloadKbps != nil {
				bps := *r.DownloadKbps * 1024
				m.Speed = &bps
			}
			out = append(out, m)
		}
	}
	return out, nil
}
