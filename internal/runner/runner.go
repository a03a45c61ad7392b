// Package runner schedules the ingestion syncs and the per-country
// aggregation chain, plus the daily finalization pass and the raw-measurement
// retention sweep.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/gigamaps/schoolstats/internal/aggregate"
	"github.com/gigamaps/schoolstats/internal/metrics"
	"github.com/gigamaps/schoolstats/internal/store"
)

// Task is a named unit of scheduled work, typically one source's sync run.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	Logger     *slog.Logger
	Store      store.Store
	Aggregator *aggregate.Aggregator
	Clock      clockwork.Clock

	// Syncs run in order at the start of every cycle; a failing sync is
	// logged and skipped, not fatal to the cycle.
	Syncs []Task

	// Interval is the time between cycles.
	Interval time.Duration
	// Workers bounds concurrent per-country aggregation jobs.
	Workers int
	// Retention is how long raw measurements are kept.
	Retention time.Duration
	// PruneInterval is the time between retention sweeps.
	PruneInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Aggregator == nil {
		return fmt.Errorf("aggregator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = 24 * time.Hour
	}
	return nil
}

type Runner struct {
	log        *slog.Logger
	store      store.Store
	aggregator *aggregate.Aggregator
	clock      clockwork.Clock
	syncs      []Task

	interval      time.Duration
	retention     time.Duration
	pruneInterval time.Duration

	pool pond.Pool

	mu       sync.Mutex
	inFlight map[int64]bool

	// UTC date the last finalization pass covered up to.
	finalized time.Time
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	return &Runner{
		log:           cfg.Logger,
		store:         cfg.Store,
		aggregator:    cfg.Aggregator,
		clock:         cfg.Clock,
		syncs:         cfg.Syncs,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		pruneInterval: cfg.PruneInterval,
		pool:          pond.NewPool(cfg.Workers),
		inFlight:      make(map[int64]bool),
		finalized:     store.DateOf(cfg.Clock.Now()),
	}, nil
}

// Run drives the scheduler until the context is canceled, then waits for
// in-flight aggregation jobs to finish.
func (r *Runner) Run(ctx context.Context) error {
	cycle := r.clock.NewTicker(r.interval)
	defer cycle.Stop()
	prune := r.clock.NewTicker(r.pruneInterval)
	defer prune.Stop()

	r.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.pool.StopAndWait()
			return ctx.Err()
		case <-cycle.Chan():
			r.Cycle(ctx)
		case <-prune.Chan():
			r.Prune(ctx)
		}
	}
}

// Cycle runs one scheduler pass: every sync in order, then a per-country
// aggregation job on the pool. On the first pass of a new UTC day it also
// finalizes yesterday's daily rollups.
func (r *Runner) Cycle(ctx context.Context) {
	for _, task := range r.syncs {
		if err := task.Run(ctx); err != nil {
			r.log.Error("sync failed", "task", task.Name, "error", err)
		}
	}

	countries, err := r.store.Countries(ctx)
	if err != nil {
		r.log.Error("failed to list countries", "error", err)
		return
	}

	today := store.DateOf(r.clock.Now())
	finalize := !today.Equal(r.finalized)
	if finalize {
		r.finalized = today
	}

	for _, country := range countries {
		r.dispatch(ctx, country, finalize)
	}
}

// dispatch submits the country's aggregation job unless one is already
// running; a tick arriving while a slow country still aggregates must not
// pile up duplicate work.
func (r *Runner) dispatch(ctx context.Context, country store.Country, finalize bool) {
	r.mu.Lock()
	if r.inFlight[country.ID] {
		r.mu.Unlock()
		r.log.Debug("aggregation already in flight", "country", country.Code)
		return
	}
	r.inFlight[country.ID] = true
	r.mu.Unlock()

	yesterday := store.DateOf(r.clock.Now()).AddDate(0, 0, -1)
	r.pool.Submit(func() {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, country.ID)
			r.mu.Unlock()
		}()

		start := r.clock.Now()
		if finalize {
			if err := r.aggregator.FinalizeDaily(ctx, &country, yesterday); err != nil {
				r.log.Error("daily finalization failed", "country", country.Code, "error", err)
			}
		}
		err := r.aggregator.AggregateCountry(ctx, &country)
		metrics.AggregationDuration.Observe(r.clock.Now().Sub(start).Seconds())
		if err != nil {
			metrics.AggregationRuns.WithLabelValues("error").Inc()
			r.log.Error("aggregation failed", "country", country.Code, "error", err)
			return
		}
		metrics.AggregationRuns.WithLabelValues("ok").Inc()
	})
}

// Prune removes raw measurements older than the retention window. Daily and
// weekly rollups are kept forever.
func (r *Runner) Prune(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.retention)
	n, err := r.store.DeleteMeasurementsBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("retention sweep failed", "error", err)
		return
	}
	metrics.PrunedMeasurements.Add(float64(n))
	r.log.Info("pruned raw measurements", "cutoff", cutoff, "rows", n)
}

// Wait blocks until submitted aggregation jobs have drained. Intended for
// one-shot callers and tests; Run handles this itself on shutdown.
func (r *Runner) Wait() {
	r.pool.StopAndWait()
}
