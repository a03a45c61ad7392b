package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/gigamaps/schoolstats/internal/aggregate"
	"github.com/gigamaps/schoolstats/internal/api"
	"github.com/gigamaps/schoolstats/internal/cache"
	"github.com/gigamaps/schoolstats/internal/ingest"
	"github.com/gigamaps/schoolstats/internal/metrics"
	"github.com/gigamaps/schoolstats/internal/runner"
	"github.com/gigamaps/schoolstats/internal/store"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr    = ":8000"
	defaultMetricsAddr   = ":8080"
	defaultSyncInterval  = 1 * time.Hour
	defaultWorkers       = 4
	defaultRetention     = 30 * 24 * time.Hour
	defaultPruneInterval = 24 * time.Hour
	defaultCacheSoftTTL  = 1 * time.Hour
	defaultCacheHardTTL  = 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")

	// Storage configuration.
	dbDSNFlag := flag.String("db-dsn", os.Getenv("DATABASE_URL"), "postgres dsn for the rollup store")
	migrateFlag := flag.Bool("migrate", true, "apply schema migrations on startup")

	// Source configuration.
	probeDBDSNFlag := flag.String("probe-db-dsn", os.Getenv("PROBE_DATABASE_URL"), "postgres dsn of the realtime probe measurement database")
	dailyCheckURLFlag := flag.String("dailycheckapp-url", os.Getenv("DAILYCHECKAPP_URL"), "base url of the daily check-in app api")
	simnetURLFlag := flag.String("simnet-url", os.Getenv("SIMNET_URL"), "base url of the brazil simnet api")

	// Scheduler configuration.
	syncIntervalFlag := flag.Duration("sync-interval", defaultSyncInterval, "interval between sync and aggregation cycles")
	workersFlag := flag.Int("workers", defaultWorkers, "maximum number of concurrent per-country aggregations")
	retentionFlag := flag.Duration("retention", defaultRetention, "how long raw measurements are kept")
	pruneIntervalFlag := flag.Duration("prune-interval", defaultPruneInterval, "interval between retention sweeps")

	// Read API configuration.
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for the read api")
	cacheSoftTTLFlag := flag.Duration("cache-soft-ttl", defaultCacheSoftTTL, "age after which cached responses refresh in the background")
	cacheHardTTLFlag := flag.Duration("cache-hard-ttl", defaultCacheHardTTL, "age after which cached responses are dropped")

	// Prometheus metrics configuration.
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	if *dbDSNFlag == "" {
		log.Error("db dsn is required (--db-dsn or DATABASE_URL)")
		return fmt.Errorf("db dsn is required")
	}

	// Start pprof server
	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Set up prometheus metrics server if enabled.
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	clock := clockwork.NewRealClock()

	db, err := store.OpenPostgres(ctx, *dbDSNFlag)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer db.Close()
	if *migrateFlag {
		if err := db.Migrate(ctx); err != nil {
			log.Error("failed to migrate schema", "error", err)
			return err
		}
	}

	// The cache refreshes through the api server and the server reads through
	// the cache, so the server variable is bound after the cache is built.
	var srv *api.Server
	responseCache, err := cache.New(cache.Config{
		Logger:  log,
		Clock:   clock,
		SoftTTL: *cacheSoftTTLFlag,
		HardTTL: *cacheHardTTLFlag,
		Refresh: func(ctx context.Context, key string) (any, error) {
			return srv.Refresh(ctx, key)
		},
	})
	if err != nil {
		log.Error("failed to create response cache", "error", err)
		return err
	}
	responseCache.Start()
	defer responseCache.Stop()

	srv, err = api.NewServer(api.Config{
		Logger: log,
		Store:  db,
		Cache:  responseCache,
	})
	if err != nil {
		log.Error("failed to create api server", "error", err)
		return err
	}

	aggregator, err := aggregate.New(aggregate.Config{
		Logger:      log,
		Store:       db,
		Clock:       clock,
		Invalidator: srv,
	})
	if err != nil {
		log.Error("failed to create aggregator", "error", err)
		return err
	}

	syncs, err := buildSyncs(ctx, log, db, clock, sourceFlags{
		probeDBDSN:    *probeDBDSNFlag,
		dailyCheckURL: *dailyCheckURLFlag,
		simnetURL:     *simnetURLFlag,
	})
	if err != nil {
		log.Error("failed to configure sources", "error", err)
		return err
	}
	if len(syncs) == 0 {
		log.Warn("no measurement sources configured, only aggregating existing data")
	}

	sched, err := runner.New(runner.Config{
		Logger:        log,
		Store:         db,
		Aggregator:    aggregator,
		Clock:         clock,
		Syncs:         syncs,
		Interval:      *syncIntervalFlag,
		Workers:       *workersFlag,
		Retention:     *retentionFlag,
		PruneInterval: *pruneIntervalFlag,
	})
	if err != nil {
		log.Error("failed to create runner", "error", err)
		return err
	}

	apiServer := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("read api listening", "address", *listenAddrFlag)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("read api server failed", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down read api", "error", err)
		}
	}()

	log.Info("starting scheduler", "version", version, "interval", *syncIntervalFlag, "workers", *workersFlag)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler failed", "error", err)
		return err
	}
	log.Info("context done, stopping")
	return nil
}

type sourceFlags struct {
	probeDBDSN    string
	dailyCheckURL string
	simnetURL     string
}

// buildSyncs assembles one scheduler task per configured source. Unset
// sources are skipped so a deployment can run any subset of the feeds.
func buildSyncs(ctx context.Context, log *slog.Logger, db store.Store, clock clockwork.Clock, flags sourceFlags) ([]runner.Task, error) {
	var syncs []runner.Task

	if flags.probeDBDSN != "" {
		probeDB, err := ingest.NewProbeDB(ctx, flags.probeDBDSN)
		if err != nil {
			return nil, fmt.Errorf("probe db: %w", err)
		}
		sync, err := ingest.NewSync(ingest.SyncConfig{
			Logger:          log,
			Store:           db,
			Clock:           clock,
			Source:          probeDB,
			RequirePositive: true,
		})
		if err != nil {
			return nil, fmt.Errorf("probe sync: %w", err)
		}
		syncs = append(syncs, runner.Task{Name: probeDB.Name(), Run: sync.Run})
	}

	if flags.dailyCheckURL != "" {
		source := ingest.NewDailyCheckAPI(flags.dailyCheckURL, nil)
		sync, err := ingest.NewSync(ingest.SyncConfig{
			Logger: log,
			Store:  db,
			Clock:  clock,
			Source: source,
		})
		if err != nil {
			return nil, fmt.Errorf("dailycheckapp sync: %w", err)
		}
		syncs = append(syncs, runner.Task{Name: source.Name(), Run: sync.Run})
	}

	if flags.simnetURL != "" {
		simnet, err := ingest.NewSimnet(ingest.SimnetConfig{
			Logger:  log,
			Store:   db,
			Clock:   clock,
			BaseURL: flags.simnetURL,
		})
		if err != nil {
			return nil, fmt.Errorf("simnet: %w", err)
		}
		syncs = append(syncs,
			runner.Task{Name: "brazil_simnet_schools", Run: simnet.UpdateSchools},
			runner.Task{Name: "brazil_simnet_statistics", Run: func(ctx context.Context) error {
				return simnet.UpdateStatistics(ctx, store.DateOf(clock.Now()))
			}},
		)
	}

	return syncs, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
