package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/gigamaps/schoolstats/internal/aggregate"
	"github.com/gigamaps/schoolstats/internal/ingest"
	"github.com/gigamaps/schoolstats/internal/store"
)

const defaultRetention = 30 * 24 * time.Hour

var (
	dbDSN     string
	verbose   bool
	retention time.Duration
	simnetURL string
	statsDate string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "schoolstats",
	Short: "School connectivity statistics admin tool",
	Long: `schoolstats manages the connectivity rollup store: registering countries,
running one-shot aggregations, and repairing derived state.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("schoolstats %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("schema up to date")
	},
}

var addCountryCmd = &cobra.Command{
	Use:   "add-country CODE NAME",
	Short: "Register a country in the rollup store",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()

		country := &store.Country{Code: strings.ToUpper(args[0]), Name: args[1]}
		if err := db.CreateCountry(ctx, country); err != nil {
			log.Error("failed to create country", "code", country.Code, "error", err)
			os.Exit(1)
		}
		log.Info("country created", "code", country.Code, "id", country.ID)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [CODE]",
	Short: "Run the aggregation chain for one country, or for all countries",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()
		agg := mustAggregator(log, db)

		var countries []store.Country
		if len(args) == 1 {
			country, err := db.CountryByCode(ctx, args[0])
			if err != nil {
				log.Error("failed to load country", "code", args[0], "error", err)
				os.Exit(1)
			}
			countries = []store.Country{*country}
		} else {
			var err error
			countries, err = db.Countries(ctx)
			if err != nil {
				log.Error("failed to list countries", "error", err)
				os.Exit(1)
			}
		}

		for _, country := range countries {
			if err := agg.AggregateCountry(ctx, &country); err != nil {
				log.Error("aggregation failed", "country", country.Code, "error", err)
				os.Exit(1)
			}
			log.Info("aggregated", "country", country.Code)
		}
	},
}

var markJoinedCmd = &cobra.Command{
	Use:   "mark-joined CODE",
	Short: "Mark a country as verified and joined",
	Long: `Marking a country joined records its join date and restarts the
integration progression from the joined status. Countries already past the
mapping stage are left untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()
		agg := mustAggregator(log, db)

		err := agg.MarkJoined(ctx, args[0])
		if errors.Is(err, aggregate.ErrAlreadyVerified) {
			log.Info("country already verified, nothing to do", "country", args[0])
			return
		}
		if err != nil {
			log.Error("failed to mark country joined", "country", args[0], "error", err)
			os.Exit(1)
		}
		log.Info("country marked joined", "country", args[0])
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset CODE",
	Short: "Clear a country's schools, measurements, and rollups",
	Long: `Reset removes the country's schools and every derived row, then seeds a
fresh weekly record at the starting integration status. The country itself and
its join date are kept.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()
		agg := mustAggregator(log, db)

		if err := agg.Reset(ctx, args[0]); err != nil {
			log.Error("failed to reset country", "country", args[0], "error", err)
			os.Exit(1)
		}
		log.Info("country reset", "country", args[0])
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair CODE",
	Short: "Repair a country's latest-weekly pointers",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()

		country, err := db.CountryByCode(ctx, args[0])
		if err != nil {
			log.Error("failed to load country", "code", args[0], "error", err)
			os.Exit(1)
		}
		if err := db.RepairLastWeeklyPointers(ctx, country.ID); err != nil {
			log.Error("failed to repair pointers", "country", country.Code, "error", err)
			os.Exit(1)
		}
		log.Info("pointers repaired", "country", country.Code)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete raw measurements older than the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()

		cutoff := time.Now().Add(-retention)
		n, err := db.DeleteMeasurementsBefore(ctx, cutoff)
		if err != nil {
			log.Error("prune failed", "error", err)
			os.Exit(1)
		}
		log.Info("pruned raw measurements", "cutoff", cutoff, "rows", n)
	},
}

var simnetCmd = &cobra.Command{
	Use:   "simnet",
	Short: "One-shot Brazil Simnet imports",
}

var simnetSchoolsCmd = &cobra.Command{
	Use:   "import-schools",
	Short: "Import the Simnet school roster",
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()

		simnet := mustSimnet(log, db)
		if err := simnet.UpdateSchools(ctx); err != nil {
			log.Error("roster import failed", "error", err)
			os.Exit(1)
		}
		log.Info("roster imported")
	},
}

var simnetStatisticsCmd = &cobra.Command{
	Use:   "import-statistics",
	Short: "Import one day of Simnet measurements",
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger(verbose)
		ctx, db := mustOpen(log)
		defer db.Close()

		day := store.DateOf(time.Now())
		if statsDate != "" {
			parsed, err := time.Parse("2006-01-02", statsDate)
			if err != nil {
				log.Error("date must be YYYY-MM-DD", "date", statsDate)
				os.Exit(1)
			}
			day = parsed
		}

		simnet := mustSimnet(log, db)
		if err := simnet.UpdateStatistics(ctx, day); err != nil {
			log.Error("statistics import failed", "error", err)
			os.Exit(1)
		}
		log.Info("statistics imported", "date", day.Format("2006-01-02"))
	},
}

func mustOpen(log *slog.Logger) (context.Context, *store.Postgres) {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if dbDSN == "" {
		log.Error("db dsn is required (--db-dsn or DATABASE_URL)")
		os.Exit(1)
	}
	db, err := store.OpenPostgres(ctx, dbDSN)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	return ctx, db
}

func mustAggregator(log *slog.Logger, db store.Store) *aggregate.Aggregator {
	agg, err := aggregate.New(aggregate.Config{
		Logger: log,
		Store:  db,
		Clock:  clockwork.NewRealClock(),
	})
	if err != nil {
		log.Error("failed to create aggregator", "error", err)
		os.Exit(1)
	}
	return agg
}

func mustSimnet(log *slog.Logger, db store.Store) *ingest.Simnet {
	if simnetURL == "" {
		log.Error("simnet url is required (--simnet-url or SIMNET_URL)")
		os.Exit(1)
	}
	simnet, err := ingest.NewSimnet(ingest.SimnetConfig{
		Logger:  log,
		Store:   db,
		BaseURL: simnetURL,
	})
	if err != nil {
		log.Error("failed to create simnet client", "error", err)
		os.Exit(1)
	}
	return simnet
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&dbDSN, "db-dsn", os.Getenv("DATABASE_URL"), "Postgres DSN for the rollup store")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Show debug logs")

	pruneCmd.Flags().DurationVar(&retention, "retention", defaultRetention, "How long raw measurements are kept")

	simnetCmd.PersistentFlags().StringVar(&simnetURL, "simnet-url", os.Getenv("SIMNET_URL"), "Base URL of the Brazil Simnet API")
	simnetStatisticsCmd.Flags().StringVar(&statsDate, "date", "", "Day to import (YYYY-MM-DD, default today)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(addCountryCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(markJoinedCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(pruneCmd)

	simnetCmd.AddCommand(simnetSchoolsCmd)
	simnetCmd.AddCommand(simnetStatisticsCmd)
	rootCmd.AddCommand(simnetCmd)
}

func main() {
	// Add version command last so it appears after auto-generated commands
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
