// Command harvester copies the configured statistics API datasets into MongoDB.
//
// The first run backfills everything up to general.backfill_before. Later runs
// fetch a short trailing window so late corrections are picked up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/mzcr-harvester/pkg/client"
	"github.com/Sternrassler/mzcr-harvester/pkg/config"
	"github.com/Sternrassler/mzcr-harvester/pkg/ingest"
	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
	"github.com/Sternrassler/mzcr-harvester/pkg/metrics"
	"github.com/Sternrassler/mzcr-harvester/pkg/pagination"
	"github.com/Sternrassler/mzcr-harvester/pkg/state"
	"github.com/Sternrassler/mzcr-harvester/pkg/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	errRunAborted   = errors.New("run aborted after too many schemas without data")
	errRunCancelled = errors.New("run cancelled")
)

type options struct {
	configPath  string
	envFile     string
	metricsAddr string
	status      bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("harvester", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML configuration")
	fs.StringVar(&opts.envFile, "env", ".env", "optional .env file loaded before environment overrides")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address while running")
	fs.BoolVar(&opts.status, "status", false, "print the last recorded run and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(2)
	}
	logging.Setup(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.status {
		err = showStatus(ctx, cfg, os.Stdout)
	} else {
		err = run(ctx, cfg, opts.metricsAddr)
	}
	if err != nil {
		log.Error().Err(err).Msg("Harvester failed")
		stop()
		os.Exit(1)
	}
}

// run performs one harvest: pick the mode from the store, then fetch and
// persist every configured schema.
func run(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	if metricsAddr != "" {
		srv, err := metrics.Listen(metricsAddr)
		if err != nil {
			return err
		}
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	db, err := store.Connect(ctx, cfg.MongoConfig())
	if err != nil {
		return err
	}
	defer db.Close(context.Background())
	log.Info().Str("database", db.Database()).Msg("Connected to MongoDB")

	var recorder ingest.Recorder
	if cfg.Redis.Addr != "" {
		rdb, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		tracker := state.NewTracker(rdb, cfg.MongoDB.Database, logging.NewLogger("state"))
		owner := uuid.NewString()
		if err := tracker.Acquire(ctx, owner, cfg.Redis.LockTTL); err != nil {
			return err
		}
		defer func() {
			if err := tracker.Release(context.Background(), owner); err != nil {
				log.Warn().Err(err).Msg("Failed to release run lock")
			}
		}()
		recorder = tracker
	}

	api, err := client.New(cfg.ClientConfig())
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}

	summary, err := harvest(ctx, cfg, db, api, recorder, time.Now())
	if err != nil {
		return err
	}

	switch {
	case summary.Cancelled:
		return errRunCancelled
	case summary.Aborted:
		return errRunAborted
	}
	return nil
}

// target is the store side of a harvest.
type target interface {
	store.Inserter
	DatabaseExists(ctx context.Context) (bool, error)
}

// harvest selects the mode from target and runs every configured schema.
func harvest(ctx context.Context, cfg *config.Config, db target, api pagination.Getter, recorder ingest.Recorder, now time.Time) (ingest.Summary, error) {
	exists, err := db.DatabaseExists(ctx)
	if err != nil {
		return ingest.Summary{}, err
	}

	backfillBefore, err := cfg.BackfillBefore()
	if err != nil {
		return ingest.Summary{}, err
	}
	mode := ingest.SelectMode(exists, now, backfillBefore, cfg.General.IncrementalLookback)
	log.Info().
		Bool("database_exists", exists).
		Str("mode", mode.String()).
		Msg("Selected ingestion mode")

	orchestrator := ingest.New(
		pagination.NewFetcher(api, cfg.FetcherConfig()),
		store.NewSink(db, cfg.General.BatchSize),
		recorder,
		cfg.OrchestratorConfig(),
	)
	return orchestrator.Run(ctx, cfg.PaginationSchemas(), mode), nil
}

func connectRedis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// statusSource reads recorded bookkeeping.
type statusSource interface {
	LastRun(ctx context.Context) (*state.RunState, error)
	Schema(ctx context.Context, collection string) (*state.SchemaState, error)
}

func showStatus(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if cfg.Redis.Addr == "" {
		return errors.New("status needs redis.addr to be configured")
	}
	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	tracker := state.NewTracker(rdb, cfg.MongoDB.Database, logging.NewLogger("state"))
	return writeStatus(ctx, tracker, cfg.PaginationSchemas(), w)
}

func writeStatus(ctx context.Context, src statusSource, schemas []pagination.Schema, w io.Writer) error {
	last, err := src.LastRun(ctx)
	if errors.Is(err, state.ErrNoState) {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, last.String())

	for _, s := range schemas {
		ss, err := src.Schema(ctx, s.Collection())
		if errors.Is(err, state.ErrNoState) {
			fmt.Fprintf(w, "  %-30s never harvested\n", s.Key)
			continue
		}
		if err != nil {
			return err
		}

		line := fmt.Sprintf("  %-30s %-9s %d records, %d persisted, %d pages, %d failures (%s)",
			s.Key, ss.Reason, ss.Records, ss.Persisted, ss.Pages, ss.Failures,
			ss.UpdatedAt.Format(time.RFC3339))
		if ss.PersistError != "" {
			line += ": " + ss.PersistError
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
