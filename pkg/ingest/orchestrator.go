// Package ingest runs the configured schemas through fetch and persistence
// and decides when a run should give up early.
package ingest

import (
	"context"
	"time"

	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
	"github.com/Sternrassler/mzcr-harvester/pkg/pagination"
	"github.com/Sternrassler/mzcr-harvester/pkg/state"
	"github.com/Sternrassler/mzcr-harvester/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for orchestration.
var (
	noDataStreakGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_no_data_streak",
		Help: "Consecutive schemas that yielded no records in the current run",
	})

	schemasSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_schemas_skipped_total",
		Help: "Schemas never attempted because the run stopped early",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_runs_total",
		Help: "Ingestion runs by mode and result",
	}, []string{"mode", "result"})
)

// Fetcher fetches the full page sequence of one schema.
type Fetcher interface {
	FetchAll(ctx context.Context, schema pagination.Schema, window pagination.Window) pagination.Outcome
}

// Persister stores one schema's records.
type Persister interface {
	InsertBatch(ctx context.Context, collection string, records []pagination.Record) (store.Result, error)
}

// Recorder keeps run bookkeeping. Failures are logged, never fatal.
type Recorder interface {
	RecordSchema(ctx context.Context, s state.SchemaState) error
	RecordRun(ctx context.Context, r state.RunState) error
}

// Config holds orchestrator configuration.
type Config struct {
	// MaxNoDataSchemas aborts the run after this many schemas in a row yield no records.
	MaxNoDataSchemas int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{MaxNoDataSchemas: 3}
}

// SchemaResult is what happened to one schema during a run.
type SchemaResult struct {
	Schema   pagination.Schema
	Reason   pagination.Reason
	Fetched  int
	Pages    int
	Failures int

	Persist    store.Result
	PersistErr error

	Duration time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Mode       Mode
	StartedAt  time.Time
	FinishedAt time.Time

	// Results holds one entry per attempted schema, in configured order.
	Results []SchemaResult

	// Skipped lists schemas never attempted because the run stopped early.
	Skipped []pagination.Schema

	NoDataStreak int
	Aborted      bool
	Cancelled    bool
}

// Records returns the number of records fetched across all schemas.
func (s Summary) Records() int {
	n := 0
	for _, r := range s.Results {
		n += r.Fetched
	}
	return n
}

// Persisted returns the number of records committed across all schemas.
func (s Summary) Persisted() int {
	n := 0
	for _, r := range s.Results {
		n += r.Persist.CommittedRecords
	}
	return n
}

// Degraded returns the number of schemas whose fetch hit the failure ceiling.
func (s Summary) Degraded() int {
	n := 0
	for _, r := range s.Results {
		if r.Reason == pagination.ReasonDegraded {
			n++
		}
	}
	return n
}

// State converts the summary into its stored form.
func (s Summary) State() state.RunState {
	return state.RunState{
		RunID:        s.RunID,
		Mode:         string(s.Mode.Kind),
		Window:       s.Mode.Window.String(),
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		Schemas:      len(s.Results) + len(s.Skipped),
		Attempted:    len(s.Results),
		Skipped:      len(s.Skipped),
		Degraded:     s.Degraded(),
		Records:      s.Records(),
		Persisted:    s.Persisted(),
		NoDataStreak: s.NoDataStreak,
		Aborted:      s.Aborted,
		Cancelled:    s.Cancelled,
	}
}

// Orchestrator processes schemas one at a time: fetch, then persist.
type Orchestrator struct {
	fetcher   Fetcher
	persister Persister
	recorder  Recorder
	config    Config
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an orchestrator. A nil recorder disables bookkeeping.
func New(fetcher Fetcher, persister Persister, recorder Recorder, config Config) *Orchestrator {
	if recorder == nil {
		recorder = state.Nop{}
	}
	if config.MaxNoDataSchemas <= 0 {
		config.MaxNoDataSchemas = 1
	}
	return &Orchestrator{
		fetcher:   fetcher,
		persister: persister,
		recorder:  recorder,
		config:    config,
		logger:    logging.NewLogger("orchestrator"),
		now:       time.Now,
	}
}

// Run fetches and persists schemas in order. Every schema that yields no
// records, whether the API had none or the fetch gave up after repeated
// failures, extends the no-data streak; any schema with records resets it.
// Once the streak reaches MaxNoDataSchemas the remaining schemas are
// skipped. Run never fails: problems end up in the returned Summary.
func (o *Orchestrator) Run(ctx context.Context, schemas []pagination.Schema, mode Mode) Summary {
	summary := Summary{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: o.now(),
	}

	logger := o.logger.With().
		Str("run_id", summary.RunID).
		Str("mode", string(mode.Kind)).
		Logger()

	logger.Info().
		Int("schemas", len(schemas)).
		Str("window", mode.Window.String()).
		Msg("Starting ingestion run")

	// Bookkeeping outlives a cancelled run.
	recordCtx := context.WithoutCancel(ctx)

	streak := 0
	noDataStreakGauge.Set(0)

	for i, schema := range schemas {
		if ctx.Err() != nil {
			summary.Cancelled = true
			summary.Skipped = append(summary.Skipped, schemas[i:]...)
			break
		}

		schemaLog := logger.With().
			Str("schema", schema.Key).
			Str("collection", schema.Collection()).
			Logger()
		schemaLog.Info().Msg("Fetching data")

		outcome := o.fetcher.FetchAll(ctx, schema, mode.Window)
		result := SchemaResult{
			Schema:   schema,
			Reason:   outcome.Reason,
			Fetched:  len(outcome.Records),
			Pages:    outcome.Pages,
			Failures: outcome.Failures,
			Duration: outcome.Duration,
		}

		switch {
		case outcome.Reason == pagination.ReasonCancelled:
			summary.Cancelled = true
			schemaLog.Warn().
				Int("records", len(outcome.Records)).
				Msg("Fetch cancelled, discarding partial data")

		case len(outcome.Records) > 0:
			if outcome.Degraded() {
				schemaLog.Warn().
					Int("records", len(outcome.Records)).
					Int("failures", outcome.Failures).
					Msg("Fetch degraded, saving partial data")
			}

			result.Persist, result.PersistErr = o.persister.InsertBatch(ctx, schema.Collection(), outcome.Records)
			if result.PersistErr != nil {
				schemaLog.Error().
					Err(result.PersistErr).
					Int("committed", result.Persist.CommittedRecords).
					Int("skipped_batches", result.Persist.SkippedBatches).
					Msg("Failed to save data")
			} else {
				schemaLog.Info().
					Int("records", result.Persist.CommittedRecords).
					Int("pages", outcome.Pages).
					Dur("duration", outcome.Duration).
					Msg("Schema saved")
			}
			streak = 0

		default:
			streak++
			event := schemaLog.Info()
			msg := "Skipping schema, no data"
			if outcome.Degraded() {
				event = schemaLog.Warn().Err(outcome.LastErr)
				msg = "Skipping schema, fetch failed"
			}
			event.Int("streak", streak).Msg(msg)
		}

		noDataStreakGauge.Set(float64(streak))
		summary.Results = append(summary.Results, result)
		o.recordSchema(recordCtx, schemaLog, summary.RunID, mode, result)

		if summary.Cancelled {
			summary.Skipped = append(summary.Skipped, schemas[i+1:]...)
			break
		}

		if streak >= o.config.MaxNoDataSchemas {
			summary.Aborted = true
			summary.Skipped = append(summary.Skipped, schemas[i+1:]...)
			logger.Error().
				Int("streak", streak).
				Int("skipped", len(summary.Skipped)).
				Msg("Max consecutive schemas with no data reached, aborting run")
			break
		}
	}

	summary.NoDataStreak = streak
	summary.FinishedAt = o.now()

	schemasSkippedTotal.Add(float64(len(summary.Skipped)))
	runState := summary.State()
	runsTotal.WithLabelValues(string(mode.Kind), runState.Result()).Inc()

	if err := o.recorder.RecordRun(recordCtx, runState); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run state")
	}

	logger.Info().
		Str("result", runState.Result()).
		Int("attempted", runState.Attempted).
		Int("skipped", runState.Skipped).
		Int("degraded", runState.Degraded).
		Int("records", runState.Records).
		Int("persisted", runState.Persisted).
		Dur("duration", runState.Duration()).
		Msg("Ingestion run finished")

	return summary
}

func (o *Orchestrator) recordSchema(ctx context.Context, logger zerolog.Logger, runID string, mode Mode, r SchemaResult) {
	s := state.SchemaState{
		RunID:      runID,
		Schema:     r.Schema.Key,
		Collection: r.Schema.Collection(),
		Mode:       string(mode.Kind),
		Window:     mode.Window.String(),
		Reason:     string(r.Reason),
		Records:    r.Fetched,
		Pages:      r.Pages,
		Failures:   r.Failures,
		Persisted:  r.Persist.CommittedRecords,
		UpdatedAt:  o.now(),
	}
	if r.PersistErr != nil {
		s.PersistError = r.PersistErr.Error()
	}

	if err := o.recorder.RecordSchema(ctx, s); err != nil {
		logger.Warn().Err(err).Msg("Failed to record schema state")
	}
}
