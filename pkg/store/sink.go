// Package store persists fetched records into the document store.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
	"github.com/Sternrassler/mzcr-harvester/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// Prometheus metrics for persistence.
var (
	recordsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_inserted_total",
		Help: "Total records committed by collection",
	}, []string{"collection"})

	insertBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_insert_batches_total",
		Help: "Insert batches by collection and result",
	}, []string{"collection", "result"})
)

// DefaultBatchSize is the number of records per insert call.
const DefaultBatchSize = 1000

// Inserter writes documents into a named collection.
type Inserter interface {
	InsertMany(ctx context.Context, collection string, docs []interface{}) error
}

// PersistenceError reports the batch that failed to insert.
type PersistenceError struct {
	Collection string

	// Batch is the 1-based index of the failing batch.
	Batch int

	// Offset is the index of the batch's first record.
	Offset int
	Size   int
	Err    error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("insert batch %d (records %d-%d) into %s: %v",
		e.Batch, e.Offset, e.Offset+e.Size-1, e.Collection, e.Err)
}

// Unwrap returns the store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Result describes what an InsertBatch call did.
type Result struct {
	Collection string

	// Batches is the number of batches the records were split into.
	Batches int

	// CommittedBatches and CommittedRecords count batches that fully succeeded.
	CommittedBatches int
	CommittedRecords int

	// SkippedBatches were never attempted because an earlier batch failed.
	SkippedBatches int
}

// Sink splits record sets into batches and inserts them in order.
type Sink struct {
	inserter  Inserter
	batchSize int
	logger    zerolog.Logger
}

// NewSink creates a sink writing through inserter.
func NewSink(inserter Inserter, batchSize int) *Sink {
	if inserter == nil {
		panic("inserter cannot be nil")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sink{
		inserter:  inserter,
		batchSize: batchSize,
		logger:    logging.NewLogger("sink"),
	}
}

// InsertBatch inserts records into collection in consecutive batches of at
// most the sink's batch size. The first failing batch stops the call:
// earlier batches stay committed and later ones are not attempted. An empty
// record set is a no-op.
func (s *Sink) InsertBatch(ctx context.Context, collection string, records []pagination.Record) (Result, error) {
	res := Result{Collection: collection}

	if len(records) == 0 {
		s.logger.Info().Str("collection", collection).Msg("No data to save")
		return res, nil
	}

	res.Batches = (len(records) + s.batchSize - 1) / s.batchSize

	for i := 0; i < res.Batches; i++ {
		offset := i * s.batchSize
		end := offset + s.batchSize
		if end > len(records) {
			end = len(records)
		}

		docs := make([]interface{}, 0, end-offset)
		for _, r := range records[offset:end] {
			docs = append(docs, r)
		}

		if err := s.inserter.InsertMany(ctx, collection, docs); err != nil {
			insertBatchesTotal.WithLabelValues(collection, "failed").Inc()
			res.SkippedBatches = res.Batches - i - 1

			perr := &PersistenceError{
				Collection: collection,
				Batch:      i + 1,
				Offset:     offset,
				Size:       len(docs),
				Err:        err,
			}

			event := s.logger.Error().
				Err(err).
				Str("collection", collection).
				Int("batch", i+1).
				Int("batches", res.Batches).
				Int("skipped_batches", res.SkippedBatches)
			var bwe mongo.BulkWriteException
			if errors.As(err, &bwe) {
				event = event.Int("write_errors", len(bwe.WriteErrors))
			}
			event.Msg("Failed to save batch")

			return res, perr
		}

		insertBatchesTotal.WithLabelValues(collection, "committed").Inc()
		recordsInsertedTotal.WithLabelValues(collection).Add(float64(len(docs)))
		res.CommittedBatches++
		res.CommittedRecords += len(docs)

		s.logger.Debug().
			Str("collection", collection).
			Int("batch", i+1).
			Int("records", len(docs)).
			Msg("Batch saved")
	}

	return res, nil
}
