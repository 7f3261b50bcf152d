package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for run bookkeeping.
var (
	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_last_run_timestamp_seconds",
		Help: "Unix time the last recorded run finished",
	})

	lockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_lock_contention_total",
		Help: "Total lock acquisitions refused because another run held the lock",
	})
)

var (
	// ErrLockHeld is returned when another run owns the lock.
	ErrLockHeld = errors.New("harvest lock held by another run")

	// ErrNoState is returned when nothing has been recorded yet.
	ErrNoState = errors.New("no recorded state")
)

// releaseScript deletes the lock only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Tracker stores run bookkeeping for one database in Redis.
type Tracker struct {
	redis    *redis.Client
	database string
	logger   zerolog.Logger
}

// NewTracker creates a tracker scoped to database.
func NewTracker(redisClient *redis.Client, database string, logger zerolog.Logger) *Tracker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Tracker{
		redis:    redisClient,
		database: database,
		logger:   logger,
	}
}

// Acquire takes the run lock for owner. It returns ErrLockHeld when another
// owner has it. The lock expires after ttl.
func (t *Tracker) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	ok, err := t.redis.SetNX(ctx, lockKey(t.database), owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		lockContentionTotal.Inc()
		holder, _ := t.redis.Get(ctx, lockKey(t.database)).Result()
		return fmt.Errorf("%w (holder %s)", ErrLockHeld, holder)
	}

	t.logger.Debug().Str("owner", owner).Dur("ttl", ttl).Msg("Run lock acquired")
	return nil
}

// Release gives up the lock if owner still holds it.
func (t *Tracker) Release(ctx context.Context, owner string) error {
	n, err := releaseScript.Run(ctx, t.redis, []string{lockKey(t.database)}, owner).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		t.logger.Warn().Str("owner", owner).Msg("Run lock was no longer held at release")
	}
	return nil
}

// RecordSchema stores the outcome of one schema.
func (t *Tracker) RecordSchema(ctx context.Context, s SchemaState) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema state: %w", err)
	}
	if err := t.redis.Set(ctx, schemaKey(t.database, s.Collection), data, 0).Err(); err != nil {
		return fmt.Errorf("store schema state in redis: %w", err)
	}
	return nil
}

// RecordRun stores the summary of a finished run.
func (t *Tracker) RecordRun(ctx context.Context, r RunState) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := t.redis.Set(ctx, runKey(t.database), data, 0).Err(); err != nil {
		return fmt.Errorf("store run state in redis: %w", err)
	}

	lastRunTimestamp.Set(float64(r.FinishedAt.Unix()))
	t.logger.Debug().Str("run_id", r.RunID).Msg("Run state recorded")
	return nil
}

// LastRun returns the most recently recorded run.
func (t *Tracker) LastRun(ctx context.Context) (*RunState, error) {
	var r RunState
	if err := t.getJSON(ctx, runKey(t.database), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Schema returns the last recorded outcome for collection.
func (t *Tracker) Schema(ctx context.Context, collection string) (*SchemaState, error) {
	var s SchemaState
	if err := t.getJSON(ctx, schemaKey(t.database, collection), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *Tracker) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := t.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNoState
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// Nop discards all bookkeeping. It is used when no Redis is configured.
type Nop struct{}

// RecordSchema implements the recorder interface.
func (Nop) RecordSchema(context.Context, SchemaState) error { return nil }

// RecordRun implements the recorder interface.
func (Nop) RecordRun(context.Context, RunState) error { return nil }
