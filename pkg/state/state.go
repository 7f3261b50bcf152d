// Package state keeps harvester run bookkeeping in Redis: a lock that keeps
// two runs off the same database, and the last outcome of every run and
// schema.
package state

import (
	"fmt"
	"time"
)

// Redis key prefixes. Every key is scoped to the target database name.
const (
	keyPrefixLock   = "harvest:lock:"
	keyPrefixRun    = "harvest:run:last:"
	keyPrefixSchema = "harvest:schema:"
)

// DefaultLockTTL bounds how long a crashed run can hold the lock.
const DefaultLockTTL = 2 * time.Hour

// SchemaState is the last recorded outcome for one schema.
type SchemaState struct {
	RunID      string `json:"run_id"`
	Schema     string `json:"schema"`
	Collection string `json:"collection"`
	Mode       string `json:"mode"`
	Window     string `json:"window"`

	// Reason is the fetch terminal reason (completed, degraded, cancelled).
	Reason string `json:"reason"`

	Records  int `json:"records"`
	Pages    int `json:"pages"`
	Failures int `json:"failures"`

	Persisted    int    `json:"persisted"`
	PersistError string `json:"persist_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RunState is the summary of one orchestration pass.
type RunState struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Window     string    `json:"window"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Schemas   int `json:"schemas"`
	Attempted int `json:"attempted"`
	Skipped   int `json:"skipped"`
	Degraded  int `json:"degraded"`

	Records   int `json:"records"`
	Persisted int `json:"persisted"`

	NoDataStreak int  `json:"no_data_streak"`
	Aborted      bool `json:"aborted"`
	Cancelled    bool `json:"cancelled"`
}

// Duration returns how long the run took.
func (r *RunState) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result returns a one-word description of how the run ended.
func (r *RunState) Result() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Aborted:
		return "aborted"
	default:
		return "completed"
	}
}

// String renders the run for the status command.
func (r *RunState) String() string {
	return fmt.Sprintf("run %s (%s %s): %s at %s after %s, %d/%d schemas, %d records fetched, %d persisted, %d degraded",
		r.RunID, r.Mode, r.Window, r.Result(), r.FinishedAt.Format(time.RFC3339),
		r.Duration().Round(time.Second), r.Attempted, r.Schemas, r.Records, r.Persisted, r.Degraded)
}

func lockKey(database string) string {
	return keyPrefixLock + database
}

func runKey(database string) string {
	return keyPrefixRun + database
}

func schemaKey(database, collection string) string {
	return keyPrefixSchema + database + ":" + collection
}
