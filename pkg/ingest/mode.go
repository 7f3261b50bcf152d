package ingest

import (
	"time"

	"github.com/Sternrassler/mzcr-harvester/pkg/pagination"
)

// ModeKind names the two fetch modes.
type ModeKind string

const (
	// ModeBackfill fetches all history up to an optional upper date.
	ModeBackfill ModeKind = "backfill"

	// ModeIncremental fetches a short trailing window between two exclusive dates.
	ModeIncremental ModeKind = "incremental"
)

// DefaultLookback is how far back an incremental run reaches.
const DefaultLookback = 48 * time.Hour

// Mode selects the fetch window of a run.
type Mode struct {
	Kind   ModeKind
	Window pagination.Window
}

// Backfill returns a backfill mode. A zero before fetches everything.
func Backfill(before time.Time) Mode {
	return Mode{
		Kind:   ModeBackfill,
		Window: pagination.Window{Before: before},
	}
}

// Incremental returns a mode keeping records dated strictly between after and before.
func Incremental(after, before time.Time) Mode {
	return Mode{
		Kind:   ModeIncremental,
		Window: pagination.Window{StrictlyAfter: after, StrictlyBefore: before},
	}
}

// SelectMode picks backfill for a database that does not exist yet and an
// incremental window of (now-lookback, now) otherwise. The overlap with the
// previous run picks up records the API publishes late.
func SelectMode(databaseExists bool, now, backfillBefore time.Time, lookback time.Duration) Mode {
	if !databaseExists {
		return Backfill(backfillBefore)
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return Incremental(now.Add(-lookback), now)
}

// String renders the mode and its window, e.g. "incremental >2024-10-20 <2024-10-22".
func (m Mode) String() string {
	return string(m.Kind) + " " + m.Window.String()
}
