package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DriftEvent is one persisted, operator-relevant milestone of a check cycle:
// a new HTML version, a changed chunk, a new run or an aborted cycle.
type DriftEvent struct {
	// CycleID links the event to the check cycle that produced it.
	CycleID uuid.UUID
	// Stage is the events.Stage name (VERSION_NEW, CHUNK_CHANGED, ...).
	Stage string
	// Target is the monitored HTML URL.
	Target string
	// Replica is empty for cycle-level events.
	Replica string
	URL     string
	Hash    string
	Outcome string
	Note    string
	// OccurredAt is the event timestamp in UTC.
	OccurredAt time.Time
}

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	Stage   string
	Replica string
	Since   time.Time
	Limit   int
}

// EventRepository persists drift events.
type EventRepository interface {
	// RecordEvents stores the batch atomically.
	RecordEvents(ctx context.Context, events []DriftEvent) error
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]DriftEvent, error)
}
