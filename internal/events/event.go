// Package events carries check-cycle milestones from the check engine to pluggable
// sinks. Emitting never blocks the cycle; a background Hub batches events and fans
// them out to logs, metrics, the drift event store and the alert publisher.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes which milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageCycleStart   Stage = "CYCLE_START"
	StageCycleDone    Stage = "CYCLE_DONE"
	StageCycleError   Stage = "CYCLE_ERROR"
	StageFetchDone    Stage = "FETCH_DONE"
	StageVersionNew   Stage = "VERSION_NEW"
	StageChunkChanged Stage = "CHUNK_CHANGED"
	StageRunNew       Stage = "RUN_NEW"
)

// Kind tells HTML fetches apart from chunk fetches.
type Kind string

// Artifact kinds for FETCH_DONE events.
const (
	KindHTML Kind = "html"
	KindJS   Kind = "js"
)

// OutcomeOK marks a fetch that produced a usable artifact.
const OutcomeOK = "ok"

// Event is one milestone of a check cycle.
type Event struct {
	// CycleID is the 16-byte UUID shared by every event of one cycle.
	CycleID [16]byte
	TS      time.Time
	Stage   Stage
	// Target is the monitored HTML URL.
	Target string
	// Replica is the replica address, empty for cycle-level events.
	Replica string
	// URL is the artifact URL for fetch and chunk events.
	URL  string
	Kind Kind
	// Outcome is OutcomeOK or the error code recorded for the artifact.
	Outcome string
	// Hash is the HTML hash for VERSION_NEW or the received hash for CHUNK_CHANGED.
	Hash  string
	Bytes int64
	Dur   time.Duration
	Note  string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CycleID == [16]byte{} {
		return errors.New("cycle id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleError, StageRunNew:
	case StageFetchDone:
		if e.Replica == "" || e.URL == "" {
			return errors.New("fetch done requires replica and url")
		}
		if e.Kind != KindHTML && e.Kind != KindJS {
			return fmt.Errorf("fetch done has unknown kind %q", e.Kind)
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StageVersionNew:
		if e.Hash == "" {
			return errors.New("version new requires hash")
		}
	case StageChunkChanged:
		if e.Replica == "" || e.URL == "" {
			return errors.New("chunk changed requires replica and url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID for repositories.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
