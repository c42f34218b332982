// Package snapshot persists the check driver's State between process restarts.
// Every backend stores the same JSON document {versions, runs, referenceContent}.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
)

// ErrSnapshotInvalid is returned when a stored document is not a State.
var ErrSnapshotInvalid = errors.New("snapshot is invalid")

// Store loads and saves State snapshots. Load returns an empty State when no
// snapshot exists yet.
type Store interface {
	Load(ctx context.Context) (*monitor.State, error)
	Save(ctx context.Context, st *monitor.State) error
	// Backend names the store in logs and metrics.
	Backend() string
	Close() error
}

// Encode renders st as the snapshot document.
func Encode(st *monitor.State) ([]byte, error) {
	if st == nil {
		st = monitor.NewState()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot document. Both versions and runs must be present.
func Decode(data []byte) (*monitor.State, error) {
	var doc struct {
		Versions         *[]monitor.Version                `json:"versions"`
		Runs             *[]monitor.Run                    `json:"runs"`
		ReferenceContent map[string]monitor.ReferenceEntry `json:"referenceContent"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotInvalid, err)
	}
	if doc.Versions == nil || doc.Runs == nil {
		return nil, fmt.Errorf("%w: versions and runs are required", ErrSnapshotInvalid)
	}
	st := monitor.NewState()
	st.Versions = *doc.Versions
	st.Runs = *doc.Runs
	if doc.ReferenceContent != nil {
		st.ReferenceContent = doc.ReferenceContent
	}
	return st, nil
}
