package monitor

import (
	"maps"
	"slices"
)

// State is everything the driver persists between cycles.
type State struct {
	Versions         []Version                 `json:"versions"`
	Runs             []Run                     `json:"runs"`
	ReferenceContent map[string]ReferenceEntry `json:"referenceContent"`
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		Versions:         []Version{},
		Runs:             []Run{},
		ReferenceContent: map[string]ReferenceEntry{},
	}
}

// Clone returns a copy that shares no mutable containers with s. Run results
// and version URL lists are never modified after creation and are shared.
func (s *State) Clone() *State {
	if s == nil {
		return NewState()
	}
	out := &State{
		Versions:         slices.Clone(s.Versions),
		Runs:             slices.Clone(s.Runs),
		ReferenceContent: maps.Clone(s.ReferenceContent),
	}
	if out.Versions == nil {
		out.Versions = []Version{}
	}
	if out.Runs == nil {
		out.Runs = []Run{}
	}
	if out.ReferenceContent == nil {
		out.ReferenceContent = map[string]ReferenceEntry{}
	}
	return out
}

// VersionHashes lists the known HTML hashes in catalog order.
func (s *State) VersionHashes() []string {
	out := make([]string, len(s.Versions))
	for i, v := range s.Versions {
		out[i] = v.HTMLHash
	}
	return out
}

// LastRun returns the most recent run, if any.
func (s *State) LastRun() (Run, bool) {
	if len(s.Runs) == 0 {
		return Run{}, false
	}
	return s.Runs[len(s.Runs)-1], true
}
