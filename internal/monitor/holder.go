package monitor

import (
	"sync"
	"time"
)

// Projection is the read-only view served to the dashboard.
type Projection struct {
	Runs     []Run     `json:"runs"`
	Versions []Version `json:"versions"`
	URL      string    `json:"url"`
}

// Holder publishes State snapshots from the driver to concurrent readers.
// Published values are copies and must not be mutated by readers.
type Holder struct {
	mu        sync.RWMutex
	url       string
	state     *State
	ready     bool
	published time.Time
}

// NewHolder returns a Holder serving an empty projection for url.
func NewHolder(url string) *Holder {
	return &Holder{url: url, state: NewState()}
}

// Publish replaces the served state with a copy of st. The first call that
// follows a completed cycle should pass ready=true.
func (h *Holder) Publish(st *State, ready bool, at time.Time) {
	snapshot := st.Clone()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = snapshot
	h.ready = h.ready || ready
	h.published = at
}

// Projection returns the current dashboard view.
func (h *Holder) Projection() Projection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Projection{Runs: h.state.Runs, Versions: h.state.Versions, URL: h.url}
}

// Ready reports whether at least one cycle has completed.
func (h *Holder) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// PublishedAt returns the time of the last Publish.
func (h *Holder) PublishedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published
}

// ChunkStatus looks up the status recorded for chunk on replica in run index run.
func (h *Holder) ChunkStatus(run int, replica, chunk string) (ChunkStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if run < 0 || run >= len(h.state.Runs) {
		return ChunkStatus{}, false
	}
	rr, ok := h.state.Runs[run].Results[replica]
	if !ok {
		return ChunkStatus{}, false
	}
	s, ok := rr.JSStatus[chunk]
	return s, ok
}
