package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/chunkwatch/internal/events"
)

// PrometheusSink exports check-cycle metrics via Prometheus. It owns the
// collectors for cycles, fetches, chunk drift, versions and runs.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cyclesRunning   prometheus.Gauge
	cycleRuntime    *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	chunkChanges *prometheus.CounterVec
	versionsNew  prometheus.Counter
	runsNew      prometheus.Counter

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkwatch_cycles_started_total",
			Help: "Total check cycles that have started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkwatch_cycles_completed_total",
			Help: "Total check cycles completed partitioned by result.",
		}, []string{"result"}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkwatch_cycles_running",
			Help: "Current number of running check cycles.",
		}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkwatch_cycle_runtime_seconds",
			Help:    "Wall time per completed check cycle.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkwatch_fetches_total",
			Help: "Fetch completions partitioned by artifact kind and outcome.",
		}, []string{"kind", "outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkwatch_fetch_bytes_total",
			Help: "Bytes downloaded per artifact kind.",
		}, []string{"kind"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkwatch_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by artifact kind.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 60},
		}, []string{"kind"}),
		chunkChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkwatch_chunk_changes_total",
			Help: "Chunks whose content differed from the reference copy, per replica.",
		}, []string{"replica"}),
		versionsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkwatch_versions_new_total",
			Help: "HTML versions observed for the first time.",
		}),
		runsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkwatch_runs_new_total",
			Help: "Runs appended to the history.",
		}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cyclesRunning,
		s.cycleRuntime,
		s.fetches,
		s.fetchBytes,
		s.fetchDuration,
		s.chunkChanges,
		s.versionsNew,
		s.runsNew,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageCycleStart, events.StageCycleDone, events.StageCycleError:
		s.handleCycleEvent(evt)
	case events.StageFetchDone:
		s.handleFetchEvent(evt)
	case events.StageChunkChanged:
		s.chunkChanges.WithLabelValues(evt.Replica).Inc()
	case events.StageVersionNew:
		s.versionsNew.Inc()
	case events.StageRunNew:
		s.runsNew.Inc()
	}
}

func (s *PrometheusSink) handleCycleEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageCycleStart:
		s.cyclesStarted.Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesRunning.Inc()
		}
		return
	case events.StageCycleDone:
		s.cyclesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case events.StageCycleError:
		s.cyclesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.CycleID) {
		s.cyclesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt events.Event, label string) {
	if evt.Dur > 0 {
		s.cycleRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt events.Event) {
	kind := string(evt.Kind)
	outcome := evt.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	s.fetches.WithLabelValues(kind, outcome).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(kind).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(kind).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[[16]byte]struct{})}
}

func (t *cycleTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
