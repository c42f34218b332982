// Package worker implements the check-cycle driver loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/events"
	"github.com/JakeFAU/chunkwatch/internal/monitor"
	"github.com/JakeFAU/chunkwatch/internal/snapshot"
	"github.com/JakeFAU/chunkwatch/internal/telemetry"
)

// Checker runs one check cycle.
type Checker interface {
	Check(ctx context.Context, htmlURL string, st *monitor.State, ipv4Only bool) (monitor.CheckResult, error)
}

// Config controls Worker behavior.
type Config struct {
	URL      string
	Interval time.Duration
	IPv4Only bool
}

// Worker owns the mutable State. Each cycle it checks, folds the result into
// the run history, saves a snapshot and publishes a projection for readers.
type Worker struct {
	checker Checker
	store   snapshot.Store
	holder  *monitor.Holder
	clock   monitor.Clock
	ids     monitor.IDGenerator
	emitter events.Emitter
	cfg     Config
	logger  *zap.Logger

	state *monitor.State
	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker. emitter and ids may be nil.
func New(
	checker Checker,
	store snapshot.Store,
	holder *monitor.Holder,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Worker{
		checker: checker,
		store:   store,
		holder:  holder,
		clock:   clock,
		ids:     ids,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.Named("worker"),
		wait:    sleep,
	}
}

// Run loads the snapshot and then blocks, running a cycle every interval
// until ctx finishes. Only a failed snapshot load is returned as an error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Load(ctx); err != nil {
		return err
	}
	for {
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsAborted(err) {
				w.logger.Warn("check cycle aborted", zap.Error(err))
			} else {
				w.logger.Error("check cycle failed", zap.Error(err))
			}
		}
		if err := w.wait(ctx, w.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Load restores State from the snapshot store and publishes it so the
// dashboard can serve history before the first cycle completes.
func (w *Worker) Load(ctx context.Context) error {
	st, err := w.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s snapshot: %w", w.store.Backend(), err)
	}
	w.state = st
	w.holder.Publish(st, false, w.clock.Now())
	w.logger.Info("state loaded",
		zap.String("backend", w.store.Backend()),
		zap.Int("versions", len(st.Versions)),
		zap.Int("runs", len(st.Runs)),
	)
	return nil
}

// RunOnce performs a single cycle. An aborted cycle produces no Run; its
// error is returned after the failure has been logged by the checker.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.state == nil {
		w.state = monitor.NewState()
	}
	cycleID := w.newCycleID()
	ctx = monitor.WithCycleID(ctx, cycleID)

	result, err := w.checker.Check(ctx, w.cfg.URL, w.state, w.cfg.IPv4Only)
	if err != nil {
		return fmt.Errorf("check %s: %w", w.cfg.URL, err)
	}

	now := w.clock.Now()
	appended := monitor.Integrate(w.state, result, now)

	saveErr := w.store.Save(ctx, w.state)
	telemetry.ObserveSnapshotSave(w.store.Backend(), saveErr)
	if saveErr != nil {
		w.logger.Error("snapshot save failed", zap.String("backend", w.store.Backend()), zap.Error(saveErr))
	}

	w.holder.Publish(w.state, true, now)

	if appended {
		w.logger.Info("new run",
			zap.Int("runs", len(w.state.Runs)),
			zap.Int("replicas", len(result)),
		)
		w.emitter.Emit(events.Event{
			CycleID: events.UUIDToBytes(cycleID),
			TS:      now,
			Stage:   events.StageRunNew,
			Target:  w.cfg.URL,
			Note:    fmt.Sprintf("run %d", len(w.state.Runs)),
		})
	}
	return nil
}

// State returns the live State. Callers must not use it concurrently with Run.
func (w *Worker) State() *monitor.State {
	return w.state
}

func (w *Worker) newCycleID() uuid.UUID {
	if w.ids != nil {
		id, err := w.ids.NewCycleID()
		if err == nil {
			return id
		}
		w.logger.Warn("cycle id generation failed, using random id", zap.Error(err))
	}
	return uuid.New()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsAborted reports whether err came from a cycle the checker aborted.
func IsAborted(err error) bool {
	var ce *monitor.CheckError
	return errors.As(err, &ce)
}
