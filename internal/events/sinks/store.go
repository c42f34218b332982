package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/events"
	"github.com/JakeFAU/chunkwatch/internal/store"
)

// StoreSink persists drift-relevant events via a store.EventRepository.
// FETCH_DONE and cycle bookkeeping events are not persisted.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the persisted stages of batch in a single repository call.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	rows := make([]store.DriftEvent, 0, len(batch))
	for _, evt := range batch {
		if !persisted(evt.Stage) {
			continue
		}
		rows = append(rows, store.DriftEvent{
			CycleID:    evt.CycleUUID(),
			Stage:      string(evt.Stage),
			Target:     evt.Target,
			Replica:    evt.Replica,
			URL:        evt.URL,
			Hash:       evt.Hash,
			Outcome:    evt.Outcome,
			Note:       evt.Note,
			OccurredAt: evt.TS.UTC(),
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.repo.RecordEvents(ctx, rows); err != nil {
		return fmt.Errorf("record drift events: %w", err)
	}
	s.logger.Debug("drift events stored", zap.Int("count", len(rows)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func persisted(stage events.Stage) bool {
	switch stage {
	case events.StageVersionNew, events.StageChunkChanged, events.StageRunNew, events.StageCycleError:
		return true
	}
	return false
}
