package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/chunkwatch/internal/events"
)

// LogSink emits structured logs for each event. FETCH_DONE events are logged
// at debug level; everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case events.StageFetchDone:
			level = zapcore.DebugLevel
		case events.StageChunkChanged, events.StageCycleError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "cycle event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.Stringer("cycle_id", evt.CycleUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("target", evt.Target),
			zap.String("replica", evt.Replica),
			zap.String("url", evt.URL),
			zap.String("kind", string(evt.Kind)),
			zap.String("outcome", evt.Outcome),
			zap.String("hash", evt.Hash),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
