package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/chunkwatch/internal/events"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	id := events.UUIDToBytes(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{CycleID: id, TS: now, Stage: events.StageFetchDone, Replica: "r", URL: "u", Kind: events.KindJS, Outcome: "ok"},
		{CycleID: id, TS: now, Stage: events.StageChunkChanged, Replica: "r", URL: "u"},
		{CycleID: id, TS: now, Stage: events.StageCycleDone},
	}))

	entries := logs.All()
	require.Len(t, entries, 2, "fetch events are debug-only")
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "CHUNK_CHANGED", entries[0].ContextMap()["stage"])
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.NoError(t, sink.Close(context.Background()))
}
