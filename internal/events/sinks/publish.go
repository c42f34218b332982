package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/events"
)

// Publisher sends a payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Alert is the message published for drift events.
type Alert struct {
	CycleID    string    `json:"cycleId"`
	Stage      string    `json:"stage"`
	Target     string    `json:"target"`
	Replica    string    `json:"replica,omitempty"`
	URL        string    `json:"url,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PublishSink turns CHUNK_CHANGED, VERSION_NEW and RUN_NEW events into alerts.
type PublishSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink for topic.
func NewPublishSink(publisher Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one alert per alerting event. All alerts are attempted;
// failures are joined into the returned error.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageChunkChanged, events.StageVersionNew, events.StageRunNew:
		default:
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, alertFor(evt))
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
			continue
		}
		s.logger.Debug("alert published", zap.String("stage", string(evt.Stage)), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func alertFor(evt events.Event) Alert {
	return Alert{
		CycleID:    evt.CycleUUID().String(),
		Stage:      string(evt.Stage),
		Target:     evt.Target,
		Replica:    evt.Replica,
		URL:        evt.URL,
		Hash:       evt.Hash,
		Outcome:    evt.Outcome,
		Note:       evt.Note,
		OccurredAt: evt.TS.UTC(),
	}
}
