package inbox

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/lsm/eventsub/internal/source"
)

// Publisher publishes a record to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Mirror copies every durably recorded poison event to a dead-letter topic
// so downstream tooling can observe quarantines. The inbox write is the
// source of truth: publish failures are logged and never fail Add.
type Mirror struct {
	inner     Inbox
	publisher Publisher
	topic     string
	logger    *slog.Logger
}

var _ Inbox = (*Mirror)(nil)

// NewMirror wraps inner and publishes recorded events to topic.
func NewMirror(inner Inbox, pub Publisher, topic string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{inner: inner, publisher: pub, topic: topic, logger: logger}
}

func (m *Mirror) Add(ctx context.Context, events []PoisonEvent) error {
	if err := m.inner.Add(ctx, events); err != nil {
		return err
	}
	for _, pe := range events {
		if err := m.publisher.Publish(ctx, m.topic, pe.Event.Key, pe.Event.Value, MirrorHeaders(pe)); err != nil {
			m.logger.Warn("poison mirror publish failed",
				"topic", m.topic,
				"stream", pe.StreamKey(),
				"offset", pe.Event.Offset,
				"error", err,
			)
		}
	}
	return nil
}

func (m *Mirror) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	return m.inner.IsStreamPoisoned(ctx, evt)
}

func (m *Mirror) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	return m.inner.GetPoisonStreamsEvents(ctx, events)
}

// MirrorHeaders returns the original record headers plus poison metadata.
func MirrorHeaders(pe PoisonEvent) map[string]string {
	headers := make(map[string]string, len(pe.Event.Headers)+10)
	for k, v := range pe.Event.Headers {
		headers[k] = v
	}
	headers["poison-id"] = pe.ID.String()
	headers["poison-stream"] = pe.StreamKey()
	headers["poison-original-topic"] = pe.Event.Topic
	headers["poison-original-partition"] = strconv.FormatInt(int64(pe.Event.Partition), 10)
	headers["poison-original-offset"] = strconv.FormatInt(pe.Event.Offset, 10)
	headers["poison-reason"] = pe.Reason
	headers["poison-failure-count"] = strconv.Itoa(pe.FailureCount)
	headers["poison-first-failed-at"] = pe.FirstFailedAt.UTC().Format(time.RFC3339)
	headers["poison-last-failed-at"] = pe.LastFailedAt.UTC().Format(time.RFC3339)
	if pe.CorrelationID != "" {
		headers["poison-correlation-id"] = pe.CorrelationID
	}
	return headers
}
