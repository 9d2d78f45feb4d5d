// Package inbox defines the poison event inbox: the durable ledger of
// streams whose events permanently failed and of the events diverted from
// them. A stream, once recorded, stays poisoned until an operator resolves
// it outside the delivery path.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/eventsub/internal/source"
)

// ErrStorage reports that the backing medium is unavailable. Writes that
// fail with it were not recorded.
var ErrStorage = errors.New("poison inbox storage unavailable")

// StorageError wraps err so that errors.Is(err, ErrStorage) holds.
func StorageError(err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// PoisonEvent is an event diverted from processing, with failure metadata.
type PoisonEvent struct {
	ID            uuid.UUID
	Event         source.Event
	Stream        string
	Reason        string
	FailureCount  int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	CorrelationID string
}

// NewPoisonEvent records evt as poisoned because of cause after attempts
// handler attempts. A zero attempts count marks an event diverted because
// its stream was already poisoned.
func NewPoisonEvent(evt source.Event, cause error, attempts int, firstFailedAt, now time.Time, correlationID string) PoisonEvent {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}
	return PoisonEvent{
		ID:            uuid.New(),
		Event:         evt,
		Stream:        evt.StreamKey(),
		Reason:        reason,
		FailureCount:  attempts,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  now,
		CorrelationID: correlationID,
	}
}

// StreamKey returns the stream the event poisons.
func (p PoisonEvent) StreamKey() string {
	if p.Stream != "" {
		return p.Stream
	}
	return p.Event.StreamKey()
}

// StreamStatus summarises one poisoned stream.
type StreamStatus struct {
	Stream          string    `json:"stream"`
	Topic           string    `json:"topic"`
	EventCount      int       `json:"eventCount"`
	FirstPoisonedAt time.Time `json:"firstPoisonedAt"`
	LastPoisonedAt  time.Time `json:"lastPoisonedAt"`
}

// Inbox is the contract the delivery pipeline relies on. Implementations
// are safe for concurrent use and reads observe every completed write.
type Inbox interface {
	// Add durably records events and marks their streams poisoned. Either
	// every event is recorded or none is. Re-adding an event already
	// recorded at the same topic, partition and offset is a no-op.
	Add(ctx context.Context, events []PoisonEvent) error

	// IsStreamPoisoned reports whether evt's stream has any recorded entry.
	IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error)

	// GetPoisonStreamsEvents returns, in input order, exactly those events
	// whose stream is poisoned.
	GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error)
}

// Admin is the read-only listing used by operator tooling.
type Admin interface {
	Streams(ctx context.Context) ([]StreamStatus, error)
	Events(ctx context.Context, stream string) ([]PoisonEvent, error)
}

// Store is an Inbox that also supports the admin listing.
type Store interface {
	Inbox
	Admin
	Close(ctx context.Context) error
}

// Validate checks that events can be recorded.
func Validate(events []PoisonEvent) error {
	var errs []error
	for i, pe := range events {
		if pe.StreamKey() == "" {
			errs = append(errs, fmt.Errorf("event %d: stream key is required", i))
		}
		if pe.Event.Topic == "" {
			errs = append(errs, fmt.Errorf("event %d: topic is required", i))
		}
	}
	return errors.Join(errs...)
}

// Filter returns the events whose stream is in poisoned, preserving order.
func Filter(events []source.Event, poisoned map[string]bool) []source.Event {
	var out []source.Event
	for _, evt := range events {
		if poisoned[evt.StreamKey()] {
			out = append(out, evt)
		}
	}
	return out
}

// StreamKeys returns the distinct stream keys of events in first-seen order.
func StreamKeys(events []source.Event) []string {
	seen := make(map[string]bool, len(events))
	keys := make([]string, 0, len(events))
	for _, evt := range events {
		k := evt.StreamKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// PositionKey identifies an event by its log position for idempotent
// inserts.
func PositionKey(evt source.Event) string {
	return fmt.Sprintf("%s/%d@%d", evt.Topic, evt.Partition, evt.Offset)
}
