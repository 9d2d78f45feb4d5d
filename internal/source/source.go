package source

import (
	"context"
	"strconv"
	"time"
)

// Event is an immutable record consumed from a partitioned log.
type Event struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Stream is the logical ordering key assigned by the pipeline. Empty
	// means the default key derived from topic, partition and record key.
	Stream string
}

// StreamKey returns the logical stream the event belongs to.
func (e Event) StreamKey() string {
	if e.Stream != "" {
		return e.Stream
	}
	return DefaultStreamKey(e.Topic, e.Partition, string(e.Key))
}

// DefaultStreamKey builds the "<topic>/<partition>/<id>" stream key.
func DefaultStreamKey(topic string, partition int32, id string) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10) + "/" + id
}

// Position identifies an event within its log.
func (e Event) Position() Offset {
	return Offset{Topic: e.Topic, Partition: e.Partition, Offset: e.Offset}
}

// Offset is a commit position: the next offset to consume on a partition.
type Offset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Source supplies ordered events per partition and durable offset commits.
// Implementations never commit on their own; the caller owns commit timing.
type Source interface {
	// Poll blocks until events are available or ctx is done. Events of one
	// partition are returned in offset order.
	Poll(ctx context.Context) ([]Event, error)

	// Commit durably stores the given next-to-consume offsets.
	Commit(ctx context.Context, offsets []Offset) error

	// Close performs graceful shutdown.
	Close() error
}

// Partition identifies one partition of a topic.
type Partition struct {
	Topic     string
	Partition int32
}

// RevokeFunc is told which partitions the consumer is giving up. lost
// reports that they are already owned by another consumer, so commits for
// them will fail.
type RevokeFunc func(ctx context.Context, partitions []Partition, lost bool)

// Rebalancer is implemented by sources whose partitions can move to other
// consumers while polling. The registered func runs before a revoked
// partition is handed over, and may call Commit.
type Rebalancer interface {
	OnRevoke(fn RevokeFunc)
}
