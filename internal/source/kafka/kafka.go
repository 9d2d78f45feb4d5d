// Package kafka adapts a franz-go group consumer to source.Source.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/lsm/eventsub/internal/kafka"
	"github.com/lsm/eventsub/internal/source"
)

// ErrClosed is returned by Poll once the client has been closed.
var ErrClosed = errors.New("kafka client closed")

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, uncommitted map[string]map[int32]kgo.EpochOffset,
		onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	Close()
}

// Source consumes one topic as a member of a consumer group. Offsets are
// committed only through Commit.
type Source struct {
	client consumer
	kgo    *kgo.Client
	topic  string
	group  string
	logger *slog.Logger

	mu       sync.Mutex
	onRevoke source.RevokeFunc
}

var (
	_ source.Source     = (*Source)(nil)
	_ source.Rebalancer = (*Source)(nil)
)

// NewSource creates a consumer for topic from settings, which should
// already be derived for the instance with ForInstance.
func NewSource(settings kafka.ConsumerSettings, topic string, logger *slog.Logger) (*Source, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("topic", topic, "group", settings.GroupID)
	if settings.GroupInstanceID != "" {
		logger = logger.With("group_instance_id", settings.GroupInstanceID)
	}

	s := &Source{
		topic:  topic,
		group:  settings.GroupID,
		logger: logger,
	}

	opts, err := settings.ClientOptions(logger, topic)
	if err != nil {
		return nil, fmt.Errorf("consumer options: %w", err)
	}
	opts = append(opts,
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", "partitions", assigned[topic])
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", "partitions", revoked[topic])
			s.revoked(ctx, revoked, false)
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
			logger.Warn("partitions lost", "partitions", lost[topic])
			s.revoked(ctx, lost, true)
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	s.client = client
	s.kgo = client
	return s, nil
}

// Client exposes the underlying franz-go client for admin use.
func (s *Source) Client() *kgo.Client { return s.kgo }

// Group returns the consumer group id.
func (s *Source) Group() string { return s.group }

// Poll returns the next fetched records. Fetch errors other than
// cancellation are logged and skipped; franz-go retries them internally.
func (s *Source) Poll(ctx context.Context) ([]source.Event, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
	})

	var events []source.Event
	fetches.EachRecord(func(r *kgo.Record) {
		events = append(events, toEvent(r))
	})
	return events, nil
}

func toEvent(r *kgo.Record) source.Event {
	evt := source.Event{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		evt.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			evt.Headers[h.Key] = string(h.Value)
		}
	}
	return evt
}

// Commit synchronously commits offsets. Partition-level failures, such as
// commits for partitions revoked by a rebalance, are joined in the error.
func (s *Source) Commit(ctx context.Context, offsets []source.Offset) error {
	if len(offsets) == 0 {
		return nil
	}
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for _, o := range offsets {
		parts, ok := uncommitted[o.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			uncommitted[o.Topic] = parts
		}
		parts[o.Partition] = kgo.EpochOffset{Epoch: -1, Offset: o.Offset}
	}

	var commitErr error
	s.client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		commitErr = responseErrors(resp)
	})
	if commitErr != nil {
		return fmt.Errorf("commit offsets: %w", commitErr)
	}
	return nil
}

func responseErrors(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("%s/%d: %w", t.Topic, p.Partition, err))
			}
		}
	}
	return errors.Join(errs...)
}

// OnRevoke registers fn for partitions revoked or lost in a rebalance.
// franz-go runs it inside the rebalance, so a commit made from fn lands
// before the next owner starts consuming.
func (s *Source) OnRevoke(fn source.RevokeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRevoke = fn
}

func (s *Source) revoked(ctx context.Context, partitions map[string][]int32, lost bool) {
	s.mu.Lock()
	fn := s.onRevoke
	s.mu.Unlock()
	if fn == nil {
		return
	}
	var out []source.Partition
	for topic, ps := range partitions {
		for _, p := range ps {
			out = append(out, source.Partition{Topic: topic, Partition: p})
		}
	}
	if len(out) > 0 {
		fn(ctx, out, lost)
	}
}

// Close leaves the group and shuts the client down.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
