package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/lsm/eventsub/internal/kafka"
	"github.com/lsm/eventsub/internal/source"
)

type mockConsumer struct {
	fetches   []kgo.Fetches
	committed []map[string]map[int32]kgo.EpochOffset
	commitErr error
	resp      *kmsg.OffsetCommitResponse
	closed    bool
}

func (m *mockConsumer) PollFetches(context.Context) kgo.Fetches {
	if len(m.fetches) == 0 {
		return nil
	}
	f := m.fetches[0]
	m.fetches = m.fetches[1:]
	return f
}

func (m *mockConsumer) CommitOffsetsSync(_ context.Context, uncommitted map[string]map[int32]kgo.EpochOffset,
	onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error)) {
	m.committed = append(m.committed, uncommitted)
	onDone(nil, nil, m.resp, m.commitErr)
}

func (m *mockConsumer) Close() { m.closed = true }

func testSource(c consumer) *Source {
	return &Source{client: c, topic: "orders", logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func fetchOf(partitions ...kgo.FetchPartition) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: "orders", Partitions: partitions}}}}
}

func TestNewSource_Validation(t *testing.T) {
	if _, err := NewSource(kafka.ConsumerSettings{}, "", nil); err == nil {
		t.Fatal("expected error for missing topic")
	}
	if _, err := NewSource(kafka.ConsumerSettings{}, "orders", nil); err == nil {
		t.Fatal("expected error for missing brokers and group")
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(kafka.ConsumerSettings{
		Cluster:         kafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		GroupID:         "billing",
		GroupInstanceID: "billing-1#2",
	}, "orders", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.Client() == nil || s.Group() != "billing" {
		t.Errorf("unexpected source: group=%s", s.Group())
	}
	if id := s.Client().OptValue(kgo.ClientID); id != "eventsub-billing-billing-1#2" {
		t.Errorf("client id = %v", id)
	}
}

func TestSource_OnRevoke(t *testing.T) {
	s := testSource(&mockConsumer{})
	ctx := context.Background()

	// Nothing registered yet.
	s.revoked(ctx, map[string][]int32{"orders": {0}}, false)

	type call struct {
		parts map[source.Partition]bool
		lost  bool
	}
	var calls []call
	s.OnRevoke(func(_ context.Context, partitions []source.Partition, lost bool) {
		c := call{parts: make(map[source.Partition]bool), lost: lost}
		for _, p := range partitions {
			c.parts[p] = true
		}
		calls = append(calls, c)
	})

	s.revoked(ctx, map[string][]int32{"orders": {2, 0}}, false)
	s.revoked(ctx, map[string][]int32{"orders": {1}}, true)
	s.revoked(ctx, map[string][]int32{"orders": nil}, false)

	if len(calls) != 2 {
		t.Fatalf("expected 2 revoke calls, got %d", len(calls))
	}
	first := calls[0]
	if first.lost || len(first.parts) != 2 ||
		!first.parts[source.Partition{Topic: "orders", Partition: 0}] ||
		!first.parts[source.Partition{Topic: "orders", Partition: 2}] {
		t.Errorf("unexpected revoke %+v", first)
	}
	if !calls[1].lost || !calls[1].parts[source.Partition{Topic: "orders", Partition: 1}] {
		t.Errorf("expected partition 1 reported lost, got %+v", calls[1])
	}
}

func TestSource_PollConvertsRecords(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mc := &mockConsumer{fetches: []kgo.Fetches{fetchOf(
		kgo.FetchPartition{Partition: 0, Records: []*kgo.Record{
			{Topic: "orders", Partition: 0, Offset: 10, Key: []byte("a"), Value: []byte("v1"), Timestamp: ts,
				Headers: []kgo.RecordHeader{{Key: "type", Value: []byte("OrderPlaced")}}},
			{Topic: "orders", Partition: 0, Offset: 11, Key: []byte("b"), Value: []byte("v2")},
		}},
		kgo.FetchPartition{Partition: 1, Err: errors.New("not leader")},
	)}}
	s := testSource(mc)

	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first := events[0]
	if first.Offset != 10 || string(first.Key) != "a" || string(first.Value) != "v1" || !first.Timestamp.Equal(ts) {
		t.Errorf("unexpected event: %+v", first)
	}
	if first.Headers["type"] != "OrderPlaced" {
		t.Errorf("expected header, got %v", first.Headers)
	}
	if first.StreamKey() != "orders/0/a" {
		t.Errorf("unexpected stream key %s", first.StreamKey())
	}
	if events[1].Headers != nil {
		t.Errorf("expected nil headers, got %v", events[1].Headers)
	}
}

func TestSource_PollCancelled(t *testing.T) {
	s := testSource(&mockConsumer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSource_PollClosed(t *testing.T) {
	s := testSource(&mockConsumer{fetches: []kgo.Fetches{fetchOf(
		kgo.FetchPartition{Partition: -1, Err: kgo.ErrClientClosed},
	)}})

	if _, err := s.Poll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSource_Commit(t *testing.T) {
	mc := &mockConsumer{}
	s := testSource(mc)

	err := s.Commit(context.Background(), []source.Offset{
		{Topic: "orders", Partition: 0, Offset: 12},
		{Topic: "orders", Partition: 3, Offset: 7},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mc.committed) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(mc.committed))
	}
	parts := mc.committed[0]["orders"]
	if parts[0].Offset != 12 || parts[3].Offset != 7 {
		t.Errorf("unexpected commit: %+v", parts)
	}

	if err := s.Commit(context.Background(), nil); err != nil || len(mc.committed) != 1 {
		t.Error("empty commits must not reach the client")
	}
}

func TestSource_CommitErrors(t *testing.T) {
	mc := &mockConsumer{commitErr: errors.New("coordinator unavailable")}
	s := testSource(mc)
	err := s.Commit(context.Background(), []source.Offset{{Topic: "orders", Partition: 0, Offset: 1}})
	if err == nil || !strings.Contains(err.Error(), "coordinator unavailable") {
		t.Fatalf("expected request error, got %v", err)
	}

	resp := kmsg.NewPtrOffsetCommitResponse()
	topic := kmsg.NewOffsetCommitResponseTopic()
	topic.Topic = "orders"
	ok := kmsg.NewOffsetCommitResponseTopicPartition()
	ok.Partition = 0
	revoked := kmsg.NewOffsetCommitResponseTopicPartition()
	revoked.Partition = 1
	revoked.ErrorCode = kerr.RebalanceInProgress.Code
	topic.Partitions = append(topic.Partitions, ok, revoked)
	resp.Topics = append(resp.Topics, topic)

	s = testSource(&mockConsumer{resp: resp})
	err = s.Commit(context.Background(), []source.Offset{{Topic: "orders", Partition: 0, Offset: 1}, {Topic: "orders", Partition: 1, Offset: 5}})
	if !errors.Is(err, kerr.RebalanceInProgress) {
		t.Fatalf("expected RebalanceInProgress, got %v", err)
	}
	if !strings.Contains(err.Error(), "orders/1") {
		t.Errorf("expected partition in error, got %v", err)
	}
}

func TestSource_Close(t *testing.T) {
	mc := &mockConsumer{}
	if err := testSource(mc).Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if !mc.closed {
		t.Error("expected client to be closed")
	}
}
