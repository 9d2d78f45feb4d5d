//go:build integration

package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/eventsub/internal/config"
	handlerhttp "github.com/lsm/eventsub/internal/handler/http"
	"github.com/lsm/eventsub/internal/inbox/memory"
	"github.com/lsm/eventsub/internal/kafka"
	kafkasource "github.com/lsm/eventsub/internal/source/kafka"
)

func brokers() []string {
	b := os.Getenv("KAFKA_BROKERS")
	if b == "" {
		b = "localhost:9092"
	}
	return strings.Split(b, ",")
}

func TestHost_KafkaEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	topic := fmt.Sprintf("eventsub-it-%d", time.Now().UnixNano())
	mirrorTopic := topic + "-poison"

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers()...))
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	if _, err := admin.CreateTopics(ctx, 1, 1, nil, topic, mirrorTopic); err != nil {
		t.Fatalf("create topics: %v", err)
	}
	defer func() {
		_, _ = admin.DeleteTopics(context.Background(), topic, mirrorTopic)
	}()

	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "bad") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sc := subConfig(topic)
	sc.DeadLetter = true
	sc.Handler = config.HandlerConfig{Type: config.HandlerHTTP, HTTP: handlerhttp.Config{URL: srv.URL}}
	cfg := hostConfig(sc)
	cfg.Kafka.Brokers = brokers()
	cfg.Consumer.GroupID = topic + "-group"
	cfg.Consumer.AutoOffsetReset = kafka.ResetEarliest
	cfg.Inbox.MirrorTopic = mirrorTopic

	pub, err := kafkasource.NewPublisher(cfg.Kafka, slog.Default())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()

	store := memory.New()
	h := New(cfg, GuardInbox(store, cfg.Inbox, pub, nil, slog.Default()))

	hostCtx, hostCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.Run(hostCtx) }()

	value := func(id string) []byte {
		return []byte(`{"type":"order.created","id":"` + id + `"}`)
	}
	records := []*kgo.Record{
		{Topic: topic, Key: []byte("a"), Value: value("ok-1")},
		{Topic: topic, Key: []byte("b"), Value: value("bad")},
		{Topic: topic, Key: []byte("b"), Value: value("ok-2")},
		{Topic: topic, Key: []byte("c"), Value: value("ok-3")},
	}
	if err := client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		streams, err := store.Streams(ctx)
		if err == nil && len(streams) == 1 && streams[0].EventCount == 2 && delivered.Load() == 2 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if got := delivered.Load(); got != 2 {
		t.Fatalf("expected 2 delivered events, got %d", got)
	}
	streams, err := store.Streams(ctx)
	if err != nil {
		t.Fatalf("streams: %v", err)
	}
	if len(streams) != 1 || streams[0].EventCount != 2 {
		t.Fatalf("expected one poisoned stream with 2 events, got %+v", streams)
	}

	// The quarantined events are mirrored to the poison topic.
	mirror, err := kgo.NewClient(
		kgo.SeedBrokers(brokers()...),
		kgo.ConsumeTopics(mirrorTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		t.Fatalf("mirror consumer: %v", err)
	}
	defer mirror.Close()

	var mirrored int
	for mirrored < 2 && ctx.Err() == nil {
		fetches := mirror.PollFetches(ctx)
		fetches.EachRecord(func(*kgo.Record) { mirrored++ })
	}
	if mirrored != 2 {
		t.Fatalf("expected 2 mirrored records, got %d", mirrored)
	}

	hostCancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
