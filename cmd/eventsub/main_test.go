package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/inbox/inboxtest"
	pebblestore "github.com/lsm/eventsub/internal/inbox/pebble"
)

const baseConfig = `
kafka:
  brokers: [localhost:9092]
consumer:
  groupId: orders-consumer
subscriptions:
  - topic: orders
    codec:
      typeHeader: type
      types: [OrderPlaced]
`

func writeConfig(t *testing.T, inboxYAML string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(baseConfig+inboxYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "1 subscription(s), inbox backend memory") {
		t.Errorf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "orders: mode=single handler=log instances=1") {
		t.Errorf("expected subscription summary, got: %s", out)
	}
}

func TestValidate_ReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("subscriptions: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "validate", "--config", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func seedPebble(t *testing.T, dir string) inbox.PoisonEvent {
	t.Helper()
	ctx := context.Background()
	s, err := pebblestore.Open(pebblestore.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	pe := inboxtest.Poison(inboxtest.Event("orders", "a", 4), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := s.Add(ctx, []inbox.PoisonEvent{pe}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	return pe
}

func TestInbox_Streams(t *testing.T) {
	dir := t.TempDir()
	seedPebble(t, dir)
	path := writeConfig(t, "inbox:\n  backend: pebble\n  pebble:\n    dataDir: "+dir+"\n")

	out, err := execute(t, "inbox", "streams", "--config", path)
	if err != nil {
		t.Fatalf("inbox streams: %v", err)
	}
	var streams []inbox.StreamStatus
	if err := json.Unmarshal([]byte(out), &streams); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(streams) != 1 || streams[0].Stream != "orders/0/a" || streams[0].EventCount != 1 {
		t.Errorf("unexpected streams %+v", streams)
	}
}

func TestInbox_Events(t *testing.T) {
	dir := t.TempDir()
	pe := seedPebble(t, dir)
	path := writeConfig(t, "inbox:\n  backend: pebble\n  pebble:\n    dataDir: "+dir+"\n")

	out, err := execute(t, "inbox", "events", "orders/0/a", "--config", path)
	if err != nil {
		t.Fatalf("inbox events: %v", err)
	}
	var events []eventView
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.ID != pe.ID.String() || got.Offset != 4 || got.Key != "a" || got.FailureCount != 3 {
		t.Errorf("unexpected event %+v", got)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Value, &payload); err != nil || payload["offset"] != float64(4) {
		t.Errorf("expected the JSON payload inline, got %s", got.Value)
	}
}

func TestInbox_MemoryBackendRejected(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := execute(t, "inbox", "streams", "--config", path); err == nil {
		t.Fatal("expected error for the in-process backend")
	}
}

func TestInbox_EventsNeedsStream(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := execute(t, "inbox", "events", "--config", path); err == nil {
		t.Fatal("expected argument error")
	}
}
