package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/inbox/memory"
	"github.com/lsm/eventsub/internal/source"
)

type failingAdmin struct{}

func (failingAdmin) Streams(context.Context) ([]inbox.StreamStatus, error) {
	return nil, errors.New("store down")
}

func (failingAdmin) Events(context.Context, string) ([]inbox.PoisonEvent, error) {
	return nil, errors.New("store down")
}

func newServer(t *testing.T, store inbox.Admin) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(NewHandlers(store, slog.New(slog.NewTextHandler(io.Discard, nil)))))
	t.Cleanup(srv.Close)
	return srv
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := source.Event{Topic: "orders", Partition: 0, Offset: 7, Key: []byte("o-1"), Value: []byte(`{"id":1}`)}
	pe := inbox.NewPoisonEvent(evt, errors.New("boom"), 3, now.Add(-time.Minute), now, "corr-1")
	if err := store.Add(context.Background(), []inbox.PoisonEvent{pe}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestListStreams(t *testing.T) {
	srv := newServer(t, seed(t))

	resp, err := http.Get(srv.URL + "/poison/streams")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var streams []inbox.StreamStatus
	if err := json.NewDecoder(resp.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 1 || streams[0].Stream != "orders/0/o-1" || streams[0].EventCount != 1 {
		t.Fatalf("unexpected streams %+v", streams)
	}
}

func TestListStreams_Empty(t *testing.T) {
	srv := newServer(t, memory.New())

	resp, err := http.Get(srv.URL + "/poison/streams")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestListEvents(t *testing.T) {
	srv := newServer(t, seed(t))

	resp, err := http.Get(srv.URL + "/poison/streams/" + url.PathEscape("orders/0/o-1") + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var events []Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Offset != 7 || got.Reason != "boom" || got.FailureCount != 3 || got.CorrelationID != "corr-1" {
		t.Errorf("unexpected event %+v", got)
	}
	if string(got.Value) != `{"id":1}` {
		t.Errorf("expected raw value, got %s", got.Value)
	}
}

func TestListEvents_UnknownStream(t *testing.T) {
	srv := newServer(t, seed(t))

	resp, err := http.Get(srv.URL + "/poison/streams/" + url.PathEscape("orders/0/nope") + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStoreErrors(t *testing.T) {
	srv := newServer(t, failingAdmin{})

	for _, path := range []string{"/poison/streams", "/poison/streams/x/events"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", path, resp.StatusCode)
		}
	}
}
