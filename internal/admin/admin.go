// Package admin exposes a read-only HTTP view of the poison inbox.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsm/eventsub/internal/inbox"
)

// Event is the JSON form of a quarantined event.
type Event struct {
	ID            string            `json:"id"`
	Stream        string            `json:"stream"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           string            `json:"key,omitempty"`
	Value         []byte            `json:"value,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Reason        string            `json:"reason"`
	FailureCount  int               `json:"failureCount"`
	FirstFailedAt time.Time         `json:"firstFailedAt"`
	LastFailedAt  time.Time         `json:"lastFailedAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

func toEvent(pe inbox.PoisonEvent) Event {
	return Event{
		ID:            pe.ID.String(),
		Stream:        pe.StreamKey(),
		Topic:         pe.Event.Topic,
		Partition:     pe.Event.Partition,
		Offset:        pe.Event.Offset,
		Key:           string(pe.Event.Key),
		Value:         pe.Event.Value,
		Headers:       pe.Event.Headers,
		Reason:        pe.Reason,
		FailureCount:  pe.FailureCount,
		FirstFailedAt: pe.FirstFailedAt,
		LastFailedAt:  pe.LastFailedAt,
		CorrelationID: pe.CorrelationID,
	}
}

// Handlers serves the inbox listing.
type Handlers struct {
	store  inbox.Admin
	logger *slog.Logger
}

// NewHandlers creates handlers over store.
func NewHandlers(store inbox.Admin, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, logger: logger}
}

// NewRouter mounts the admin routes. Stream keys contain slashes and must
// be path-escaped by clients.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/poison/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Get("/{stream}/events", h.ListEvents)
	})
	return r
}

// ListStreams returns every poisoned stream.
func (h *Handlers) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.store.Streams(r.Context())
	if err != nil {
		h.fail(w, r, "list poison streams", err)
		return
	}
	if streams == nil {
		streams = []inbox.StreamStatus{}
	}
	writeJSON(w, http.StatusOK, streams)
}

// ListEvents returns the quarantined events of one stream.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	stream, err := url.PathUnescape(chi.URLParam(r, "stream"))
	if err != nil || stream == "" {
		http.Error(w, "invalid stream", http.StatusBadRequest)
		return
	}

	events, err := h.store.Events(r.Context(), stream)
	if err != nil {
		h.fail(w, r, "list poison events", err)
		return
	}
	if len(events) == 0 {
		http.Error(w, "stream is not poisoned", http.StatusNotFound)
		return
	}
	out := make([]Event, len(events))
	for i, pe := range events {
		out[i] = toEvent(pe)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
