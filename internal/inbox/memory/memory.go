// Package memory is an in-process poison inbox. It is not durable across
// restarts and is meant for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/source"
)

type stream struct {
	status inbox.StreamStatus
	events []inbox.PoisonEvent
}

// Store keeps poison records in maps guarded by a RWMutex.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	positions map[string]bool
}

var _ inbox.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		streams:   make(map[string]*stream),
		positions: make(map[string]bool),
	}
}

func (s *Store) Add(ctx context.Context, events []inbox.PoisonEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := inbox.Validate(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pe := range events {
		pos := inbox.PositionKey(pe.Event)
		if s.positions[pos] {
			continue
		}
		s.positions[pos] = true

		key := pe.StreamKey()
		st, ok := s.streams[key]
		if !ok {
			st = &stream{status: inbox.StreamStatus{
				Stream:          key,
				Topic:           pe.Event.Topic,
				FirstPoisonedAt: pe.LastFailedAt,
			}}
			s.streams[key] = st
		}
		pe.Stream = key
		st.events = append(st.events, pe)
		st.status.EventCount++
		if pe.LastFailedAt.Before(st.status.FirstPoisonedAt) {
			st.status.FirstPoisonedAt = pe.LastFailedAt
		}
		if pe.LastFailedAt.After(st.status.LastPoisonedAt) {
			st.status.LastPoisonedAt = pe.LastFailedAt
		}
	}
	return nil
}

func (s *Store) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[evt.StreamKey()]
	return ok, nil
}

func (s *Store) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	poisoned := make(map[string]bool)
	for _, key := range inbox.StreamKeys(events) {
		if _, ok := s.streams[key]; ok {
			poisoned[key] = true
		}
	}
	s.mu.RUnlock()
	return inbox.Filter(events, poisoned), nil
}

func (s *Store) Streams(ctx context.Context) ([]inbox.StreamStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]inbox.StreamStatus, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.status)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstPoisonedAt.Equal(out[j].FirstPoisonedAt) {
			return out[i].Stream < out[j].Stream
		}
		return out[i].FirstPoisonedAt.Before(out[j].FirstPoisonedAt)
	})
	return out, nil
}

func (s *Store) Events(ctx context.Context, key string) ([]inbox.PoisonEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[key]
	if !ok {
		return nil, nil
	}
	return append([]inbox.PoisonEvent(nil), st.events...), nil
}

func (s *Store) Close(context.Context) error { return nil }
