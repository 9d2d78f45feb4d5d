// Package pebblestore keeps the poison inbox in an embedded Pebble database
// for single-node deployments without an external store.
//
// Layout:
//
//	p/<topic>/<partition>@<offset>          -> stream key
//	s/<stream>                              -> JSON stream status
//	e/<stream>\x00<partition:4><offset:8>   -> JSON poison event
//
// Event keys sort by partition then offset inside a stream, so listing a
// stream is a single prefix scan.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/source"
)

const (
	positionPrefix = "p/"
	statusPrefix   = "s/"
	eventPrefix    = "e/"
)

// Config locates the database on disk.
type Config struct {
	DataDir string `yaml:"dataDir" env:"EVENTSUB_PEBBLE_DIR"`
	// NoSync skips the WAL fsync on each Add. Records survive a process
	// crash but not a machine crash.
	NoSync bool `yaml:"noSync"`
}

type status struct {
	Topic           string    `json:"topic"`
	EventCount      int       `json:"eventCount"`
	FirstPoisonedAt time.Time `json:"firstPoisonedAt"`
	LastPoisonedAt  time.Time `json:"lastPoisonedAt"`
}

type record struct {
	ID            string            `json:"id"`
	Stream        string            `json:"stream"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           []byte            `json:"key,omitempty"`
	Value         []byte            `json:"value,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	RecordTime    time.Time         `json:"recordTime,omitzero"`
	Reason        string            `json:"reason,omitempty"`
	FailureCount  int               `json:"failureCount"`
	FirstFailedAt time.Time         `json:"firstFailedAt"`
	LastFailedAt  time.Time         `json:"lastFailedAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// Store implements inbox.Store on Pebble.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// Add reads stream statuses before rewriting them.
	mu sync.Mutex
}

var _ inbox.Store = (*Store)(nil)

// Open creates or opens the database in cfg.DataDir.
func Open(cfg Config) (*Store, error) {
	return OpenWith(cfg, &pebble.Options{})
}

// OpenWith opens the database with caller supplied Pebble options, for
// example an in-memory filesystem in tests.
func OpenWith(cfg Config, opts *pebble.Options) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("pebble: data dir is required")
	}
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(cfg.DataDir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", cfg.DataDir, err)
	}
	wo := pebble.Sync
	if cfg.NoSync {
		wo = pebble.NoSync
	}
	return &Store{db: db, writeOpts: wo}, nil
}

func positionKey(evt source.Event) []byte {
	return []byte(positionPrefix + inbox.PositionKey(evt))
}

func statusKey(stream string) []byte {
	return []byte(statusPrefix + stream)
}

func eventsPrefix(stream string) []byte {
	return append([]byte(eventPrefix+stream), 0)
}

func eventKey(stream string, evt source.Event) []byte {
	k := eventsPrefix(stream)
	k = binary.BigEndian.AppendUint32(k, uint32(evt.Partition))
	return binary.BigEndian.AppendUint64(k, uint64(evt.Offset))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (s *Store) loadStatus(stream string) (*status, error) {
	v, closer, err := s.db.Get(statusKey(stream))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var st status
	if err := json.Unmarshal(v, &st); err != nil {
		return nil, fmt.Errorf("decode stream status %s: %w", stream, err)
	}
	return &st, nil
}

func (s *Store) Add(ctx context.Context, events []inbox.PoisonEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := inbox.Validate(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	statuses := make(map[string]*status)
	seen := make(map[string]bool, len(events))
	for _, pe := range events {
		pos := positionKey(pe.Event)
		if seen[string(pos)] {
			continue
		}
		seen[string(pos)] = true
		exists, err := s.has(pos)
		if err != nil {
			return inbox.StorageError(fmt.Errorf("check position: %w", err))
		}
		if exists {
			continue
		}

		stream := pe.StreamKey()
		st, ok := statuses[stream]
		if !ok {
			if st, err = s.loadStatus(stream); err != nil {
				return inbox.StorageError(err)
			}
			if st == nil {
				st = &status{Topic: pe.Event.Topic, FirstPoisonedAt: pe.LastFailedAt}
			}
			statuses[stream] = st
		}
		st.EventCount++
		if pe.LastFailedAt.Before(st.FirstPoisonedAt) {
			st.FirstPoisonedAt = pe.LastFailedAt
		}
		if pe.LastFailedAt.After(st.LastPoisonedAt) {
			st.LastPoisonedAt = pe.LastFailedAt
		}

		id := pe.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		payload, err := json.Marshal(record{
			ID:            id.String(),
			Stream:        stream,
			Topic:         pe.Event.Topic,
			Partition:     pe.Event.Partition,
			Offset:        pe.Event.Offset,
			Key:           pe.Event.Key,
			Value:         pe.Event.Value,
			Headers:       pe.Event.Headers,
			RecordTime:    pe.Event.Timestamp,
			Reason:        pe.Reason,
			FailureCount:  pe.FailureCount,
			FirstFailedAt: pe.FirstFailedAt,
			LastFailedAt:  pe.LastFailedAt,
			CorrelationID: pe.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("encode poison event: %w", err)
		}
		if err := b.Set(pos, []byte(stream), nil); err != nil {
			return inbox.StorageError(err)
		}
		if err := b.Set(eventKey(stream, pe.Event), payload, nil); err != nil {
			return inbox.StorageError(err)
		}
	}

	for stream, st := range statuses {
		v, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode stream status: %w", err)
		}
		if err := b.Set(statusKey(stream), v, nil); err != nil {
			return inbox.StorageError(err)
		}
	}
	if b.Empty() {
		return nil
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return inbox.StorageError(fmt.Errorf("commit poison events: %w", err))
	}
	return nil
}

func (s *Store) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.has(statusKey(evt.StreamKey()))
	if err != nil {
		return false, inbox.StorageError(fmt.Errorf("check poison stream: %w", err))
	}
	return ok, nil
}

func (s *Store) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	poisoned := make(map[string]bool)
	for _, key := range inbox.StreamKeys(events) {
		ok, err := s.has(statusKey(key))
		if err != nil {
			return nil, inbox.StorageError(fmt.Errorf("check poison streams: %w", err))
		}
		if ok {
			poisoned[key] = true
		}
	}
	return inbox.Filter(events, poisoned), nil
}

func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return inbox.StorageError(err)
	}
	for it.First(); it.Valid(); it.Next() {
		v, err := it.ValueAndErr()
		if err != nil {
			_ = it.Close()
			return inbox.StorageError(err)
		}
		if err := fn(it.Key(), v); err != nil {
			_ = it.Close()
			return err
		}
	}
	if err := it.Close(); err != nil {
		return inbox.StorageError(err)
	}
	return nil
}

func (s *Store) Streams(ctx context.Context) ([]inbox.StreamStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []inbox.StreamStatus
	err := s.scan([]byte(statusPrefix), func(k, v []byte) error {
		var st status
		if err := json.Unmarshal(v, &st); err != nil {
			return fmt.Errorf("decode stream status %s: %w", k, err)
		}
		out = append(out, inbox.StreamStatus{
			Stream:          string(k[len(statusPrefix):]),
			Topic:           st.Topic,
			EventCount:      st.EventCount,
			FirstPoisonedAt: st.FirstPoisonedAt,
			LastPoisonedAt:  st.LastPoisonedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FirstPoisonedAt.Equal(out[j].FirstPoisonedAt) {
			return out[i].FirstPoisonedAt.Before(out[j].FirstPoisonedAt)
		}
		return out[i].Stream < out[j].Stream
	})
	return out, nil
}

func (s *Store) Events(ctx context.Context, stream string) ([]inbox.PoisonEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []inbox.PoisonEvent
	err := s.scan(eventsPrefix(stream), func(k, v []byte) error {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode poison event %x: %w", k, err)
		}
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return fmt.Errorf("parse poison event id %q: %w", r.ID, err)
		}
		out = append(out, inbox.PoisonEvent{
			ID: id,
			Event: source.Event{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
				Headers:   r.Headers,
				Timestamp: r.RecordTime,
				Stream:    r.Stream,
			},
			Stream:        r.Stream,
			Reason:        r.Reason,
			FailureCount:  r.FailureCount,
			FirstFailedAt: r.FirstFailedAt,
			LastFailedAt:  r.LastFailedAt,
			CorrelationID: r.CorrelationID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Close(context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
