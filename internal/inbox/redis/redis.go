// Package redis stores the poison inbox in Redis. Add runs as a single Lua
// script so a batch is applied atomically. The script touches keys derived
// from the stream name, so the store targets a standalone server or a
// single-shard deployment.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/source"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "eventsub:poison:"

// Config describes how to reach the server.
type Config struct {
	Addr     string `yaml:"addr" env:"EVENTSUB_REDIS_ADDR"`
	Password string `yaml:"password" env:"EVENTSUB_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"EVENTSUB_REDIS_DB"`
	Prefix   string `yaml:"prefix"`
}

// Timestamps are stored as unix microseconds so Lua can compare them
// without losing precision.
var addScript = redis.NewScript(`
local prefix = ARGV[1]
local added = 0
for i = 2, #ARGV, 5 do
	local pos, stream, topic, at, payload = ARGV[i], ARGV[i+1], ARGV[i+2], ARGV[i+3], ARGV[i+4]
	if redis.call('HSETNX', KEYS[1], pos, stream) == 1 then
		redis.call('HSET', prefix .. 'events:' .. stream, pos, payload)
		redis.call('SADD', KEYS[2], stream)
		local sk = prefix .. 'stream:' .. stream
		redis.call('HSETNX', sk, 'topic', topic)
		redis.call('HINCRBY', sk, 'event_count', 1)
		local first = tonumber(redis.call('HGET', sk, 'first_poisoned_at'))
		if not first or tonumber(at) < first then
			redis.call('HSET', sk, 'first_poisoned_at', at)
		end
		local last = tonumber(redis.call('HGET', sk, 'last_poisoned_at'))
		if not last or tonumber(at) > last then
			redis.call('HSET', sk, 'last_poisoned_at', at)
		end
		added = added + 1
	end
end
return added
`)

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

// Store implements inbox.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

var _ inbox.Store = (*Store)(nil)

// New uses an existing client. Close does not close it.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect dials the server described by cfg and pings it.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := New(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

func (s *Store) positionsKey() string { return s.prefix + "positions" }
func (s *Store) streamsKey() string   { return s.prefix + "streams" }
func (s *Store) streamKey(stream string) string {
	return s.prefix + "stream:" + stream
}
func (s *Store) eventsKey(stream string) string {
	return s.prefix + "events:" + stream
}

func (s *Store) Add(ctx context.Context, events []inbox.PoisonEvent) error {
	if err := inbox.Validate(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, 1+5*len(events))
	args = append(args, s.prefix)
	for _, pe := range events {
		id := pe.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		payload, err := json.Marshal(record{
			ID:            id.String(),
			Stream:        pe.StreamKey(),
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
		args = append(args,
			inbox.PositionKey(pe.Event),
			pe.StreamKey(),
			pe.Event.Topic,
			strconv.FormatInt(pe.LastFailedAt.UnixMicro(), 10),
			string(payload),
		)
	}

	keys := []string{s.positionsKey(), s.streamsKey()}
	if err := addScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return inbox.StorageError(fmt.Errorf("add poison events: %w", err))
	}
	return nil
}

func (s *Store) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.streamsKey(), evt.StreamKey()).Result()
	if err != nil {
		return false, inbox.StorageError(fmt.Errorf("check poison stream: %w", err))
	}
	return ok, nil
}

func (s *Store) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	keys := inbox.StreamKeys(events)
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}

	hits, err := s.client.SMIsMember(ctx, s.streamsKey(), members...).Result()
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("check poison streams: %w", err))
	}
	poisoned := make(map[string]bool, len(keys))
	for i, hit := range hits {
		if hit {
			poisoned[keys[i]] = true
		}
	}
	return inbox.Filter(events, poisoned), nil
}

func (s *Store) Streams(ctx context.Context) ([]inbox.StreamStatus, error) {
	names, err := s.client.SMembers(ctx, s.streamsKey()).Result()
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("list poison streams: %w", err))
	}
	if len(names) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = p.HGetAll(ctx, s.streamKey(name))
		}
		return nil
	})
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("load poison streams: %w", err))
	}

	out := make([]inbox.StreamStatus, 0, len(names))
	for i, name := range names {
		fields := cmds[i].Val()
		count, _ := strconv.Atoi(fields["event_count"])
		out = append(out, inbox.StreamStatus{
			Stream:          name,
			Topic:           fields["topic"],
			EventCount:      count,
			FirstPoisonedAt: parseMicros(fields["first_poisoned_at"]),
			LastPoisonedAt:  parseMicros(fields["last_poisoned_at"]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstPoisonedAt.Equal(out[j].FirstPoisonedAt) {
			return out[i].FirstPoisonedAt.Before(out[j].FirstPoisonedAt)
		}
		return out[i].Stream < out[j].Stream
	})
	return out, nil
}

func (s *Store) Events(ctx context.Context, stream string) ([]inbox.PoisonEvent, error) {
	raw, err := s.client.HGetAll(ctx, s.eventsKey(stream)).Result()
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("load poison events: %w", err))
	}

	out := make([]inbox.PoisonEvent, 0, len(raw))
	for pos, payload := range raw {
		var r record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode poison event %s: %w", pos, err)
		}
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("parse poison event id %q: %w", r.ID, err)
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
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event.Partition != out[j].Event.Partition {
			return out[i].Event.Partition < out[j].Event.Partition
		}
		return out[i].Event.Offset < out[j].Event.Offset
	})
	return out, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return inbox.StorageError(err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func parseMicros(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}
