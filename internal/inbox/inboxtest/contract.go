// Package inboxtest holds the behavioural checks every poison inbox store
// must pass. Store packages call Run from their own tests.
package inboxtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/source"
)

// Factory returns an empty store. It may register cleanup on t.
type Factory func(t *testing.T) inbox.Store

// Event builds a test event on topic/partition 0 keyed by key.
func Event(topic, key string, offset int64) source.Event {
	return source.Event{
		Topic:     topic,
		Partition: 0,
		Offset:    offset,
		Key:       []byte(key),
		Value:     []byte(fmt.Sprintf(`{"key":%q,"offset":%d}`, key, offset)),
		Headers:   map[string]string{"type": "OrderPlaced"},
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// Poison builds a poison event for evt failing at ts.
func Poison(evt source.Event, ts time.Time) inbox.PoisonEvent {
	return inbox.NewPoisonEvent(evt, fmt.Errorf("handler failed at offset %d", evt.Offset), 3, ts.Add(-time.Second), ts, "corr-1")
}

// Run exercises the inbox contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyStoreHasNoPoison", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		poisoned, err := s.IsStreamPoisoned(ctx, Event("orders", "a", 1))
		require.NoError(t, err)
		assert.False(t, poisoned)

		out, err := s.GetPoisonStreamsEvents(ctx, []source.Event{Event("orders", "a", 1)})
		require.NoError(t, err)
		assert.Empty(t, out)

		streams, err := s.Streams(ctx)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})

	t.Run("PoisonIsMonotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{Poison(Event("orders", "a", 5), now)}))

		for offset := int64(0); offset < 10; offset++ {
			poisoned, err := s.IsStreamPoisoned(ctx, Event("orders", "a", offset))
			require.NoError(t, err)
			assert.True(t, poisoned, "offset %d", offset)
		}
		// More writes on other streams never heal the first.
		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{Poison(Event("orders", "b", 6), now)}))
		poisoned, err := s.IsStreamPoisoned(ctx, Event("orders", "a", 42))
		require.NoError(t, err)
		assert.True(t, poisoned)

		other, err := s.IsStreamPoisoned(ctx, Event("orders", "c", 7))
		require.NoError(t, err)
		assert.False(t, other)
	})

	t.Run("GetPoisonStreamsEventsIsExactSubset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{
			Poison(Event("orders", "a", 1), now),
			Poison(Event("orders", "c", 3), now),
		}))

		batch := []source.Event{
			Event("orders", "a", 10),
			Event("orders", "b", 11),
			Event("orders", "c", 12),
			Event("orders", "a", 13),
			Event("orders", "d", 14),
		}
		out, err := s.GetPoisonStreamsEvents(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, []source.Event{batch[0], batch[2], batch[3]}, out)

		out, err = s.GetPoisonStreamsEvents(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("CustomStreamKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		evt := Event("orders", "a", 1)
		evt.Stream = "orders/0/customer-9"
		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{Poison(evt, time.Now())}))

		sibling := Event("orders", "zzz", 2)
		sibling.Stream = "orders/0/customer-9"
		poisoned, err := s.IsStreamPoisoned(ctx, sibling)
		require.NoError(t, err)
		assert.True(t, poisoned)

		byRecordKey, err := s.IsStreamPoisoned(ctx, Event("orders", "a", 3))
		require.NoError(t, err)
		assert.False(t, byRecordKey)
	})

	t.Run("AddIsIdempotentPerPosition", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		pe := Poison(Event("orders", "a", 1), now)
		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{pe}))
		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{Poison(Event("orders", "a", 1), now.Add(time.Minute))}))

		events, err := s.Events(ctx, pe.StreamKey())
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, pe.ID, events[0].ID)
	})

	t.Run("AdminListing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		first := Poison(Event("orders", "a", 1), t0)
		second := inbox.NewPoisonEvent(Event("orders", "a", 2), nil, 0, time.Time{}, t0.Add(time.Minute), "")
		third := Poison(Event("orders", "b", 3), t0.Add(2*time.Minute))
		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{first, second}))
		require.NoError(t, s.Add(ctx, []inbox.PoisonEvent{third}))

		streams, err := s.Streams(ctx)
		require.NoError(t, err)
		require.Len(t, streams, 2)
		assert.Equal(t, "orders/0/a", streams[0].Stream)
		assert.Equal(t, "orders", streams[0].Topic)
		assert.Equal(t, 2, streams[0].EventCount)
		assert.True(t, streams[0].FirstPoisonedAt.Equal(t0), "first poisoned at %s", streams[0].FirstPoisonedAt)
		assert.True(t, streams[0].LastPoisonedAt.Equal(t0.Add(time.Minute)), "last poisoned at %s", streams[0].LastPoisonedAt)
		assert.Equal(t, "orders/0/b", streams[1].Stream)

		events, err := s.Events(ctx, "orders/0/a")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Event.Offset)
		assert.Equal(t, int64(2), events[1].Event.Offset)
		assert.Equal(t, first.ID, events[0].ID)
		assert.Equal(t, first.Reason, events[0].Reason)
		assert.Equal(t, 3, events[0].FailureCount)
		assert.Equal(t, "corr-1", events[0].CorrelationID)
		assert.Equal(t, first.Event.Value, events[0].Event.Value)
		assert.Equal(t, first.Event.Key, events[0].Event.Key)
		assert.Equal(t, "OrderPlaced", events[0].Event.Headers["type"])
		assert.Equal(t, 0, events[1].FailureCount)

		none, err := s.Events(ctx, "orders/0/unknown")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("InvalidBatchRecordsNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		bad := Poison(Event("", "x", 2), time.Now())
		bad.Stream = "orphan"
		err := s.Add(ctx, []inbox.PoisonEvent{Poison(Event("orders", "a", 1), time.Now()), bad})
		require.Error(t, err)

		poisoned, err := s.IsStreamPoisoned(ctx, Event("orders", "a", 1))
		require.NoError(t, err)
		assert.False(t, poisoned, "a rejected batch must not be partially visible")
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i%4)
				errs <- s.Add(ctx, []inbox.PoisonEvent{Poison(Event("orders", key, int64(i)), now)})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		streams, err := s.Streams(ctx)
		require.NoError(t, err)
		require.Len(t, streams, 4)
		total := 0
		for _, st := range streams {
			total += st.EventCount
		}
		assert.Equal(t, 16, total)
	})
}
