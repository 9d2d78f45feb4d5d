package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/inbox/inboxtest"
	"github.com/lsm/eventsub/internal/source"
)

func TestStore_Contract(t *testing.T) {
	inboxtest.Run(t, func(*testing.T) inbox.Store { return New() })
}

func TestStore_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Add(ctx, []inbox.PoisonEvent{inboxtest.Poison(inboxtest.Event("orders", "a", 1), time.Now())})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.IsStreamPoisoned(ctx, source.Event{Topic: "orders"})
	assert.ErrorIs(t, err, context.Canceled)
}
