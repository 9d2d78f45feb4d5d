package inbox

import (
	"context"
	"errors"

	"github.com/lsm/eventsub/internal/circuitbreaker"
	"github.com/lsm/eventsub/internal/source"
)

// Guarded fails inbox calls fast while the backing store is known to be
// down. Every failure, including an open breaker, wraps ErrStorage.
type Guarded struct {
	inner   Inbox
	breaker *circuitbreaker.Breaker
}

var _ Inbox = (*Guarded)(nil)

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Inbox, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Add(ctx context.Context, events []PoisonEvent) error {
	return g.guard(func() error {
		return g.inner.Add(ctx, events)
	})
}

func (g *Guarded) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	var poisoned bool
	err := g.guard(func() error {
		var err error
		poisoned, err = g.inner.IsStreamPoisoned(ctx, evt)
		return err
	})
	return poisoned, err
}

func (g *Guarded) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	var out []source.Event
	err := g.guard(func() error {
		var err error
		out, err = g.inner.GetPoisonStreamsEvents(ctx, events)
		return err
	})
	return out, err
}

func (g *Guarded) guard(fn func() error) error {
	err := g.breaker.Execute(fn)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return StorageError(err)
}
