// Package codec turns raw log payloads into typed messages for handlers.
package codec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lsm/eventsub/internal/source"
)

var (
	// ErrUnknownMessage reports a payload whose type is not registered.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMalformed reports a payload that cannot be decoded at all.
	ErrMalformed = errors.New("malformed message")
)

// Message is a decoded event handed to handlers.
type Message struct {
	Type  string
	Value any
	Event source.Event
}

// Deserializer decodes raw events. Unrecognised types yield an error
// wrapping ErrUnknownMessage; undecodable payloads wrap ErrMalformed. Any
// other error is treated as transient by the caller.
type Deserializer interface {
	Deserialize(ctx context.Context, evt source.Event) (Message, error)
}

// DeserializerFunc adapts a function to the Deserializer interface.
type DeserializerFunc func(ctx context.Context, evt source.Event) (Message, error)

func (f DeserializerFunc) Deserialize(ctx context.Context, evt source.Event) (Message, error) {
	return f(ctx, evt)
}

// Factory returns a fresh pointer to decode a registered type into.
type Factory func() any

// Types is a registry of known message types. It is safe for concurrent use.
type Types struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Register adds a message type. A nil factory keeps the payload as raw JSON.
func (t *Types) Register(name string, f Factory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.factories == nil {
		t.factories = make(map[string]Factory)
	}
	if f == nil {
		f = func() any { return new(RawJSON) }
	}
	t.factories[name] = f
}

// Names returns the registered type names in sorted order.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.factories))
	for name := range t.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Types) lookup(name string) (Factory, error) {
	t.mu.RLock()
	f, ok := t.factories[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, name)
	}
	return f, nil
}

// IsUnknown reports whether err marks an unrecognised message type.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrUnknownMessage)
}
