package codec

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lsm/eventsub/internal/jsonpath"
	"github.com/lsm/eventsub/internal/source"
)

// RawJSON is the value handed to handlers for types registered without a
// factory.
type RawJSON = json.RawMessage

// TypeResolver extracts the message type name from an event and returns
// the payload to decode, which may differ from the raw value when a wire
// prefix is stripped.
type TypeResolver interface {
	Resolve(ctx context.Context, evt source.Event) (name string, payload []byte, err error)
}

// HeaderType reads the type name from a record header.
type HeaderType string

func (h HeaderType) Resolve(_ context.Context, evt source.Event) (string, []byte, error) {
	name := evt.Headers[string(h)]
	if name == "" {
		return "", nil, fmt.Errorf("%w: header %q not set", ErrUnknownMessage, string(h))
	}
	return name, evt.Value, nil
}

// FieldType reads the type name from a string field of a JSON object
// payload. Dots address nested fields, as in "meta.type".
type FieldType string

func (f FieldType) Resolve(_ context.Context, evt source.Event) (string, []byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(evt.Value, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	name, err := jsonpath.String(fields, string(f))
	if err != nil {
		return "", nil, fmt.Errorf("%w: type field: %v", ErrUnknownMessage, err)
	}
	return name, evt.Value, nil
}

// wireHeaderLen is the Confluent wire-format prefix: magic byte 0 followed
// by a big-endian uint32 schema id.
const wireHeaderLen = 5

// SchemaRegistryType resolves the type from a Confluent wire-format prefix.
// The type name is the first subject registered for the schema id.
type SchemaRegistryType struct {
	Registry Registry
}

func (s SchemaRegistryType) Resolve(ctx context.Context, evt source.Event) (string, []byte, error) {
	if len(evt.Value) < wireHeaderLen || evt.Value[0] != 0 {
		return "", nil, fmt.Errorf("%w: missing schema registry wire prefix", ErrMalformed)
	}
	id := int(binary.BigEndian.Uint32(evt.Value[1:wireHeaderLen]))

	schema, err := s.Registry.GetByID(ctx, id)
	if errors.Is(err, ErrSchemaNotFound) {
		return "", nil, fmt.Errorf("%w: schema id %d", ErrUnknownMessage, id)
	}
	if err != nil {
		return "", nil, err
	}
	name := schema.Subject()
	if name == "" {
		return "", nil, fmt.Errorf("%w: schema id %d has no subject", ErrUnknownMessage, id)
	}
	return name, evt.Value[wireHeaderLen:], nil
}

// JSON decodes JSON payloads into registered Go types.
type JSON struct {
	Types
	resolver TypeResolver
}

// NewJSON creates a JSON deserializer using resolver to pick the type.
func NewJSON(resolver TypeResolver) (*JSON, error) {
	if resolver == nil {
		return nil, errors.New("type resolver is required")
	}
	return &JSON{resolver: resolver}, nil
}

func (j *JSON) Deserialize(ctx context.Context, evt source.Event) (Message, error) {
	name, payload, err := j.resolver.Resolve(ctx, evt)
	if err != nil {
		return Message{}, err
	}
	factory, err := j.lookup(name)
	if err != nil {
		return Message{}, err
	}
	v := factory()
	if err := json.Unmarshal(payload, v); err != nil {
		return Message{}, fmt.Errorf("%w: decode %s: %v", ErrMalformed, name, err)
	}
	return Message{Type: name, Value: v, Event: evt}, nil
}
