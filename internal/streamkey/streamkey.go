// Package streamkey derives the logical stream an event belongs to. Events
// sharing a stream key are delivered in order and are quarantined together.
package streamkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/lsm/eventsub/internal/source"
)

const defaultTimeout = 100 * time.Millisecond

// Keyer computes the stream key of an event.
type Keyer interface {
	Key(ctx context.Context, evt source.Event) (string, error)
}

// Default keys events by topic, partition and record key.
type Default struct{}

func (Default) Key(_ context.Context, evt source.Event) (string, error) {
	return source.DefaultStreamKey(evt.Topic, evt.Partition, string(evt.Key)), nil
}

// Option configures a CEL keyer.
type Option func(*CEL)

// WithTimeout bounds a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(c *CEL) {
		c.timeout = d
	}
}

// CEL derives an entity id from the event with a CEL expression. The
// expression sees payload (parsed JSON, null when the value is not JSON),
// key, headers, topic and partition. The stream key is
// "<topic>/<partition>/<id>".
type CEL struct {
	expr    string
	program cel.Program
	timeout time.Duration
}

// Compile parses and checks expr. Compilation errors are reported eagerly
// so that bad expressions fail at configuration time.
func Compile(expr string, opts ...Option) (*CEL, error) {
	if expr == "" {
		return nil, errors.New("stream key expression is empty")
	}
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("key", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("topic", cel.StringType),
		cel.Variable("partition", cel.IntType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	c := &CEL{expr: expr, program: prg, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// String returns the source expression.
func (c *CEL) String() string {
	return c.expr
}

func (c *CEL) Key(ctx context.Context, evt source.Event) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload any
	if len(evt.Value) > 0 {
		if err := json.Unmarshal(evt.Value, &payload); err != nil {
			payload = nil
		}
	}
	headers := evt.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	out, _, err := c.program.ContextEval(ctx, map[string]any{
		"payload":   payload,
		"key":       string(evt.Key),
		"headers":   headers,
		"topic":     evt.Topic,
		"partition": int64(evt.Partition),
	})
	if err != nil {
		return "", fmt.Errorf("cel eval: %w", err)
	}

	id, err := idString(out)
	if err != nil {
		return "", err
	}
	return source.DefaultStreamKey(evt.Topic, evt.Partition, id), nil
}

func idString(val ref.Val) (string, error) {
	var id string
	switch v := val.(type) {
	case types.String:
		id = string(v)
	case types.Int:
		id = strconv.FormatInt(int64(v), 10)
	case types.Uint:
		id = strconv.FormatUint(uint64(v), 10)
	case types.Double:
		id = strconv.FormatFloat(float64(v), 'f', -1, 64)
	case types.Bool:
		id = strconv.FormatBool(bool(v))
	default:
		return "", fmt.Errorf("stream key must be a scalar, got %s", val.Type())
	}
	if id == "" {
		return "", errors.New("stream key expression produced an empty id")
	}
	return id, nil
}
