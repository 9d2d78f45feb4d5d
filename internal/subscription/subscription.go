// Package subscription describes how one topic is consumed: the payload
// decoder, the delivery mode, the unknown-message and dead-letter policies
// and the handler retry policy. A Config is validated once at construction
// and never changes afterwards.
package subscription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsm/eventsub/internal/codec"
	"github.com/lsm/eventsub/internal/retry"
	"github.com/lsm/eventsub/internal/streamkey"
)

// ErrInvalidConfig wraps every construction failure.
var ErrInvalidConfig = errors.New("invalid subscription config")

// HandlerConfig is the handler's own failure policy.
type HandlerConfig struct {
	Retry retry.Config
	// Timeout bounds a single handler attempt. Zero means no bound.
	Timeout time.Duration
}

// DefaultHandlerConfig uses the default retry policy and no attempt timeout.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{Retry: retry.DefaultConfig()}
}

// RateLimit throttles dispatch. A zero EventsPerSecond disables it.
type RateLimit struct {
	EventsPerSecond float64
	Burst           int
}

// Enabled reports whether a limit is configured.
func (r RateLimit) Enabled() bool {
	return r.EventsPerSecond > 0
}

// Config is an immutable description of one topic subscription.
type Config struct {
	topic          string
	deserializer   codec.Deserializer
	mode           Mode
	skipUnknown    bool
	deadLetter     bool
	handler        HandlerConfig
	streamKey      *streamkey.CEL
	observingDelay time.Duration
	rateLimit      RateLimit

	errs []error
}

// Option configures a Config during construction.
type Option func(*Config)

// WithSkipUnknownMessages controls whether events of an unrecognised type
// are dropped and acknowledged (true, the default) or treated as permanent
// delivery errors.
func WithSkipUnknownMessages(skip bool) Option {
	return func(c *Config) {
		c.skipUnknown = skip
	}
}

// WithDeadLetter enables diverting permanently failing events to the poison
// inbox. When disabled, exhausted retries halt the pipeline.
func WithDeadLetter(enabled bool) Option {
	return func(c *Config) {
		c.deadLetter = enabled
	}
}

// WithHandlerConfig sets the handler retry policy and attempt timeout.
func WithHandlerConfig(h HandlerConfig) Option {
	return func(c *Config) {
		if err := h.Retry.Validate(); err != nil {
			c.errs = append(c.errs, fmt.Errorf("handler retry: %w", err))
		}
		if h.Timeout < 0 {
			c.errs = append(c.errs, fmt.Errorf("handler timeout must not be negative, got %s", h.Timeout))
		}
		c.handler = h
	}
}

// WithStreamKey derives stream keys with a CEL expression instead of the
// record key. An empty expression keeps the default.
func WithStreamKey(expr string) Option {
	return func(c *Config) {
		if expr == "" {
			c.streamKey = nil
			return
		}
		k, err := streamkey.Compile(expr)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("stream key: %w", err))
			return
		}
		c.streamKey = k
	}
}

// WithObservingDelay postpones the first poll after start.
func WithObservingDelay(d time.Duration) Option {
	return func(c *Config) {
		if d < 0 {
			c.errs = append(c.errs, fmt.Errorf("observing delay must not be negative, got %s", d))
		}
		c.observingDelay = d
	}
}

// WithRateLimit caps dispatch at eventsPerSecond with the given burst.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(c *Config) {
		if eventsPerSecond < 0 || burst < 0 {
			c.errs = append(c.errs, fmt.Errorf("rate limit must not be negative, got %v/s burst %d", eventsPerSecond, burst))
		}
		if eventsPerSecond > 0 && burst == 0 {
			burst = 1
		}
		c.rateLimit = RateLimit{EventsPerSecond: eventsPerSecond, Burst: burst}
	}
}

// New validates and builds a subscription. Every failure wraps
// ErrInvalidConfig.
func New(topic string, deserializer codec.Deserializer, mode Mode, opts ...Option) (*Config, error) {
	c := &Config{
		topic:        topic,
		deserializer: deserializer,
		mode:         mode,
		skipUnknown:  true,
		handler:      DefaultHandlerConfig(),
	}

	if strings.TrimSpace(topic) == "" {
		c.errs = append(c.errs, errors.New("topic is required"))
	}
	if deserializer == nil {
		c.errs = append(c.errs, errors.New("deserializer is required"))
	}
	if mode == nil {
		c.errs = append(c.errs, errors.New("mode is required"))
	} else if err := mode.validate(); err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s mode: %w", mode, err))
	}
	for _, opt := range opts {
		opt(c)
	}

	if len(c.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(c.errs...))
	}
	c.errs = nil
	return c, nil
}

func (c *Config) Topic() string                    { return c.topic }
func (c *Config) Deserializer() codec.Deserializer { return c.deserializer }
func (c *Config) Mode() Mode                       { return c.mode }
func (c *Config) SkipUnknownMessages() bool        { return c.skipUnknown }
func (c *Config) DeadLetterEnabled() bool          { return c.deadLetter }
func (c *Config) HandlerConfig() HandlerConfig     { return c.handler }
func (c *Config) ObservingDelay() time.Duration    { return c.observingDelay }
func (c *Config) RateLimit() RateLimit             { return c.rateLimit }

// BatchProcessingRequired reports whether events are handed to a batch
// handler rather than one by one.
func (c *Config) BatchProcessingRequired() bool {
	_, ok := c.mode.(Batch)
	return ok
}

// BufferSize is the configured in-flight bound: the buffer size for single
// and deferred modes, the batch size for batch mode.
func (c *Config) BufferSize() int {
	return c.mode.bufferSize()
}

// StreamKey returns the keyer used to assign events to streams.
func (c *Config) StreamKey() streamkey.Keyer {
	if c.streamKey == nil {
		return streamkey.Default{}
	}
	return c.streamKey
}

// StreamKeyExpr returns the configured stream key expression, if any.
func (c *Config) StreamKeyExpr() string {
	if c.streamKey == nil {
		return ""
	}
	return c.streamKey.String()
}
