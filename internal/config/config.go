// Package config loads the process configuration: a YAML file overlaid with
// environment variables.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/lsm/eventsub/internal/circuitbreaker"
	handlerhttp "github.com/lsm/eventsub/internal/handler/http"
	pebblestore "github.com/lsm/eventsub/internal/inbox/pebble"
	redisinbox "github.com/lsm/eventsub/internal/inbox/redis"
	"github.com/lsm/eventsub/internal/kafka"
	"github.com/lsm/eventsub/internal/retry"
	"github.com/lsm/eventsub/internal/tracing"
)

const (
	// EnvPath names the variable holding the config file path.
	EnvPath = "EVENTSUB_CONFIG"
	// DefaultPath is used when EnvPath is unset.
	DefaultPath = "/etc/eventsub/config.yaml"
)

// Inbox backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendPebble   = "pebble"
)

// Subscription modes.
const (
	ModeSingle   = "single"
	ModeDeferred = "deferred"
	ModeBatch    = "batch"
)

// Codec formats.
const (
	FormatJSON        = "json"
	FormatCloudEvents = "cloudevents"
)

// Handler types.
const (
	HandlerLog  = "log"
	HandlerHTTP = "http"
)

// Config is the root configuration.
type Config struct {
	LogLevel      string               `yaml:"logLevel" env:"EVENTSUB_LOG_LEVEL"`
	Kafka         kafka.ClusterConfig  `yaml:"kafka"`
	Consumer      ConsumerConfig       `yaml:"consumer"`
	Inbox         InboxConfig          `yaml:"inbox"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Admin         AdminConfig          `yaml:"admin"`
	Tracing       tracing.Config       `yaml:"tracing"`

	// ExitOnChange stops the process when the config file changes so the
	// supervisor restarts it with the new configuration.
	ExitOnChange bool `yaml:"exitOnConfigChange" env:"EVENTSUB_EXIT_ON_CONFIG_CHANGE"`
}

// ConsumerConfig is the consumer group configuration shared by every
// subscription.
type ConsumerConfig struct {
	kafka.ConsumerSettings `yaml:",inline"`
	// Instances is the default number of consumers per subscription.
	Instances   int           `yaml:"instances" env:"EVENTSUB_CONSUMER_INSTANCES" env-default:"1"`
	LagInterval time.Duration `yaml:"lagInterval" env-default:"30s"`
}

// InboxConfig selects and configures the poison inbox.
type InboxConfig struct {
	Backend  string             `yaml:"backend" env:"EVENTSUB_INBOX_BACKEND" env-default:"memory"`
	Postgres PostgresConfig     `yaml:"postgres"`
	Mongo    MongoConfig        `yaml:"mongo"`
	Redis    redisinbox.Config  `yaml:"redis"`
	Pebble   pebblestore.Config `yaml:"pebble"`

	// MirrorTopic, when set, receives a copy of every quarantined event.
	MirrorTopic  string                `yaml:"mirrorTopic" env:"EVENTSUB_INBOX_MIRROR_TOPIC"`
	Breaker      circuitbreaker.Config `yaml:"breaker"`
	StorageRetry retry.Config          `yaml:"storageRetry"`
}

// PostgresConfig configures the Postgres inbox.
type PostgresConfig struct {
	DSN          string `yaml:"dsn" env:"EVENTSUB_INBOX_POSTGRES_DSN"`
	EnsureSchema bool   `yaml:"ensureSchema"`
}

// MongoConfig configures the MongoDB inbox.
type MongoConfig struct {
	URI           string `yaml:"uri" env:"EVENTSUB_INBOX_MONGO_URI"`
	Database      string `yaml:"database" env:"EVENTSUB_INBOX_MONGO_DATABASE" env-default:"eventsub"`
	EnsureIndexes bool   `yaml:"ensureIndexes"`
}

// MetricsConfig configures the metrics and health listener.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"EVENTSUB_METRICS_ADDR" env-default:":9090"`
}

// AdminConfig configures the admin API listener. An empty address
// disables it.
type AdminConfig struct {
	Addr string `yaml:"addr" env:"EVENTSUB_ADMIN_ADDR"`
}

// SubscriptionConfig describes one consumed topic.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	// Mode is single, deferred or batch. Empty means single.
	Mode        string            `yaml:"mode"`
	BufferSize  int               `yaml:"bufferSize"`
	DeferredAck DeferredAckConfig `yaml:"deferredAck"`
	Batch       BatchConfig       `yaml:"batch"`
	// SkipUnknownMessages defaults to true.
	SkipUnknownMessages *bool           `yaml:"skipUnknownMessages"`
	DeadLetter          bool            `yaml:"deadLetter"`
	StreamKey           string          `yaml:"streamKey"`
	Retry               *retry.Config   `yaml:"retry"`
	HandlerTimeout      time.Duration   `yaml:"handlerTimeout"`
	ObservingDelay      time.Duration   `yaml:"observingDelay"`
	RateLimit           RateLimitConfig `yaml:"rateLimit"`
	Codec               CodecConfig     `yaml:"codec"`
	Handler             HandlerConfig   `yaml:"handler"`
	// Instances overrides consumer.instances for this subscription.
	Instances int `yaml:"instances"`
}

// DeferredAckConfig holds the deferred-ack flush policy.
type DeferredAckConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxPending int           `yaml:"maxPending"`
}

// BatchConfig holds the batch size and collection window.
type BatchConfig struct {
	MaxSize int           `yaml:"maxSize"`
	MaxWait time.Duration `yaml:"maxWait"`
}

// RateLimitConfig throttles dispatch.
type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"eventsPerSecond"`
	Burst           int     `yaml:"burst"`
}

// CodecConfig selects the payload decoder. Exactly one type source is
// used for JSON: typeHeader, typeField or schemaRegistry.
type CodecConfig struct {
	Format         string   `yaml:"format"`
	TypeHeader     string   `yaml:"typeHeader"`
	TypeField      string   `yaml:"typeField"`
	SchemaRegistry string   `yaml:"schemaRegistry"`
	Types          []string `yaml:"types"`
}

// HandlerConfig selects the handler for a subscription. Routes send
// specific message types to their own HTTP endpoints.
type HandlerConfig struct {
	Type   string                        `yaml:"type"`
	HTTP   handlerhttp.Config            `yaml:"http"`
	Routes map[string]handlerhttp.Config `yaml:"routes"`
}

// Path returns the config file path from the environment.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and validates the
// result. A missing file leaves the configuration to the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected so that a
// misspelt option fails at startup.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Inbox.Breaker == (circuitbreaker.Config{}) {
		c.Inbox.Breaker = circuitbreaker.DefaultConfig()
	}
	if c.Inbox.StorageRetry == (retry.Config{}) {
		c.Inbox.StorageRetry = retry.Config{
			MaxAttempts:     10,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Jitter:          0.2,
		}
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "eventsub"
	}
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if s.Mode == "" {
			s.Mode = ModeSingle
		}
		if s.Codec.Format == "" {
			s.Codec.Format = FormatJSON
		}
		if s.Handler.Type == "" {
			s.Handler.Type = HandlerLog
		}
		if s.Instances == 0 {
			s.Instances = c.Consumer.Instances
		}
	}
}

// ConsumerSettings returns the group settings bound to the cluster.
func (c *Config) ConsumerSettings() kafka.ConsumerSettings {
	s := c.Consumer.ConsumerSettings
	s.Cluster = c.Kafka
	return s
}

// Validate reports every problem at once. Subscription semantics are
// checked again when subscriptions are built.
func (c *Config) Validate() error {
	var errs []error

	if err := c.ConsumerSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("consumer: %w", err))
	}
	if c.Consumer.Instances < 1 {
		errs = append(errs, fmt.Errorf("consumer.instances must be at least 1, got %d", c.Consumer.Instances))
	}

	switch c.Inbox.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Inbox.Postgres.DSN == "" {
			errs = append(errs, errors.New("inbox.postgres.dsn is required"))
		}
	case BackendMongo:
		if c.Inbox.Mongo.URI == "" {
			errs = append(errs, errors.New("inbox.mongo.uri is required"))
		}
	case BackendRedis:
		if c.Inbox.Redis.Addr == "" {
			errs = append(errs, errors.New("inbox.redis.addr is required"))
		}
	case BackendPebble:
		if c.Inbox.Pebble.DataDir == "" {
			errs = append(errs, errors.New("inbox.pebble.dataDir is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("inbox.backend %q is not valid (must be memory, postgres, mongo, redis or pebble)", c.Inbox.Backend))
	}
	if err := c.Inbox.StorageRetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("inbox.storageRetry: %w", err))
	}

	if len(c.Subscriptions) == 0 {
		errs = append(errs, errors.New("at least one subscription is required"))
	}
	seen := make(map[string]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if s.Topic != "" && seen[s.Topic] {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate topic %q", i, s.Topic))
		}
		seen[s.Topic] = true
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (s SubscriptionConfig) validate() error {
	var errs []error
	if strings.TrimSpace(s.Topic) == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	switch s.Mode {
	case ModeSingle, ModeDeferred, ModeBatch:
	default:
		errs = append(errs, fmt.Errorf("mode %q is not valid (must be single, deferred or batch)", s.Mode))
	}
	if s.Instances < 1 {
		errs = append(errs, fmt.Errorf("instances must be at least 1, got %d", s.Instances))
	}

	switch s.Codec.Format {
	case FormatCloudEvents:
	case FormatJSON:
		sources := 0
		for _, v := range []string{s.Codec.TypeHeader, s.Codec.TypeField, s.Codec.SchemaRegistry} {
			if v != "" {
				sources++
			}
		}
		if sources != 1 {
			errs = append(errs, errors.New("codec: exactly one of typeHeader, typeField or schemaRegistry is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("codec.format %q is not valid (must be json or cloudevents)", s.Codec.Format))
	}
	if len(s.Codec.Types) == 0 {
		errs = append(errs, errors.New("codec.types must list at least one message type"))
	}

	switch s.Handler.Type {
	case HandlerLog:
	case HandlerHTTP:
		if s.Handler.HTTP.URL == "" {
			errs = append(errs, errors.New("handler.http.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("handler.type %q is not valid (must be log or http)", s.Handler.Type))
	}
	for name, route := range s.Handler.Routes {
		if route.URL == "" {
			errs = append(errs, fmt.Errorf("handler.routes[%s].url is required", name))
		}
	}
	return errors.Join(errs...)
}

// SkipUnknown resolves the skipUnknownMessages default.
func (s SubscriptionConfig) SkipUnknown() bool {
	return s.SkipUnknownMessages == nil || *s.SkipUnknownMessages
}

// Watch calls onChange once the file at path is written, replaced or
// removed, then returns. It watches the parent directory so that atomic
// replacements, such as Kubernetes ConfigMap updates, are seen. Watch
// returns nil when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	logger.Info("watching config file", "path", path)

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, target) {
				continue
			}
			logger.Info("config change detected", "file", event.Name, "op", event.Op)
			onChange()
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", err)
		}
	}
}

func relevant(event fsnotify.Event, target string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == target || filepath.Base(name) == "..data"
}
