package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// clientIDPrefix starts the client id every eventsub client reports to the
// brokers, so quotas and broker logs can tell consumers and producers apart.
const clientIDPrefix = "eventsub"

var mechanisms = map[string]func(AuthConfig) sasl.Mechanism{
	"PLAIN": func(a AuthConfig) sasl.Mechanism {
		return plain.Auth{User: a.Username, Pass: a.Password}.AsMechanism()
	},
	"SCRAM-SHA-256": func(a AuthConfig) sasl.Mechanism {
		return scram.Auth{User: a.Username, Pass: a.Password}.AsSha256Mechanism()
	},
	"SCRAM-SHA-512": func(a AuthConfig) sasl.Mechanism {
		return scram.Auth{User: a.Username, Pass: a.Password}.AsSha512Mechanism()
	},
}

// ClientID is the id a group consumer reports to the brokers. Static
// members carry their instance id so each one is recognisable in the
// broker's group listing.
func (s ConsumerSettings) ClientID() string {
	id := clientIDPrefix + "-" + s.GroupID
	if s.GroupInstanceID != "" {
		id += "-" + s.GroupInstanceID
	}
	return id
}

// ClientOptions returns the kgo options for a group consumer of topics.
// Automatic offset commits are always disabled; the caller commits.
func (s ConsumerSettings) ClientOptions(logger *slog.Logger, topics ...string) ([]kgo.Opt, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	opts, err := s.Cluster.connOptions(s.ClientID(), logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(s.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(s.resetOffset()),
		kgo.DisableAutoCommit(),
	)
	if s.GroupInstanceID != "" {
		opts = append(opts, kgo.InstanceID(s.GroupInstanceID))
	}
	if ms := s.SessionTimeoutMs(); ms > 0 {
		opts = append(opts, kgo.SessionTimeout(time.Duration(ms)*time.Millisecond))
	}
	// franz-go's rebalance timeout plays the role of max.poll.interval.ms.
	if ms := s.MaxPollIntervalMs(); ms > 0 {
		opts = append(opts, kgo.RebalanceTimeout(time.Duration(ms)*time.Millisecond))
	}
	return opts, nil
}

// ProducerOptions returns the kgo options for the dead-letter publisher.
// Every produce waits for all in-sync replicas.
func (c ClusterConfig) ProducerOptions(logger *slog.Logger) ([]kgo.Opt, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts, err := c.connOptions(clientIDPrefix+"-publisher", logger)
	if err != nil {
		return nil, err
	}
	return append(opts, kgo.RequiredAcks(kgo.AllISRAcks())), nil
}

func (c ClusterConfig) connOptions(clientID string, logger *slog.Logger) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(clientID),
	}
	if logger != nil {
		opts = append(opts, kgo.WithLogger(&clientLogger{logger: logger.With("client_id", clientID)}))
	}

	if c.Auth.Mechanism != "" {
		build, ok := mechanisms[c.Auth.Mechanism]
		if !ok {
			return nil, fmt.Errorf("sasl: unsupported mechanism %s", c.Auth.Mechanism)
		}
		opts = append(opts, kgo.SASL(build(c.Auth)))
	}

	cfg, err := c.TLS.config()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	if cfg != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg))
	}
	return opts, nil
}

// config builds the dial TLS config, nil when TLS is disabled.
func (t TLSConfig) config() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.SkipVerify, //nolint:gosec // opt-in for local clusters
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", t.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// clientLogger routes franz-go's internal logging through slog. Client
// chatter is demoted one level: kgo info becomes debug.
type clientLogger struct {
	logger *slog.Logger
}

var _ kgo.Logger = (*clientLogger)(nil)

func (l *clientLogger) Level() kgo.LogLevel {
	ctx := context.Background()
	switch {
	case l.logger.Enabled(ctx, slog.LevelDebug):
		return kgo.LogLevelInfo
	case l.logger.Enabled(ctx, slog.LevelWarn):
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (l *clientLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var lvl slog.Level
	switch level {
	case kgo.LogLevelError:
		lvl = slog.LevelError
	case kgo.LogLevelWarn:
		lvl = slog.LevelWarn
	case kgo.LogLevelInfo, kgo.LogLevelDebug:
		lvl = slog.LevelDebug
	default:
		return
	}
	l.logger.Log(context.Background(), lvl, msg, keyvals...)
}
