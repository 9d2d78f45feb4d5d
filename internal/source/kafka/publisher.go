package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/eventsub/internal/kafka"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher publishes records to Kafka topics. It implements
// inbox.Publisher for the dead-letter mirror.
type Publisher struct {
	client producer
}

// NewPublisher creates a producer for the cluster, with SASL and TLS when
// configured. logger receives the client's own warnings and errors.
func NewPublisher(cluster kafka.ClusterConfig, logger *slog.Logger) (*Publisher, error) {
	opts, err := cluster.ProducerOptions(logger)
	if err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
