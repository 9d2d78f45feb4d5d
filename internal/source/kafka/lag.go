package kafka

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultLagInterval is how often LagMonitor polls when no interval is set.
const DefaultLagInterval = 30 * time.Second

// lagger abstracts the kadm client for testing.
type lagger interface {
	Lag(ctx context.Context, groups ...string) (kadm.DescribedGroupLags, error)
}

// LagMonitor periodically publishes the consumer group's lag for one topic.
type LagMonitor struct {
	admin    lagger
	group    string
	topic    string
	gauge    *prometheus.GaugeVec
	interval time.Duration
	logger   *slog.Logger
}

// NewLagMonitor reports lag of group on topic into gauge, which must have
// topic and partition labels.
func NewLagMonitor(client *kgo.Client, group, topic string, gauge *prometheus.GaugeVec, interval time.Duration, logger *slog.Logger) *LagMonitor {
	if interval <= 0 {
		interval = DefaultLagInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LagMonitor{
		admin:    kadm.NewClient(client),
		group:    group,
		topic:    topic,
		gauge:    gauge,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is done.
func (m *LagMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *LagMonitor) poll(ctx context.Context) {
	lags, err := m.admin.Lag(ctx, m.group)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("consumer lag lookup failed", "group", m.group, "error", err)
		}
		return
	}
	described, ok := lags[m.group]
	if !ok {
		return
	}
	if err := described.Error(); err != nil {
		m.logger.Warn("consumer lag lookup failed", "group", m.group, "error", err)
		return
	}
	for partition, lag := range described.Lag[m.topic] {
		if lag.Err != nil {
			continue
		}
		m.gauge.WithLabelValues(m.topic, strconv.FormatInt(int64(partition), 10)).Set(float64(lag.Lag))
	}
}
