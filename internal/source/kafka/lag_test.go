package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twmb/franz-go/pkg/kadm"
)

type mockLagger struct {
	lags kadm.DescribedGroupLags
	err  error
}

func (m *mockLagger) Lag(context.Context, ...string) (kadm.DescribedGroupLags, error) {
	return m.lags, m.err
}

func testLagMonitor(l lagger) (*LagMonitor, *prometheus.GaugeVec) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_lag"}, []string{"topic", "partition"})
	return &LagMonitor{
		admin:  l,
		group:  "billing",
		topic:  "orders",
		gauge:  gauge,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, gauge
}

func TestLagMonitor_Poll(t *testing.T) {
	m, gauge := testLagMonitor(&mockLagger{lags: kadm.DescribedGroupLags{
		"billing": {
			Group: "billing",
			Lag: kadm.GroupLag{
				"orders": {
					0: {Lag: 5},
					1: {Lag: 0},
				},
				"other": {
					0: {Lag: 99},
				},
			},
		},
	}})

	m.poll(context.Background())

	if got := testutil.ToFloat64(gauge.WithLabelValues("orders", "0")); got != 5 {
		t.Errorf("partition 0 lag = %v, want 5", got)
	}
	if got := testutil.ToFloat64(gauge.WithLabelValues("orders", "1")); got != 0 {
		t.Errorf("partition 1 lag = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(gauge); n != 2 {
		t.Errorf("expected only the subscribed topic, got %d series", n)
	}
}

func TestLagMonitor_PollError(t *testing.T) {
	m, gauge := testLagMonitor(&mockLagger{err: errors.New("coordinator unavailable")})

	m.poll(context.Background())

	if n := testutil.CollectAndCount(gauge); n != 0 {
		t.Errorf("expected no series after a failed lookup, got %d", n)
	}
}

func TestLagMonitor_RunStopsOnCancel(t *testing.T) {
	m, _ := testLagMonitor(&mockLagger{lags: kadm.DescribedGroupLags{}})
	m.interval = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
