package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes recorded in EventsTotal.
const (
	OutcomeAcked       = "acked"
	OutcomeDropped     = "dropped"
	OutcomeQuarantined = "quarantined"
	OutcomeFailed      = "failed"
)

// Metrics holds the eventsub Prometheus metrics.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	InFlight        *prometheus.GaugeVec
	CommitsTotal    *prometheus.CounterVec
	PoisonEvents    *prometheus.CounterVec
	ConsumerLag     *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
}

// NewMetrics creates and registers all eventsub metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsub_events_total",
			Help: "Events resolved by the delivery pipeline, by outcome.",
		}, []string{"topic", "outcome"}),

		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventsub_handler_duration_seconds",
			Help:    "Handler invocation time including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "mode"}),

		InFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventsub_in_flight",
			Help: "Events pulled but not yet resolved.",
		}, []string{"topic"}),

		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsub_commits_total",
			Help: "Offset commits issued, by status.",
		}, []string{"topic", "status"}),

		PoisonEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsub_poison_events_total",
			Help: "Events written to the poison inbox.",
		}, []string{"topic"}),

		ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventsub_consumer_lag",
			Help: "Consumer group lag per partition.",
		}, []string{"topic", "partition"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventsub_inbox_breaker_state",
			Help: "Poison inbox circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"backend"}),
	}
}
