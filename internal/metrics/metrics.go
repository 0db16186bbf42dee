package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventlog_events_appended_total",
			Help: "Events appended to the log by type and publish capability",
		},
		[]string{"event_type", "publish"}, // publish: true|false
	)

	OutboxPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventlog_outbox_publish_total",
			Help: "Outbox publish attempts by event type and outcome",
		},
		[]string{"event_type", "outcome"}, // published|failed|dead_lettered|released
	)

	OutboxDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventlog_outbox_dead_lettered_total",
			Help: "Events that exhausted their retries or failed permanently",
		},
		[]string{"event_type", "reason"}, // exhausted|permanent
	)

	OutboxPublishSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventlog_outbox_publish_seconds",
			Help:    "Latency of message bus publish calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	OutboxClaimed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventlog_outbox_claimed_batch_size",
			Help:    "Number of events claimed per dispatch cycle",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	OutboxMarkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventlog_outbox_mark_errors_total",
			Help: "Failures to record a publish outcome",
		},
	)

	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventlog_outbox_breaker_open",
			Help: "1 while the message bus circuit breaker is open",
		},
	)
)

// MustRegister registers every collector on r. Collectors already present on
// r are skipped, so the HTTP server and the embedded dispatcher can both call it.
func MustRegister(r prometheus.Registerer) {
	collectors := []prometheus.Collector{
		EventsAppended,
		OutboxPublish,
		OutboxDeadLettered,
		OutboxPublishSeconds,
		OutboxClaimed,
		OutboxMarkErrors,
		BreakerOpen,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
