package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "guard_rejections_total",
			Help:      "Calls rejected by the API key guard, by reason.",
		},
		[]string{"reason"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "request_transitions_total",
			Help:      "Request status transitions, by target status.",
		},
		[]string{"status"},
	)
	MessagesStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_total",
			Help:      "Messages accepted, by sender role and whether they were duplicates.",
		},
		[]string{"role", "duplicate"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery outcomes (delivered or failed after all attempts).",
		},
		[]string{"outcome"},
	)
	WebhookAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "webhook_attempt_duration_seconds",
			Help:      "Duration of individual webhook attempts.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	PublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "publish_failures_total",
			Help:      "Notification publishes that failed and were dropped.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GuardRejections,
		Transitions,
		MessagesStored,
		WebhookDeliveries,
		WebhookAttemptDuration,
		PublishFailures,
	)
}
