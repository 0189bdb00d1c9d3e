package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for settlement health and notification delivery.
var (
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_webhook_events_total",
			Help: "Inbound payment events by source and handling outcome",
		},
		[]string{"source", "outcome"},
	)

	WebhookProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_webhook_processing_duration_seconds",
			Help:    "Duration of boundary handling for a payment event",
			Buckets: prometheus.DefBuckets,
		},
	)

	CapacityReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_capacity_reservations_total",
			Help: "Capacity reservation attempts by result",
		},
		[]string{"result"},
	)

	NotificationSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_notification_sends_total",
			Help: "Notification send attempts by channel, tier and status",
		},
		[]string{"channel", "tier", "status"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_dead_letters_total",
			Help: "Notification attempts written to the dead letter sink",
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookProcessingDuration)
	prometheus.MustRegister(CapacityReservationsTotal)
	prometheus.MustRegister(NotificationSendsTotal)
	prometheus.MustRegister(DeadLettersTotal)
}
