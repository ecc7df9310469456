package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts webhook deliveries by event type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subgate",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subgate",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	AccessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subgate",
		Name:      "access_decisions_total",
		Help:      "Access gate decisions by result and reason.",
	}, []string{"decision", "reason"})

	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subgate",
		Name:      "refresh_total",
		Help:      "Manual and scheduled subscription refreshes by outcome.",
	}, []string{"outcome"})

	// ProviderRequestDuration tracks outbound billing provider calls.
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subgate",
		Name:      "provider_request_duration_seconds",
		Help:      "Billing provider call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	// JobsTotal counts background job completions by type and result.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subgate",
		Name:      "jobs_total",
		Help:      "Background jobs by type and result.",
	}, []string{"type", "result"})
)

// SubscriptionRecords is the last observed number of records per status.
var SubscriptionRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "subgate",
	Name:      "subscription_records",
	Help:      "Subscription records by status, as of the last statistics refresh.",
}, []string{"status"})
