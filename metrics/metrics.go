// Package metrics exposes Prometheus counters for the payment
// reconciliation gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts received gateway notifications by event type and
	// outcome (applied, duplicate, ignored, rejected).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Subsystem: "gateway",
		Name:      "webhook_events_total",
		Help:      "Payment gateway webhook notifications by type and outcome.",
	}, []string{"type", "outcome"})

	// WebhookAuthFailures counts notifications rejected before any state was
	// touched (missing or invalid signature).
	WebhookAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Subsystem: "gateway",
		Name:      "webhook_auth_failures_total",
		Help:      "Webhook deliveries rejected by signature verification.",
	})
)
