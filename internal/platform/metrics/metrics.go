// Package metrics exposes Prometheus instrumentation for the protocol gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts protocol messages by action, direction and outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hailo_protocol_messages_total",
		Help: "Total protocol messages processed",
	}, []string{"action", "direction", "status"})

	// CallbackLatency observes handling time of inbound callbacks.
	CallbackLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hailo_callback_duration_seconds",
		Help:    "Inbound callback handling latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"action"})

	// SubscriptionsActive gauges live correlator subscriptions.
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hailo_correlator_subscriptions_active",
		Help: "Live callback subscriptions",
	})

	// PublishesDropped counts publications skipped for slow subscribers.
	PublishesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hailo_correlator_publishes_dropped_total",
		Help: "Publications dropped because a subscriber was not draining",
	})

	// AuditWriteFailures counts swallowed audit store errors.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hailo_audit_write_failures_total",
		Help: "Audit entries that could not be persisted",
	})
)
