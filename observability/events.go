package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type notificationMetrics struct {
	deliveries *prometheus.CounterVec
}

var (
	notificationMetricsOnce sync.Once
	notificationRegistry    *notificationMetrics
)

// Notifications returns the metrics registry tracking outbound notification
// delivery.
func Notifications() *notificationMetrics {
	notificationMetricsOnce.Do(func() {
		notificationRegistry = &notificationMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Notification delivery attempts segmented by event type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(notificationRegistry.deliveries)
	})
	return notificationRegistry
}

// RecordDelivery increments the delivery counter for the supplied event type.
func (m *notificationMetrics) RecordDelivery(eventType, outcome string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(normalized, outcome).Inc()
}
