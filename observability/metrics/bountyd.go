package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type BountydMetrics struct {
	accepted        *prometheus.CounterVec
	bytesStored     prometheus.Counter
	duplicates      prometheus.Counter
	webhookFailures *prometheus.CounterVec
}

var (
	bountydOnce     sync.Once
	bountydRegistry *BountydMetrics
)

func Bountyd() *BountydMetrics {
	bountydOnce.Do(func() {
		bountydRegistry = &BountydMetrics{
			accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "labescrow_evidence_accepted_total",
				Help: "Count of accepted evidence uploads by content type.",
			}, []string{"content_type"}),
			bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "labescrow_evidence_bytes_total",
				Help: "Bytes written to the evidence object store.",
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "labescrow_evidence_duplicates_total",
				Help: "Uploads whose content hash was already stored.",
			}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "labescrow_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
		}
		prometheus.MustRegister(
			bountydRegistry.accepted,
			bountydRegistry.bytesStored,
			bountydRegistry.duplicates,
			bountydRegistry.webhookFailures,
		)
	})
	return bountydRegistry
}

func (m *BountydMetrics) ObserveEvidence(contentType string, size int64, duplicate bool) {
	if m == nil {
		return
	}
	if contentType == "" {
		contentType = "unknown"
	}
	m.accepted.WithLabelValues(contentType).Inc()
	if duplicate {
		m.duplicates.Inc()
		return
	}
	if size > 0 {
		m.bytesStored.Add(float64(size))
	}
}

func (m *BountydMetrics) IncWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

func (m *BountydMetrics) InitWebhookDestination(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Add(0)
}
