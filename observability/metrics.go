package observability

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"labescrow/native/bounty"
	"labescrow/native/escrow"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	bountyMetricsOnce sync.Once
	bountyRegistry    *BountyMetrics

	railMetricsOnce sync.Once
	railRegistry    *RailMetrics
)

// API returns the lazily-initialised registry used to record HTTP API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "labescrow",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// BountyMetrics tracks lifecycle transitions. It satisfies bounty.Observer.
type BountyMetrics struct {
	transitions *prometheus.CounterVec
	terminal    *prometheus.CounterVec
}

// Bounty returns the lifecycle metrics registry.
func Bounty() *BountyMetrics {
	bountyMetricsOnce.Do(func() {
		bountyRegistry = &BountyMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "bounty",
				Name:      "transitions_total",
				Help:      "Events evaluated by the bounty machine segmented by source, target and acceptance.",
			}, []string{"event", "from", "to", "accepted"}),
			terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "bounty",
				Name:      "terminal_total",
				Help:      "Bounties that reached a terminal state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(bountyRegistry.transitions, bountyRegistry.terminal)
	})
	return bountyRegistry
}

// ObserveTransition implements bounty.Observer.
func (m *BountyMetrics) ObserveTransition(event bounty.EventType, from, to bounty.State, accepted bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(event), string(from), string(to), strconv.FormatBool(accepted)).Inc()
	if accepted && to.Terminal() && !from.Terminal() {
		m.terminal.WithLabelValues(string(to)).Inc()
	}
}

// RailMetrics wraps collectors tracking payment rail calls. It satisfies
// escrow.Observer.
type RailMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	settled    *prometheus.CounterVec
}

// Rails exposes the payment rail metrics registry.
func Rails() *RailMetrics {
	railMetricsOnce.Do(func() {
		railRegistry = &RailMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "rail",
				Name:      "operations_total",
				Help:      "Rail calls segmented by method, operation and outcome.",
			}, []string{"method", "op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "labescrow",
				Subsystem: "rail",
				Name:      "latency_seconds",
				Help:      "Latency distribution for rail calls.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"method", "op"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labescrow",
				Subsystem: "rail",
				Name:      "settled_minor_units_total",
				Help:      "Minor units moved by successful releases and refunds segmented by method and currency.",
			}, []string{"method", "op", "currency"}),
		}
		prometheus.MustRegister(railRegistry.operations, railRegistry.latency, railRegistry.settled)
	})
	return railRegistry
}

// ObserveRail implements escrow.Observer.
func (m *RailMetrics) ObserveRail(method escrow.Method, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelMethod(method)
	if op = strings.TrimSpace(op); op == "" {
		op = "unknown"
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(label, op, outcome).Inc()
	m.latency.WithLabelValues(label, op).Observe(d.Seconds())
}

// RecordSettlement adds a successful release or refund amount.
func (m *RailMetrics) RecordSettlement(method escrow.Method, op, currency string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.settled.WithLabelValues(labelMethod(method), op, labelCurrency(currency)).Add(float64(amount))
}

func labelMethod(method escrow.Method) string {
	if !method.Valid() {
		return "unknown"
	}
	return string(method)
}

func labelCurrency(currency string) string {
	trimmed := strings.TrimSpace(currency)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
