package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crosslend"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	hubMetricsOnce sync.Once
	hubRegistry    *HubMetrics

	spokeMetricsOnce sync.Once
	spokeRegistry    *SpokeMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to
// record HTTP API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// HubMetrics wraps collectors tracking intent execution and settlement on the
// hub domain.
type HubMetrics struct {
	executions        *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	executionLatency  *prometheus.HistogramVec
	settlementsSent   *prometheus.CounterVec
	settlementErrors  *prometheus.CounterVec
	settlementPending prometheus.Gauge
	settlementLatency *prometheus.HistogramVec
	pauseEngaged      prometheus.Gauge
}

// Hub exposes the metrics registry for the hub daemon.
func Hub() *HubMetrics {
	hubMetricsOnce.Do(func() {
		hubRegistry = &HubMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "executions_total",
				Help:      "Intent executions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "rejections_total",
				Help:      "Rejected intents segmented by reason.",
			}, []string{"reason"}),
			executionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution for intent executions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			settlementsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "sent_total",
				Help:      "Settlements handed to the gateway segmented by asset.",
			}, []string{"asset"}),
			settlementErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Settlement dispatch failures segmented by asset and reason.",
			}, []string{"asset", "reason"}),
			settlementPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "pending",
				Help:      "Credited settlements not yet accepted by the gateway.",
			}),
			settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "dispatch_latency_seconds",
				Help:      "Time between reservation and gateway acceptance of a settlement.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			hubRegistry.executions,
			hubRegistry.rejections,
			hubRegistry.executionLatency,
			hubRegistry.settlementsSent,
			hubRegistry.settlementErrors,
			hubRegistry.settlementPending,
			hubRegistry.settlementLatency,
			hubRegistry.pauseEngaged,
		)
	})
	return hubRegistry
}

// ObserveExecution records an execution attempt. An empty reason marks
// success.
func (m *HubMetrics) ObserveExecution(action, reason string, d time.Duration) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = "rejected"
		m.rejections.WithLabelValues(reason).Inc()
	}
	m.executions.WithLabelValues(action, outcome).Inc()
	m.executionLatency.WithLabelValues(action).Observe(d.Seconds())
}

// RecordSettlementSent counts a settlement accepted by the gateway.
func (m *HubMetrics) RecordSettlementSent(asset string, sinceReserve time.Duration) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.settlementsSent.WithLabelValues(label).Inc()
	if sinceReserve > 0 {
		m.settlementLatency.WithLabelValues(label).Observe(sinceReserve.Seconds())
	}
}

// RecordSettlementError increments the dispatch failure counter.
func (m *HubMetrics) RecordSettlementError(asset, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.settlementErrors.WithLabelValues(labelAsset(asset), reason).Inc()
}

// SetSettlementPending updates the pending gauge.
func (m *HubMetrics) SetSettlementPending(n int) {
	if m == nil {
		return
	}
	m.settlementPending.Set(float64(n))
}

// SetPause toggles the pause_engaged gauge.
func (m *HubMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// SpokeMetrics bundles collectors for the origin-domain relay.
type SpokeMetrics struct {
	requests *prometheus.CounterVec
	escrowed *prometheus.CounterVec
	released *prometheus.CounterVec
}

// Spoke returns the metrics registry for the spoke daemon.
func Spoke() *SpokeMetrics {
	spokeMetricsOnce.Do(func() {
		spokeRegistry = &SpokeMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Relay requests segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			escrowed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "escrowed_amount_total",
				Help:      "Value escrowed for supply intents in integer asset units.",
			}, []string{"asset"}),
			released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "settled_amount_total",
				Help:      "Value released to users from hub settlements in integer asset units.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(spokeRegistry.requests, spokeRegistry.escrowed, spokeRegistry.released)
	})
	return spokeRegistry
}

// RecordRequest counts a relay request outcome. An empty reason marks success.
func (m *SpokeMetrics) RecordRequest(action, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "accepted"
	}
	m.requests.WithLabelValues(action, reason).Inc()
}

// RecordEscrow adds escrowed supply value.
func (m *SpokeMetrics) RecordEscrow(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.escrowed.WithLabelValues(labelAsset(asset)).Add(bigToFloat(amount))
}

// RecordRelease adds value released by settlements.
func (m *SpokeMetrics) RecordRelease(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(labelAsset(asset)).Add(bigToFloat(amount))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	if floatVal < 0 {
		return 0
	}
	return floatVal
}
