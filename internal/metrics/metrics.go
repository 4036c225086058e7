package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AvailabilityMetrics exposes counters/histograms for the availability engine.
type AvailabilityMetrics struct {
	slotsGenerated *prometheus.CounterVec
	dstSkipped     prometheus.Counter
	conflicts      *prometheus.CounterVec
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

func NewAvailabilityMetrics(reg prometheus.Registerer) *AvailabilityMetrics {
	m := &AvailabilityMetrics{
		slotsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthfirst",
			Subsystem: "availability",
			Name:      "slots_generated_total",
			Help:      "Slots persisted by rule creation or horizon extension",
		}, []string{"source"}),
		dstSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "healthfirst",
			Subsystem: "availability",
			Name:      "dst_gap_skipped_total",
			Help:      "Candidate slots dropped because they fell in a DST gap",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthfirst",
			Subsystem: "availability",
			Name:      "conflicts_total",
			Help:      "Overlapping slot pairs detected",
		}, []string{"operation"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthfirst",
			Subsystem: "availability",
			Name:      "operations_total",
			Help:      "Engine operations by outcome",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "healthfirst",
			Subsystem: "availability",
			Name:      "operation_seconds",
			Help:      "Latency of engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.slotsGenerated, m.dstSkipped, m.conflicts, m.operations, m.latency)
	return m
}

func (m *AvailabilityMetrics) ObserveSlots(source string, created, skippedDSTGap int) {
	if m == nil {
		return
	}
	m.slotsGenerated.WithLabelValues(source).Add(float64(created))
	m.dstSkipped.Add(float64(skippedDSTGap))
}

func (m *AvailabilityMetrics) ObserveConflicts(operation string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.conflicts.WithLabelValues(operation).Add(float64(n))
}

func (m *AvailabilityMetrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// HTTPMetrics counts API requests per route pattern.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthfirst",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "healthfirst",
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

func (m *HTTPMetrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
