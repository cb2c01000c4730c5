// Package metrics provides Prometheus metrics for the sdkforge service:
// HTTP, generation turns, analysis, preview processes and websockets.
package metrics

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sdkforge"

var (
	once     sync.Once
	instance *Metrics

	labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Metrics holds all Prometheus metric collectors for sdkforge.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Turn Metrics
	GenerationsTotal *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	TurnsInFlight    prometheus.Gauge

	// Analysis Metrics
	AnalysisTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	// Preview Process Metrics
	SupervisorStartsTotal *prometheus.CounterVec
	ProbeAttempts         *prometheus.HistogramVec
	RunningProcesses      prometheus.Gauge
	HotReloadsTotal       *prometheus.CounterVec
	ProcessExitsTotal     *prometheus.CounterVec

	// Generator Metrics
	GeneratorRequestsTotal *prometheus.CounterVec
	GeneratorDuration      prometheus.Histogram

	// WebSocket Metrics
	WebSocketConnectionsGauge prometheus.Gauge
	WebSocketMessagesTotal    *prometheus.CounterVec

	// System Metrics
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "generations_total",
			Help:      "Total generation turns by kind (generate, fix, plan) and final status",
		},
		[]string{"kind", "status"},
	)

	m.StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each turn stage in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	m.TurnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "in_flight",
			Help:      "Current number of turns being processed",
		},
	)

	m.AnalysisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Total static analysis runs by outcome (pass, fail, timeout, empty)",
		},
		[]string{"outcome"},
	)

	m.AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "Static analysis duration in seconds",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	m.SupervisorStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "starts_total",
			Help:      "Total preview process start attempts by result",
		},
		[]string{"result"},
	)

	m.ProbeAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "probe_attempts",
			Help:      "Number of readiness probe attempts until an outcome",
			Buckets:   []float64{1, 2, 3, 5, 8, 12, 20, 30},
		},
		[]string{"outcome"},
	)

	m.RunningProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "running_processes",
			Help:      "Current number of supervised preview processes",
		},
	)

	m.HotReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "hot_reloads_total",
			Help:      "Total hot reload and restart attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.ProcessExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "process_exits_total",
			Help:      "Total preview process exits by reason",
		},
		[]string{"reason"},
	)

	m.GeneratorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "requests_total",
			Help:      "Total generator streaming requests by model and status",
		},
		[]string{"model", "status"},
	)

	m.GeneratorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "stream_duration_seconds",
			Help:      "Duration of a generator stream from request to end",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	m.WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Current number of active session websockets",
		},
	)

	m.WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total websocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "startup_time_seconds",
			Help:      "Unix timestamp of service startup",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, statusCodeToLabel(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordGeneration records the final status of a turn.
func (m *Metrics) RecordGeneration(kind, status string) {
	m.GenerationsTotal.WithLabelValues(SanitizeLabel(kind, "unknown"), SanitizeLabel(status, "unknown")).Inc()
}

// ObserveStage records how long one turn stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(SanitizeLabel(stage, "unknown")).Observe(d.Seconds())
}

// RecordAnalysis records one analysis run.
func (m *Metrics) RecordAnalysis(outcome string, d time.Duration) {
	m.AnalysisTotal.WithLabelValues(SanitizeLabel(outcome, "unknown")).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

// RecordSupervisorStart records a preview start attempt.
func (m *Metrics) RecordSupervisorStart(result string) {
	m.SupervisorStartsTotal.WithLabelValues(SanitizeLabel(result, "unknown")).Inc()
}

// RecordProbe records how many attempts a readiness probe needed.
func (m *Metrics) RecordProbe(outcome string, attempts int) {
	m.ProbeAttempts.WithLabelValues(SanitizeLabel(outcome, "unknown")).Observe(float64(attempts))
}

// RecordHotReload records a reload ("reload") or restart ("restart") outcome.
func (m *Metrics) RecordHotReload(kind, outcome string) {
	m.HotReloadsTotal.WithLabelValues(SanitizeLabel(kind, "unknown"), SanitizeLabel(outcome, "unknown")).Inc()
}

// RecordProcessExit records why a preview process went away.
func (m *Metrics) RecordProcessExit(reason string) {
	m.ProcessExitsTotal.WithLabelValues(SanitizeLabel(reason, "unknown")).Inc()
}

// RecordGeneratorRequest records one generator stream.
func (m *Metrics) RecordGeneratorRequest(model, status string, d time.Duration) {
	m.GeneratorRequestsTotal.WithLabelValues(SanitizeLabel(model, "unknown"), SanitizeLabel(status, "unknown")).Inc()
	m.GeneratorDuration.Observe(d.Seconds())
}

// RecordWebSocketConnection records a WebSocket connection change
func (m *Metrics) RecordWebSocketConnection(delta int) {
	m.WebSocketConnectionsGauge.Add(float64(delta))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessagesTotal.WithLabelValues(SanitizeLabel(msgType, "unknown"), direction).Inc()
}

// SanitizeLabel lowercases raw and folds anything outside [a-z0-9_] so
// free-form values cannot blow up label cardinality.
func SanitizeLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
