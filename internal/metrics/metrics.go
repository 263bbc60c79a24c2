package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	registry *prometheus.Registry

	// Model call metrics
	ModelCallsTotal    *prometheus.CounterVec
	ModelCallDuration  *prometheus.HistogramVec
	ModelTokensTotal   *prometheus.CounterVec
	ModelRetriesTotal  prometheus.Counter

	// Tool invocation metrics
	ToolInvocationsTotal   *prometheus.CounterVec
	ToolInvocationDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderConnectsTotal     *prometheus.CounterVec
	ProviderRestartsTotal     *prometheus.CounterVec
	HealthCheckFailuresTotal  *prometheus.CounterVec
	ProvidersConnected        prometheus.Gauge

	// Task metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ModelCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_calls_total",
				Help: "Total number of language model calls",
			},
			[]string{"model", "status"},
		),
		ModelCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "model_call_duration_seconds",
				Help:    "Duration of language model calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		ModelTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_tokens_total",
				Help: "Total tokens consumed by language model calls",
			},
			[]string{"model", "direction"},
		),
		ModelRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "model_rate_limit_retries_total",
				Help: "Total number of rate-limited model calls that were retried",
			},
		),

		ToolInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),
		ToolInvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		ProviderConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_connects_total",
				Help: "Total number of provider connection attempts",
			},
			[]string{"provider", "status"},
		),
		ProviderRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_restarts_total",
				Help: "Total number of provider restarts",
			},
			[]string{"provider"},
		),
		HealthCheckFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_health_check_failures_total",
				Help: "Total number of failed provider health checks",
			},
			[]string{"provider"},
		),
		ProvidersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "providers_connected",
				Help: "Number of currently connected tool providers",
			},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_total",
				Help: "Total number of tasks by terminal status",
			},
			[]string{"status"},
		),
		TaskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "End-to-end task duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
	}

	registry.MustRegister(
		m.ModelCallsTotal,
		m.ModelCallDuration,
		m.ModelTokensTotal,
		m.ModelRetriesTotal,
		m.ToolInvocationsTotal,
		m.ToolInvocationDuration,
		m.ProviderConnectsTotal,
		m.ProviderRestartsTotal,
		m.HealthCheckFailuresTotal,
		m.ProvidersConnected,
		m.TasksTotal,
		m.TaskDuration,
	)

	return m
}

// ObserveModelCall records one model call outcome
func (m *Metrics) ObserveModelCall(model, status string, d time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(model, status).Inc()
	m.ModelCallDuration.WithLabelValues(model).Observe(d.Seconds())
	m.ModelTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.ModelTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// ObserveToolInvocation records one tool invocation outcome
func (m *Metrics) ObserveToolInvocation(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveTask records one completed task
func (m *Metrics) ObserveTask(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(d.Seconds())
}

// ObserveProviderConnect records one provider connection attempt
func (m *Metrics) ObserveProviderConnect(provider, status string) {
	if m == nil {
		return
	}
	m.ProviderConnectsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveProviderRestart records one provider restart
func (m *Metrics) ObserveProviderRestart(provider string) {
	if m == nil {
		return
	}
	m.ProviderRestartsTotal.WithLabelValues(provider).Inc()
}

// ObserveHealthCheckFailure records one failed liveness probe
func (m *Metrics) ObserveHealthCheckFailure(provider string) {
	if m == nil {
		return
	}
	m.HealthCheckFailuresTotal.WithLabelValues(provider).Inc()
}

// SetProvidersConnected updates the connected-provider gauge
func (m *Metrics) SetProvidersConnected(n int) {
	if m == nil {
		return
	}
	m.ProvidersConnected.Set(float64(n))
}

// ObserveModelRetry records one rate-limited call that will be retried
func (m *Metrics) ObserveModelRetry() {
	if m == nil {
		return
	}
	m.ModelRetriesTotal.Inc()
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
