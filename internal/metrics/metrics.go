// Package metrics provides Prometheus metrics collection for the Master.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed by the Master.
type Metrics struct {
	// HTTP admin surface
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	// Discovery / registry
	SUTsOnline  prometheus.Gauge
	SUTsPaired  prometheus.Gauge
	SUTsTotal   prometheus.Gauge

	// Account scheduler
	AccountWaitSeconds *prometheus.HistogramVec
	AccountHeld        *prometheus.GaugeVec

	// Run executor
	RunDurationSeconds *prometheus.HistogramVec
	RunsTotal          *prometheus.CounterVec
	StepRetriesTotal   *prometheus.CounterVec

	// Request queue
	QueueDepth        *prometheus.GaugeVec
	QueueRequestTotal *prometheus.CounterVec

	// Trace puller
	TracePullFilesTotal *prometheus.CounterVec

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "master_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "master_http_requests_in_flight",
				Help: "Current number of admin HTTP requests being processed",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"kind", "operation"},
		),
		SUTsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_suts_online",
			Help: "Number of SUTs with a live control channel",
		}),
		SUTsPaired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_suts_paired",
			Help: "Number of paired SUTs",
		}),
		SUTsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_suts_total",
			Help: "Number of known SUTs",
		}),
		AccountWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "master_account_wait_seconds",
				Help:    "Time a SUT waited before acquiring an account",
				Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"account"},
		),
		AccountHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "master_account_held",
				Help: "1 if the account is currently held, 0 otherwise",
			},
			[]string{"account"},
		),
		RunDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "master_run_duration_seconds",
				Help:    "Run duration in seconds by game",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"game", "status"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_runs_total",
				Help: "Total runs by game and terminal status",
			},
			[]string{"game", "status"},
		),
		StepRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_step_retries_total",
				Help: "Total step retries by game",
			},
			[]string{"game"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "master_vision_queue_depth",
				Help: "Current pending request count per upstream endpoint",
			},
			[]string{"endpoint"},
		),
		QueueRequestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_vision_queue_requests_total",
				Help: "Total vision analyzer requests by endpoint and terminal status",
			},
			[]string{"endpoint", "status"},
		),
		TracePullFilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_trace_pull_files_total",
				Help: "Total trace files pulled by agent and result",
			},
			[]string{"agent", "result"},
		),
		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_uptime_seconds",
			Help: "Master process uptime in seconds",
		}),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "master_service_info",
				Help: "Static service metadata",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.SUTsOnline,
			m.SUTsPaired,
			m.SUTsTotal,
			m.AccountWaitSeconds,
			m.AccountHeld,
			m.RunDurationSeconds,
			m.RunsTotal,
			m.StepRetriesTotal,
			m.QueueDepth,
			m.QueueRequestTotal,
			m.TracePullFilesTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an admin HTTP request. The service argument is
// accepted for parity with the middleware call site but all Master admin
// metrics currently share a single registry, so it is not used as a label.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records an error by kind (transport/resource/semantic/consistency/fatal) and operation.
func (m *Metrics) RecordError(kind, operation string) {
	m.ErrorsTotal.WithLabelValues(kind, operation).Inc()
}

// UpdateUptime updates the uptime gauge from a process start time.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func environment() string {
	if v := strings.TrimSpace(os.Getenv("ENVIRONMENT")); v != "" {
		return v
	}
	return "development"
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, creating a default one if needed.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("master")
	}
	return globalMetrics
}
