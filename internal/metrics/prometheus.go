package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all warden metrics.
type Registry struct {
	// Process metrics
	ProcessSpawns   *prometheus.CounterVec
	ProcessStops    *prometheus.CounterVec
	ProcessCrashes  *prometheus.CounterVec
	ProcessRestarts *prometheus.CounterVec
	ProcessDeaths   *prometheus.CounterVec
	ProcessOrphans  *prometheus.CounterVec
	ProcessCPU      *prometheus.GaugeVec
	ProcessRSS      *prometheus.GaugeVec

	// Workflow metrics
	WorkflowsStarted  *prometheus.CounterVec
	WorkflowsFinished *prometheus.CounterVec
	WorkflowSteps     *prometheus.CounterVec
	WorkflowDuration  *prometheus.HistogramVec
	ProxyCalls        *prometheus.CounterVec
	IPCChannels       prometheus.Gauge

	// Event bus
	EventsPublished prometheus.Gauge
	EventsDropped   prometheus.Gauge

	// System metrics
	Uptime      prometheus.Gauge
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	startTime time.Time
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{startTime: time.Now()}

	r.ProcessSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_process_spawns_total",
		Help: "Processes spawned, per definition",
	}, []string{"name"})

	r.ProcessStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_process_stops_total",
		Help: "Processes stopped voluntarily or on graceful exit",
	}, []string{"name"})

	r.ProcessCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_process_crashes_total",
		Help: "Processes that exited unexpectedly",
	}, []string{"name"})

	r.ProcessRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_process_restarts_total",
		Help: "Process restarts, manual or automatic",
	}, []string{"name"})

	r.ProcessDeaths = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_process_dead_total",
		Help: "Processes that exhausted their restart budget",
	}, []string{"name"})

	r.ProcessOrphans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_process_orphans_total",
		Help: "Live processes adopted from a previous supervisor run",
	}, []string{"name"})

	r.ProcessCPU = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_process_cpu_seconds",
		Help: "CPU seconds consumed by the most recent instance of each definition",
	}, []string{"name"})

	r.ProcessRSS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_process_resident_memory_bytes",
		Help: "Resident memory of the most recent instance of each definition",
	}, []string{"name"})

	r.WorkflowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_workflows_started_total",
		Help: "Workflow instances started",
	}, []string{"workflow"})

	r.WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_workflows_finished_total",
		Help: "Workflow instances reaching a terminal status",
	}, []string{"workflow", "status"})

	r.WorkflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_workflow_steps_total",
		Help: "Workflow step outcomes",
	}, []string{"workflow", "step", "status"})

	r.WorkflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_workflow_duration_seconds",
		Help:    "Wall time from workflow start to terminal status",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"workflow", "status"})

	r.ProxyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_proxy_calls_total",
		Help: "Proxy calls answered for isolated executors",
	}, []string{"service", "method", "result"})

	r.IPCChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_ipc_channels",
		Help: "Open workflow IPC channels",
	})

	r.EventsPublished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_events_published",
		Help: "Events published on the internal hub",
	})

	r.EventsDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_events_dropped",
		Help: "Events dropped because a subscriber was full",
	})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_uptime_seconds",
		Help: "Seconds since the registry was created",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// RecordProxyCall records an answered proxy call.
func (r *Registry) RecordProxyCall(service, method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ProxyCalls.WithLabelValues(service, method, result).Inc()
}

// RecordWorkflowFinished records a terminal workflow status and its duration.
func (r *Registry) RecordWorkflowFinished(workflow, status string, d time.Duration) {
	r.WorkflowsFinished.WithLabelValues(workflow, status).Inc()
	r.WorkflowDuration.WithLabelValues(workflow, status).Observe(d.Seconds())
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

// UpdateUptime refreshes the uptime gauge.
func (r *Registry) UpdateUptime() {
	r.Uptime.Set(time.Since(r.startTime).Seconds())
}
