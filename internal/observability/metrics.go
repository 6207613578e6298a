package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerSample is the scheduler state exported as gauges.
type SchedulerSample struct {
	Active       int
	GlobalQueued int
	Executors    int
}

var (
	registerOnce sync.Once

	schedulerMu     sync.RWMutex
	schedulerSource func() SchedulerSample

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipelink",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently running.",
		},
	)
	sessionTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelink",
			Subsystem: "session",
			Name:      "terminations_total",
			Help:      "Terminated sessions by reason.",
		},
		[]string{"reason"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelink",
			Subsystem: "session",
			Name:      "envelopes_total",
			Help:      "Envelopes read or written by direction and routing tag.",
		},
		[]string{"direction", "tag"},
	)
	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelink",
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Handler failures converted to failed replies or dropped.",
		},
		[]string{"kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelink",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Host-originated synchronous request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	schedulerActive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "pipelink",
			Subsystem: "scheduler",
			Name:      "active",
			Help:      "Dispatch slots currently in use.",
		},
		func() float64 { return float64(sampleScheduler().Active) },
	)
	schedulerQueued = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "pipelink",
			Subsystem: "scheduler",
			Name:      "global_queued",
			Help:      "Tasks waiting for a global dispatch slot.",
		},
		func() float64 { return float64(sampleScheduler().GlobalQueued) },
	)
	schedulerExecutors = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "pipelink",
			Subsystem: "scheduler",
			Name:      "executors",
			Help:      "Open per-session executors.",
		},
		func() float64 { return float64(sampleScheduler().Executors) },
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive,
			sessionTerminations,
			envelopes,
			dispatchFailures,
			requestDuration,
			httpRequests,
			httpDuration,
			schedulerActive,
			schedulerQueued,
			schedulerExecutors,
		)
	})
}

// ObserveScheduler sets the source sampled by the scheduler gauges.
func ObserveScheduler(source func() SchedulerSample) {
	RegisterMetrics()
	schedulerMu.Lock()
	schedulerSource = source
	schedulerMu.Unlock()
}

func sampleScheduler() SchedulerSample {
	schedulerMu.RLock()
	source := schedulerSource
	schedulerMu.RUnlock()
	if source == nil {
		return SchedulerSample{}
	}
	return source()
}

func RecordSessionStarted() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func RecordSessionTerminated(reason string) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionTerminations.WithLabelValues(reason).Inc()
}

func RecordEnvelope(direction, tag string) {
	RegisterMetrics()
	envelopes.WithLabelValues(direction, tag).Inc()
}

func RecordDispatchFailure(kind string) {
	RegisterMetrics()
	dispatchFailures.WithLabelValues(kind).Inc()
}

func RecordRequest(outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
