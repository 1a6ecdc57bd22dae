// Package metrics exposes Prometheus collectors for the build log pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	linesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "aggregator",
			Name:      "lines_ingested_total",
			Help:      "Total number of log lines accepted into job buffers.",
		},
	)
	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "aggregator",
			Name:      "flushes_total",
			Help:      "Count of buffer flushes grouped by result.",
		},
		[]string{"result"},
	)
	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "aggregator",
			Name:      "flush_duration_seconds",
			Help:      "Duration of a single job flush to the registry.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	bufferedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "launchpad",
			Subsystem: "aggregator",
			Name:      "buffered_jobs",
			Help:      "Current number of jobs with unpersisted log lines.",
		},
	)
	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "jobs",
			Name:      "status_transitions_total",
			Help:      "Count of job status transitions grouped by target status.",
		},
		[]string{"status"},
	)

	gatewayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "launchpad",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Current number of live viewer connections.",
		},
	)
	gatewayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Messages offered to viewers grouped by outcome.",
		},
		[]string{"outcome"},
	)
	slowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "gateway",
			Name:      "slow_consumers_disconnected_total",
			Help:      "Viewer connections dropped because their send queue was full.",
		},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "submit",
			Name:      "submissions_total",
			Help:      "Deployment submissions grouped by result.",
		},
		[]string{"result"},
	)
)

var defaultStatuses = []string{"queued", "building", "deployed", "failed"}

func init() {
	Register()
}

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			linesIngestedTotal,
			flushesTotal,
			flushDuration,
			bufferedJobs,
			statusTransitionsTotal,
			gatewayConnections,
			gatewayMessagesTotal,
			slowConsumersTotal,
			submissionsTotal,
		)

		for _, s := range defaultStatuses {
			statusTransitionsTotal.WithLabelValues(s).Add(0)
		}
	})
}

func ObserveIngest(lines int) {
	linesIngestedTotal.Add(float64(lines))
}

// ObserveFlush records one flush attempt. result is success, error or not_found.
func ObserveFlush(result string, duration time.Duration) {
	flushesTotal.WithLabelValues(result).Inc()
	flushDuration.Observe(duration.Seconds())
}

func SetBufferedJobs(n int) {
	bufferedJobs.Set(float64(n))
}

func ObserveStatusTransition(status string) {
	statusTransitionsTotal.WithLabelValues(status).Inc()
}

func GatewayConnected() {
	gatewayConnections.Inc()
}

func GatewayDisconnected() {
	gatewayConnections.Dec()
}

// ObserveDelivery records one message offered to one viewer.
func ObserveDelivery(delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "dropped"
	}
	gatewayMessagesTotal.WithLabelValues(outcome).Inc()
}

func ObserveSlowConsumer() {
	slowConsumersTotal.Inc()
}

func ObserveSubmission(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	submissionsTotal.WithLabelValues(result).Inc()
}
