// Package metrics exposes Prometheus instrumentation for the APM
// control-plane core: slot-table occupancy, queue depth, command
// duration, sort iterations, and deferral counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CmdSlotsInUse tracks how many of MAX_PARALLEL_CMD slots are active.
	CmdSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apm_cmd_slots_in_use",
			Help: "Number of command-control slots currently active",
		},
	)

	// CmdQueueDepth tracks pending messages on the command queue.
	CmdQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apm_cmd_queue_depth",
			Help: "Number of messages currently queued on the command queue",
		},
	)

	// RspQueueDepth tracks pending messages on the response queue.
	RspQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apm_rsp_queue_depth",
			Help: "Number of messages currently queued on the response queue",
		},
	)

	// DeferredCmdsTotal tracks the current size of the deferred-command
	// FIFO (component G).
	DeferredCmdsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apm_deferred_cmds_total",
			Help: "Number of commands currently deferred for sub-graph overlap",
		},
	)

	// CmdDuration is the wall-clock duration of a command from
	// allocation to slot release, labeled by opcode (§4.2).
	CmdDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apm_cmd_duration_seconds",
			Help:    "Command wall-clock duration in seconds, by opcode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"opcode"},
	)

	// SortIterations records the number of DFS stack iterations consumed
	// by one container-graph sort pass (§4.6).
	SortIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apm_sort_iterations",
			Help:    "Number of DFS loop iterations in one container-graph sort pass",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 500},
		},
	)

	// CyclesDetectedTotal counts back-edges reclassified as cyclic data
	// links across all sort passes.
	CyclesDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apm_cycles_detected_total",
			Help: "Total number of data-port back-edges reclassified as cyclic",
		},
	)

	// ContainerGraphMergesTotal counts container-graph union operations
	// triggered by a new inter-graph edge (§4.6).
	ContainerGraphMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apm_container_graph_merges_total",
			Help: "Total number of container-graph merges performed",
		},
	)

	// ContainerRspFailedTotal counts non-OK container responses observed
	// by the aggregator, labeled by opcode.
	ContainerRspFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apm_container_rsp_failed_total",
			Help: "Total number of non-OK container responses observed",
		},
		[]string{"opcode"},
	)
)

func init() {
	prometheus.MustRegister(
		CmdSlotsInUse,
		CmdQueueDepth,
		RspQueueDepth,
		DeferredCmdsTotal,
		CmdDuration,
		SortIterations,
		CyclesDetectedTotal,
		ContainerGraphMergesTotal,
		ContainerRspFailedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
