/*
Package metrics provides Prometheus metrics collection, HTTP exposition,
and health/readiness/liveness endpoints for the APM control-plane core.

The metrics package defines and registers APM metrics using the
Prometheus client library, giving observability into slot-table
occupancy, queue depth, command duration, and container-graph sort
behavior — the quantities §8's testable properties and §5's resource
model actually call out.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                             │
	│  ┌────────────────────────────────────────────┐           │
	│  │         pkg/apm/* components                │           │
	│  │  - cmdctrl: slot alloc/free, duration        │           │
	│  │  - workloop: queue depth on every drain      │           │
	│  │  - coordinator: deferred FIFO length          │           │
	│  │  - sorter: iteration count, cycle count,     │           │
	│  │    container-graph merges                    │           │
	│  │  - aggregator: non-OK container responses    │           │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │ set/observe/inc (in-line, no polling) │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │     Prometheus Registry (MustRegister)        │          │
	│  │  Gauge: instant values (slot occupancy)       │          │
	│  │  Histogram: distributions (sort iterations,   │          │
	│  │    command duration)                          │          │
	│  │  Counter: monotonic totals (cycles detected)  │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │     metrics.Handler() → /metrics (promhttp)    │          │
	│  │     metrics.HealthHandler() → /health          │          │
	│  │     metrics.ReadyHandler() → /ready            │          │
	│  │     metrics.LivenessHandler() → /live          │          │
	│  └────────────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────────┘

Unlike a polling collector that periodically asks some subsystem for
counts, every metric here is pushed in-line by the component whose
state actually changed (see "Core Metrics" below) — which matches the
single-threaded, event-driven shape of the core (§5): there is no
separate goroutine safe to poll the graph database from.

# Core Metrics

apm_cmd_slots_in_use:
  - Type: Gauge
  - Description: Number of command-control slots (component D) currently
    active, out of MAX_PARALLEL_CMD
  - Set by: pkg/apm/cmdctrl, on every Alloc/Free
  - Example: apm_cmd_slots_in_use 2

apm_cmd_queue_depth / apm_rsp_queue_depth:
  - Type: Gauge
  - Description: Messages currently buffered on the command/response
    channel (component H)
  - Set by: pkg/apm/workloop, on every drain iteration
  - Example: apm_rsp_queue_depth 0

apm_deferred_cmds_total:
  - Type: Gauge
  - Description: Current length of the deferred-command FIFO (component G)
  - Set by: pkg/apm/coordinator, on every defer/resume
  - Example: apm_deferred_cmds_total 1

apm_cmd_duration_seconds{opcode}:
  - Type: Histogram
  - Description: Command wall-clock duration, allocation to slot release
    (§4.2), labeled by opcode
  - Observed by: pkg/apm/cmdctrl.Free
  - Example: apm_cmd_duration_seconds_bucket{opcode="GRAPH_START",le="0.1"} 12

apm_sort_iterations:
  - Type: Histogram
  - Description: DFS loop iterations consumed by one container-graph sort
    pass (§4.6), bucketed to make the MAX_SORT_LOOP_ITR bail-out visible
  - Observed by: pkg/apm/sorter
  - Example: apm_sort_iterations_bucket{le="16"} 40

apm_cycles_detected_total:
  - Type: Counter
  - Description: Data-port back-edges reclassified from acyclic to cyclic
    across all sort passes
  - Incremented by: pkg/apm/sorter

apm_container_graph_merges_total:
  - Type: Counter
  - Description: Container-graph union operations triggered by a new
    inter-graph edge (§4.6)
  - Incremented by: pkg/apm/sorter

apm_container_rsp_failed_total{opcode}:
  - Type: CounterVec
  - Description: Non-OK container responses observed by the response
    aggregator (component F), labeled by opcode
  - Incremented by: pkg/apm/aggregator

# Usage

Registering and exposing metrics:

	import (
		"net/http"
		"github.com/cuemby/apm/pkg/metrics"
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	http.ListenAndServe(":9090", mux)

Timing an operation:

	timer := metrics.NewTimer()
	// ... run the sort pass ...
	timer.ObserveDuration(metrics.SortIterations)

Timing a labeled operation:

	timer := metrics.NewTimer()
	// ... sequence one command through to completion ...
	timer.ObserveDurationVec(metrics.CmdDuration, cmd.Opcode.String())

Registering component health:

	metrics.RegisterComponent("workloop", true, "")
	metrics.RegisterComponent("graphdb", true, "")
	metrics.RegisterComponent("lifecycle", true, "")

	// later, if something degrades:
	metrics.UpdateComponent("workloop", false, "kill signal received, draining")

# Health, Readiness, and Liveness

GetHealth / HealthHandler ("/health"):
  - Aggregates every registered component's health into one status:
    "healthy" if all components report healthy, "unhealthy" otherwise
  - Returns HTTP 200 when healthy, 503 when unhealthy

GetReadiness / ReadyHandler ("/ready"):
  - Checks a fixed set of critical components: "workloop", "graphdb",
    "lifecycle" — the work-loop goroutine, the graph database, and the
    lifecycle facade that wires them together
  - A missing or unhealthy critical component reports "not_ready" with an
    explanatory message naming which one

LivenessHandler ("/live"):
  - Always returns 200 with process uptime; used by a supervisor to
    decide whether to restart the process, independent of whether the
    core is currently ready to accept commands

# Design Patterns

Push, not Poll:
  - Every counter/gauge/histogram here is updated at the point in
    pkg/apm/* where the underlying state actually changed, not sampled
    later by a separate goroutine. This avoids introducing a second
    reader of graph state, which would break the single-threaded
    invariant the core relies on to skip locking (§5).

Label Cardinality:
  - Only Opcode is ever used as a label (a small, fixed-size enum);
    sub-graph/container/module ids are never used as label values, to
    keep Prometheus series cardinality bounded regardless of graph size.

# See Also

  - spec §4.2 for the command wall-clock threshold this package's
    duration histogram is meant to make visible
  - spec §5 for the resource-discipline guarantees these metrics observe
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
