/*
Package log provides structured logging for the APM control-plane core
using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helpers
for tagging a log line with the command-control slot and opcode it
belongs to. All logs include timestamps and support filtering by
severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout or a custom writer        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component / Command Loggers         │          │
	│  │  - WithComponent("workloop")                │          │
	│  │  - WithCommand(logger, slot, opcode)         │          │
	│  │  - WithTraceID(logger, traceID)              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "sequencer",                │          │
	│  │    "slot": 2, "opcode": "GRAPH_START",      │          │
	│  │    "time": "2026-07-31T10:30:00Z",         │          │
	│  │    "message": "step complete"               │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF step complete component=sequencer slot=2 │ │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init(), with a sensible default from init()
  - Accessible from every pkg/apm/* package without being passed around

Log Levels:
  - Debug: per-step sequencer tracing, response classification detail
  - Info: command allocation/completion, sort passes, container-graph merges
  - Warn: non-fatal per-sub-graph skips (NotReady/Already), deferred commands
  - Error: aggregated command failure, sort bail-out, container failures
  - Fatal: reserved for unrecoverable startup failures in cmd/apmd

Configuration:
  - Level: filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout by default)

Context Loggers:
  - WithComponent: tag all logs from one pkg/apm/* component
  - WithCommand: tag logs with the command-control slot index and opcode
  - WithTraceID: tag logs with the per-command correlation id minted at
    slot allocation (pkg/apm/cmdctrl), so one command's whole sequence
    — allocate, fan-out, aggregate, deallocate — can be grepped together

# Usage

Initializing the Logger:

	import "github.com/cuemby/apm/pkg/log"

	// JSON output (production)
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	// Console output (development)
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: false})

Simple Logging:

	log.Logger.Info().Msg("apm core started")
	log.Logger.Warn().Msg("command-queue wait bit masked: slot table full")

Component Loggers:

	workloopLog := log.WithComponent("workloop")
	workloopLog.Debug().Msg("polling response queue")

	seqLog := log.WithComponent("sequencer")
	seqLog.Info().Str("opcode", "OPEN").Msg("step complete")

Command-tagged Logging:

	slotLog := log.WithCommand(log.WithComponent("cmdctrl"), 3, "GRAPH_CLOSE")
	slotLog.Info().Msg("slot allocated")

	traceID := log.NewTraceID()
	cmdLog := log.WithTraceID(slotLog, traceID.String())
	cmdLog.Info().Dur("duration", elapsed).Msg("command complete")

Complete Example:

	package main

	import (
		"os"
		"github.com/cuemby/apm/pkg/log"
	)

	func main() {
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
		log.Logger.Info().Msg("apm core starting")

		seqLog := log.WithComponent("sequencer")
		seqLog.Info().Str("opcode", "OPEN").Int("sub_graphs", 1).Msg("sequence started")

		log.Logger.Info().Msg("apm core stopped")
	}

# Integration Points

This package is used by:

  - pkg/apm/lifecycle: logs instance create/start/stop and power-manager
    vote/devote transitions
  - pkg/apm/workloop: logs wait-mask changes and dispatch decisions
  - pkg/apm/cmdctrl: logs slot allocation/deallocation and wall-clock
    duration, including the configurable over-threshold warning (§4.2)
  - pkg/apm/sequencer: logs per-opcode step transitions and error-path entry
  - pkg/apm/sorter: logs sort-pass outcomes, cycle reclassification, and
    the "possible infinite loop" bail-out (§4.6)
  - pkg/apm/coordinator: logs command deferral and resume decisions
  - cmd/apmd, cmd/apmctl: logs process lifecycle and CLI command results

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"cmdctrl","slot":1,"opcode":"OPEN","time":"2026-07-31T10:30:00Z","message":"slot allocated"}
	{"level":"warn","component":"sequencer","slot":1,"opcode":"GRAPH_START","time":"2026-07-31T10:30:01Z","message":"sub-graph already started, skipped"}
	{"level":"error","component":"aggregator","slot":2,"opcode":"GRAPH_CLOSE","time":"2026-07-31T10:30:02Z","message":"container response failed","error":"not found"}

Console Format (Development):

	10:30:00 INF slot allocated component=cmdctrl slot=1 opcode=OPEN
	10:30:01 WRN sub-graph already started, skipped component=sequencer slot=1
	10:30:02 ERR container response failed component=aggregator slot=2 error="not found"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at process start (cmd/apmd, cmd/apmctl)
  - Accessible from all packages without being threaded through every call

Context Logger Pattern:
  - Create child loggers with component/slot/opcode/trace fields
  - Pass context loggers into the sequencer and fan-out layer
  - Avoids repeating the same fields on every log call

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err, .Dur)
  - Parseable by log aggregation tooling
  - Better than string concatenation for slot/opcode/result correlation

# Best Practices

Do:
  - Use Info level for normal command lifecycle events
  - Tag every sequencer/aggregator log line with WithCommand so a single
    command's trace can be isolated from concurrent commands
  - Log errors with .Err() for consistent field naming

Don't:
  - Log inside the per-iteration DFS loop of the sorter at Info level —
    use Debug, since a large container-graph can iterate hundreds of times
  - Block on log writes in the work-loop goroutine; the single-threaded
    guarantee (§5) means a slow writer stalls every in-flight command

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - spec §4.2 for the command wall-clock threshold this package's
    duration fields are meant to make visible
*/
package log
