// Package aggregator implements component F: the per-command response
// counters and the aggregation rule that decides when a command's current
// operation has reached a terminal state (§4.5).
package aggregator

import (
	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/apm/cmdctrl"
	"github.com/cuemby/apm/pkg/metrics"
	"github.com/cuemby/apm/pkg/types"
)

// BeginFanout records that n container commands were issued for the
// slot's current operation, resetting the per-operation counters
// (§4.5: issued/received/failed are scoped to one operation, not the
// whole command).
func BeginFanout(slot *cmdctrl.Slot, n int) {
	slot.IssuedCount = n
	slot.ReceivedCount = 0
	slot.FailedCount = 0
}

// Outcome is the result of folding one response into a slot: whether the
// affected sub-graph should be dropped from the working set (destroy
// path), and whether the operation as a whole is now terminal.
type Outcome struct {
	DropSubGraph bool
	Terminal     bool
}

// Apply folds one container response into slot per the aggregation rule:
//
//   - ResultOK increments ReceivedCount only.
//   - ResultTerminated increments ReceivedCount and routes the response's
//     sub-graph into the destroy path without counting it as a failure
//     (§4.5, §7: ETERMINATED is not a failure).
//   - Anything else increments ReceivedCount and FailedCount, and records
//     the classified error against the sub-graph's outcome.
//
// The operation reaches terminal state when ReceivedCount == IssuedCount
// (§4.5's "num_rsp_rcvd == num_cmd_issued" rule); Apply reports this via
// Outcome.Terminal so the sequencer knows whether to advance to the next
// sub-operation or keep waiting.
func Apply(slot *cmdctrl.Slot, rsp types.Response) Outcome {
	slot.ReceivedCount++

	out := Outcome{}
	switch rsp.Result {
	case types.ResultOK:
		// no-op: success requires no bookkeeping beyond the receive count.
	case types.ResultTerminated:
		out.DropSubGraph = true
		recordOutcome(slot, rsp.SubGraph, nil)
	default:
		slot.FailedCount++
		metrics.ContainerRspFailedTotal.WithLabelValues(slot.Cmd.Opcode.String()).Inc()
		err := rsp.Err
		if err == nil {
			err = apmerr.ContainerFailed
		}
		recordOutcome(slot, rsp.SubGraph, err)
	}

	out.Terminal = slot.Done()
	return out
}

// recordOutcome appends or updates the sub-graph's entry in
// slot.Outcomes; the first non-nil error wins if a sub-graph's containers
// report more than one failure (§4.5: a sub-graph's command is either OK
// or failed as a whole, the first failure determines it).
func recordOutcome(slot *cmdctrl.Slot, sg types.SubGraphID, err error) {
	for i := range slot.Outcomes {
		if slot.Outcomes[i].SubGraph == sg {
			if slot.Outcomes[i].Err == nil {
				slot.Outcomes[i].Err = err
			}
			return
		}
	}
	slot.Outcomes = append(slot.Outcomes, cmdctrl.SubGraphOutcome{SubGraph: sg, Err: err})
}

// CommandError synthesizes the client-facing error for the whole command
// from its accumulated sub-graph outcomes: nil if every sub-graph
// succeeded or was merely skipped, otherwise the first recorded failure
// as Apply stored it: the container's own error, or apmerr.ContainerFailed
// when the response carried none (§4.5, §7).
func CommandError(slot *cmdctrl.Slot) error {
	for _, o := range slot.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
