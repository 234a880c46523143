package sequencer

import "github.com/cuemby/apm/pkg/types"

// transitionTable implements the state matrix of §4.4: for each
// GRAPH_MGMT opcode, which source states accept the transition and what
// state results. FLUSH is deliberately listed as valid only from STARTED
// (§9 open question 3: "FLUSH's valid source states"), matching the
// comment cited from the original's state-validation routine; every
// other state treats FLUSH as a skip, consistent with the table in §4.4
// marking only STARTED as a valid source for FLUSH.
var transitionTable = map[types.Opcode]map[types.SubGraphState]types.SubGraphState{
	types.OpPrepare: {
		types.SubGraphStopped: types.SubGraphPrepared,
	},
	types.OpStart: {
		types.SubGraphStopped:   types.SubGraphStarted,
		types.SubGraphPrepared:  types.SubGraphStarted,
		types.SubGraphSuspended: types.SubGraphStarted,
	},
	types.OpStop: {
		types.SubGraphPrepared:  types.SubGraphStopped,
		types.SubGraphStarted:   types.SubGraphStopped,
		types.SubGraphSuspended: types.SubGraphStopped,
	},
	types.OpSuspend: {
		types.SubGraphStarted: types.SubGraphSuspended,
	},
	types.OpFlush: {
		types.SubGraphStarted: types.SubGraphStarted,
	},
}

// transitionResult classifies what should happen to one sub-graph when op
// is applied to it from its current state.
type transitionResult int

const (
	transitionApply transitionResult = iota
	transitionAlready
	transitionNotReady
)

// classify decides the outcome of applying op to a sub-graph in state
// cur, and the resulting state when transitionApply is returned.
func classify(op types.Opcode, cur types.SubGraphState) (transitionResult, types.SubGraphState) {
	if op == types.OpClose || op == types.OpCloseAll {
		// CLOSE is valid from any live state; its "transition" is
		// destruction, handled by the close step directly rather than
		// through this table.
		return transitionApply, types.SubGraphInvalid
	}

	table := transitionTable[op]
	if table == nil {
		return transitionNotReady, cur
	}
	if next, ok := table[cur]; ok {
		if next == cur {
			// FLUSH's identity transition is still "apply": it has a
			// real effect (a data flush) despite leaving State unchanged.
			return transitionApply, next
		}
		return transitionApply, next
	}

	// Already-there-or-beyond is distinguished from simply not ready so
	// the two different skip reasons both reachable from §7 are
	// available to callers that care (both are handled identically by
	// the sequencer today, per §4.4).
	for _, next := range table {
		if cur == next {
			return transitionAlready, cur
		}
	}
	return transitionNotReady, cur
}
