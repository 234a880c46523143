package sequencer

import "github.com/cuemby/apm/pkg/types"

// danglingLinkPolicy is the single authoritative table deciding whether a
// link whose peer container does not yet exist is tolerated (partial
// topology open) or rejected outright, keyed by opcode rather than
// scattered call-site booleans (§9 open question 2).
//
// OPEN allows dangling links: a sub-graph can be opened before its
// eventual peer sub-graph, so a link naming a not-yet-opened container is
// recorded with PeerSG set but no resolved container, to be completed by
// a later OPEN (§8 scenario: link open across started sub-graphs). Every
// GRAPH_MGMT opcode disallows it — those operate on topology that must
// already be fully resolved.
var danglingLinkPolicy = map[types.Opcode]bool{
	types.OpOpen: true,
}

// DanglingLinkAllowed reports whether op tolerates a link whose peer
// container is not yet known.
func DanglingLinkAllowed(op types.Opcode) bool {
	return danglingLinkPolicy[op]
}
