// Package coordinator implements component G: sub-graph overlap detection
// between concurrently active commands, the defer/resume FIFO this
// forces, and the proxy-command exceptions to it (§4.8).
package coordinator

import (
	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/apm/cmdctrl"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/metrics"
	"github.com/cuemby/apm/pkg/types"
)

// ComputeFootprint derives a command's direct and indirect sub-graph sets
// from its working set (supplemented feature 1): direct is the working
// set itself; indirect is every sub-graph reachable through one port
// connection from a container that hosts a working-set sub-graph,
// regardless of connection class or kind.
func ComputeFootprint(db *graphdb.DB, workingSet []types.SubGraphID) (direct, indirect map[types.SubGraphID]struct{}) {
	direct = make(map[types.SubGraphID]struct{}, len(workingSet))
	for _, sg := range workingSet {
		direct[sg] = struct{}{}
	}

	indirect = make(map[types.SubGraphID]struct{})
	for sg := range direct {
		sgObj := db.SubGraph(sg)
		if sgObj == nil {
			continue
		}
		for _, contID := range sgObj.Containers {
			c := db.Container(contID)
			if c == nil {
				continue
			}
			for class := types.PortClassAcyclic; class <= types.PortClassCyclic; class++ {
				for kind := types.PortKindDataIn; kind <= types.PortKindCtrl; kind++ {
					for pair := range c.Ports[class][kind] {
						if pair.Peer == 0 {
							continue
						}
						if _, isDirect := direct[pair.Peer]; !isDirect {
							indirect[pair.Peer] = struct{}{}
						}
					}
				}
			}
		}
	}
	return direct, indirect
}

// Coordinator tracks which commands are currently active and which are
// deferred pending sub-graph overlap resolution (§4.8).
type Coordinator struct {
	active   []*cmdctrl.Slot
	deferred []*cmdctrl.Slot

	// closeAllDeferred is true whenever a CLOSE_ALL sits in the deferred
	// FIFO; while it is set, resume never takes the resume-everything
	// branch as long as any other command is still active.
	closeAllDeferred bool
}

// New returns an empty coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Admit decides whether slot may begin running now. It returns
// admitted == true when the command should proceed immediately; false
// means it was pushed onto the deferred FIFO (err == nil) or rejected
// outright (err != nil, always apmerr.Busy).
func (c *Coordinator) Admit(slot *cmdctrl.Slot) (admitted bool, err error) {
	switch {
	case slot.Cmd.Opcode == types.OpCloseAll:
		// CLOSE_ALL overlaps unconditionally with everything in flight
		// (§4.8): it only runs once the table is otherwise empty.
		if len(c.active) > 0 {
			c.pushDeferred(slot)
			c.closeAllDeferred = true
			return false, nil
		}
		c.active = append(c.active, slot)
		return true, nil

	case slot.Cmd.Opcode.IsProxy():
		// Proxy commands bypass the ordinary overlap defer -- but only
		// while no CLOSE is active (§4.8). A CLOSE_ALL in flight still
		// rejects them outright, since CLOSE_ALL must observe every
		// other command having drained first; a plain CLOSE in flight
		// falls back to the normal overlap-defer rule instead of the
		// exemption, since a proxy command racing a CLOSE on the same
		// sub-graph must not proceed underneath it.
		if c.anyActiveCloseAll() {
			return false, apmerr.Busy
		}
		if c.anyActiveClose() && c.overlapsActive(slot) {
			c.pushDeferred(slot)
			return false, nil
		}
		c.active = append(c.active, slot)
		return true, nil

	default:
		if c.overlapsActive(slot) {
			c.pushDeferred(slot)
			return false, nil
		}
		c.active = append(c.active, slot)
		return true, nil
	}
}

// Release removes slot from the active set and resumes whichever
// deferred command(s) the resume policy selects, given the number of
// slots now free in the caller's slot table (§4.8):
//
//   - if the deferred count exactly equals the available slot count,
//     every deferred command is resumed at once, since they will all be
//     re-admitted in the same pass regardless of scan order -- except
//     while a deferred CLOSE_ALL waits and other commands are active;
//   - otherwise, the FIFO is scanned in order for the first command whose
//     footprint no longer overlaps any remaining active command, and only
//     that one is resumed.
func (c *Coordinator) Release(slot *cmdctrl.Slot, availableSlots int) []*cmdctrl.Slot {
	for i, a := range c.active {
		if a == slot {
			c.active = append(c.active[:i], c.active[i+1:]...)
			break
		}
	}
	return c.resume(availableSlots)
}

func (c *Coordinator) resume(availableSlots int) []*cmdctrl.Slot {
	if len(c.deferred) == 0 {
		return nil
	}

	if len(c.deferred) == availableSlots && !(c.closeAllDeferred && len(c.active) > 0) {
		resumed := c.deferred
		c.deferred = nil
		for _, s := range resumed {
			s.Deferred = false
			c.active = append(c.active, s)
			if s.Cmd.Opcode == types.OpCloseAll {
				c.closeAllDeferred = false
			}
		}
		metrics.DeferredCmdsTotal.Set(0)
		return resumed
	}

	for i, s := range c.deferred {
		if c.overlapsActive(s) {
			continue
		}
		c.deferred = append(c.deferred[:i], c.deferred[i+1:]...)
		s.Deferred = false
		c.active = append(c.active, s)
		if s.Cmd.Opcode == types.OpCloseAll {
			c.closeAllDeferred = false
		}
		metrics.DeferredCmdsTotal.Set(float64(len(c.deferred)))
		return []*cmdctrl.Slot{s}
	}
	return nil
}

// PruneClosedSubGraph removes a just-destroyed sub-graph id from every
// deferred command's cached footprint, so it can no longer hold up a
// resume decision (supplemented feature 3).
func (c *Coordinator) PruneClosedSubGraph(sg types.SubGraphID) {
	for _, s := range c.deferred {
		delete(s.DirectSubGraphs, sg)
		delete(s.IndirectSubGraphs, sg)
	}
}

func (c *Coordinator) pushDeferred(slot *cmdctrl.Slot) {
	slot.Deferred = true
	c.deferred = append(c.deferred, slot)
	metrics.DeferredCmdsTotal.Set(float64(len(c.deferred)))
}

func (c *Coordinator) anyActiveCloseAll() bool {
	for _, s := range c.active {
		if s.Cmd.Opcode == types.OpCloseAll {
			return true
		}
	}
	return false
}

func (c *Coordinator) anyActiveClose() bool {
	for _, s := range c.active {
		if s.Cmd.Opcode == types.OpClose {
			return true
		}
	}
	return false
}

func (c *Coordinator) overlapsActive(slot *cmdctrl.Slot) bool {
	for _, a := range c.active {
		if overlaps(a, slot) {
			return true
		}
	}
	return false
}

func overlaps(a, b *cmdctrl.Slot) bool {
	if a.Cmd.Opcode == types.OpCloseAll || b.Cmd.Opcode == types.OpCloseAll {
		return true
	}
	for sg := range a.DirectSubGraphs {
		if _, ok := b.DirectSubGraphs[sg]; ok {
			return true
		}
		if _, ok := b.IndirectSubGraphs[sg]; ok {
			return true
		}
	}
	for sg := range a.IndirectSubGraphs {
		if _, ok := b.DirectSubGraphs[sg]; ok {
			return true
		}
	}
	return false
}
