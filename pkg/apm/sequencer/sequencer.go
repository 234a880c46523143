// Package sequencer implements component E: the declarative per-opcode
// operation sequences that drive one command from allocation to
// completion, with cooperative re-entry across container response
// batches (§4.3, §4.4, §9's state-enum/reducer redesign note).
package sequencer

import (
	"fmt"

	"github.com/cuemby/apm/pkg/apm/aggregator"
	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/apm/cmdctrl"
	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/container"
	"github.com/cuemby/apm/pkg/apm/coordinator"
	"github.com/cuemby/apm/pkg/apm/fanout"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/apm/portmgr"
	"github.com/cuemby/apm/pkg/apm/sorter"
	"github.com/cuemby/apm/pkg/types"
	"github.com/rs/zerolog"
)

// step is one sub-operation of an opcode's sequence. It returns the
// number of container commands it fanned out (0 for a purely local,
// synchronous step) or an error that aborts the whole command.
type step struct {
	name string
	run  func(s *Sequencer, slot *cmdctrl.Slot) (fanout int, err error)
}

// Sequencer dispatches and re-enters per-opcode operation sequences
// against the shared graph database.
type Sequencer struct {
	db     *graphdb.DB
	proxy  container.Proxy
	coord  *coordinator.Coordinator
	cfg    config.Config
	logger zerolog.Logger
	sink   func(types.Response)
	shmem  container.SharedMemory

	steps map[types.Opcode][]step
}

// New returns a Sequencer wired to db for graph state, proxy for
// container fanout, coord for deferred-command footprint pruning, shmem
// for the mem_map_handle refcount hook configuration commands drive
// (§6), and sink as the channel every dispatched container command's
// eventual response is delivered back through (owned by component H).
func New(db *graphdb.DB, proxy container.Proxy, coord *coordinator.Coordinator, cfg config.Config, logger zerolog.Logger, shmem container.SharedMemory, sink func(types.Response)) *Sequencer {
	s := &Sequencer{db: db, proxy: proxy, coord: coord, cfg: cfg, logger: logger, shmem: shmem, sink: sink}
	s.buildSteps()
	return s
}

// SetSink rebinds the response sink. Used when the work loop the sink
// must feed is constructed after the sequencer (the two hold a
// reference to each other).
func (s *Sequencer) SetSink(sink func(types.Response)) {
	s.sink = sink
}

func (s *Sequencer) buildSteps() {
	s.steps = map[types.Opcode][]step{
		types.OpOpen: {
			{"validate-topology", stepOpenValidate},
			{"fanout-open", stepOpenFanout},
			{"start-cross-subgraph-links", stepOpenStartLinks},
			{"graph-sort-update", stepOpenGraphSort},
			{"cleanup-on-failure", stepOpenCleanup},
		},
		types.OpPrepare:       graphMgmtSteps(),
		types.OpStart:         graphMgmtSteps(),
		types.OpStop:          graphMgmtSteps(),
		types.OpSuspend:       graphMgmtSteps(),
		types.OpFlush:         graphMgmtSteps(),
		types.OpClose:         closeSteps(),
		types.OpCloseAll:      closeSteps(),
		types.OpGetCfg:        cfgSteps(),
		types.OpSetCfg:        cfgSteps(),
		types.OpRegisterCfg:   cfgSteps(),
		types.OpDeregisterCfg: cfgSteps(),
	}
}

func graphMgmtSteps() []step {
	return []step{
		{"transition", stepGraphMgmtTransition},
		{"fanout", stepGraphMgmtFanout},
	}
}

func closeSteps() []step {
	return []step{
		{"transition", stepGraphMgmtTransition},
		{"fanout", stepGraphMgmtFanout},
		{"teardown", stepCloseTeardown},
	}
}

// cfgSteps is shared by GET_CFG, SET_CFG, REGISTER_CFG, and
// DEREGISTER_CFG: all four carry the same CfgRequest payload envelope
// (§6) and fan out to the same (container | sub-graph broadcast)
// target resolution before a basic response is aggregated (§4.3
// "GET_CFG / SET_CFG" operation list, extended to the other two
// configuration opcodes §6 names alongside them).
func cfgSteps() []step {
	return []step{
		{"fanout-cfg", stepCfgFanout},
		{"finalize-cfg", stepCfgFinalize},
	}
}

// Begin initializes slot's working set and footprint from its command and
// runs the sequence until it either completes or issues its first fanout.
func (s *Sequencer) Begin(slot *cmdctrl.Slot) error {
	op := slot.Cmd.Opcode.NonProxyEquivalent()
	ws := slot.Cmd.SubGraphs
	if op == types.OpCloseAll {
		ws = s.db.SubGraphIDs()
	}
	slot.WorkingSet = append([]types.SubGraphID(nil), ws...)
	slot.DirectSubGraphs, slot.IndirectSubGraphs = coordinator.ComputeFootprint(s.db, slot.WorkingSet)
	slot.CurrentOp = 0
	return s.run(slot)
}

// Resume re-enters the sequence after a fanout's responses have all
// arrived (aggregator.Outcome.Terminal), advancing past the step that
// just finished.
func (s *Sequencer) Resume(slot *cmdctrl.Slot) error {
	slot.CurrentOp++
	return s.run(slot)
}

// Done reports whether slot's opcode sequence has run to completion.
func (s *Sequencer) Done(slot *cmdctrl.Slot) bool {
	return slot.CurrentOp >= len(s.steps[slot.Cmd.Opcode.NonProxyEquivalent()])
}

func (s *Sequencer) run(slot *cmdctrl.Slot) error {
	steps := s.steps[slot.Cmd.Opcode.NonProxyEquivalent()]
	if steps == nil {
		return fmt.Errorf("sequencer: %w: opcode %s", apmerr.Unsupported, slot.Cmd.Opcode)
	}
	for slot.CurrentOp < len(steps) {
		st := steps[slot.CurrentOp]
		n, err := st.run(s, slot)
		if err != nil {
			return fmt.Errorf("sequencer: step %q: %w", st.name, err)
		}
		if n > 0 {
			aggregator.BeginFanout(slot, n)
			return nil
		}
		slot.CurrentOp++
	}
	return nil
}

// stepGraphMgmtTransition applies the §4.4 state matrix to every
// sub-graph in the working set, dropping (non-fatally) whichever ones are
// not ready or already at the target state (§4.4, §7).
func stepGraphMgmtTransition(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	op := slot.Cmd.Opcode.NonProxyEquivalent()
	kept := slot.WorkingSet[:0:0]
	for _, sg := range slot.WorkingSet {
		sgObj := s.db.SubGraph(sg)
		if sgObj == nil {
			continue
		}
		result, next := classify(op, sgObj.State)
		if result != transitionApply {
			continue
		}
		if op != types.OpClose && op != types.OpCloseAll {
			sgObj.State = next
		}
		kept = append(kept, sg)
	}
	slot.WorkingSet = kept
	return 0, nil
}

// stepGraphMgmtFanout dispatches one container command per (container,
// sub-graph) pair remaining in the working set.
func stepGraphMgmtFanout(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	targets := fanout.BuildSubGraphTargets(s.db, slot.WorkingSet)
	if len(targets) == 0 {
		return 0, nil
	}
	return fanout.Issue(s.proxy, s.sink, slot.Cmd.ID, slot.Cmd.Opcode, targets, nil)
}

// stepCloseTeardown removes every module and port connection belonging
// to the working set's sub-graphs, destroying sub-graphs whose container
// list empties and pruning them out of any deferred command's cached
// footprint (§4.7, §9 open question: supplemented feature 3). A
// container left with no remaining sub-graph or port connection is
// reaped along with its now-empty container-graph, so that closing
// every sub-graph a container was opened for returns the database to
// its pre-OPEN state (§8 round-trip law).
func stepCloseTeardown(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	closing := make(map[types.SubGraphID]struct{}, len(slot.WorkingSet))
	for _, sg := range slot.WorkingSet {
		closing[sg] = struct{}{}
	}
	for _, sg := range slot.WorkingSet {
		sgObj := s.db.SubGraph(sg)
		if sgObj == nil {
			continue
		}
		for _, cont := range append([]types.ContainerID(nil), sgObj.Containers...) {
			portmgr.DestroyPortBySelfSG(s.db, cont, closing)
			if portmgr.ClearPSPCModuleList(s.db, sg, cont, nil) {
				s.coord.PruneClosedSubGraph(sg)
			}
			s.db.ReapContainerIfIdle(cont)
		}
	}
	return 0, nil
}

// stepOpenValidate decodes the OPEN payload, creates the named
// sub-graphs/containers/modules, and wires the named port connections,
// applying the dangling-link policy per link (§9 open question 2).
func stepOpenValidate(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	spec, ok := slot.Cmd.Payload.(*types.OpenSpec)
	if !ok || spec == nil {
		return 0, apmerr.BadParam
	}

	for _, mp := range spec.Modules {
		s.db.GetOrCreateSubGraph(mp.SubGraph)
		s.db.GetOrCreateContainer(mp.Container, mp.HeapID)
		if _, err := s.db.CreateModule(mp.Module, mp.SubGraph, mp.Container); err != nil {
			return 0, err
		}
		s.db.AttachContainerToSubGraph(mp.SubGraph, mp.Container)
	}

	touched := map[types.ContainerID]struct{}{}
	for _, mp := range spec.Modules {
		touched[mp.Container] = struct{}{}
	}

	for _, link := range spec.Links {
		selfExists := s.db.Container(link.SelfContainer) != nil
		peerExists := s.db.Container(link.PeerContainer) != nil
		if !selfExists && !peerExists {
			return 0, apmerr.DanglingLink
		}
		if !peerExists && !DanglingLinkAllowed(slot.Cmd.Opcode) {
			return 0, apmerr.DanglingLink
		}

		if peerExists {
			if link.SelfContainer == link.PeerContainer {
				return 0, fmt.Errorf("%w: link endpoints are in the same container", apmerr.BadParam)
			}
			if link.SelfSG == link.PeerSG {
				if sgObj := s.db.SubGraph(link.SelfSG); sgObj != nil && sgObj.State == types.SubGraphStarted {
					return 0, fmt.Errorf("%w: link endpoints are in the same already-started sub-graph", apmerr.BadParam)
				}
			} else if selfSG, peerSG := s.db.SubGraph(link.SelfSG), s.db.SubGraph(link.PeerSG); selfSG != nil && peerSG != nil &&
				selfSG.State == types.SubGraphStarted && peerSG.State == types.SubGraphStarted {
				// Both endpoints already STARTED in different containers
				// (§8 scenario 6): the link itself is still cached now,
				// like any other, but the new connection's own
				// command-list starts at STOPPED and needs its own START
				// once the topology is wired.
				slot.PendingLinkStarts = append(slot.PendingLinkStarts, link)
			}
		}

		portmgr.Connect(s.db, link.SelfContainer, link.PeerContainer, link.SelfSG, link.PeerSG, link.Kind, link.Handles)
		touched[link.SelfContainer] = struct{}{}

		if peerExists {
			touched[link.PeerContainer] = struct{}{}
			if link.Kind == types.PortKindDataOut || link.Kind == types.PortKindDataIn {
				sorter.AddEdge(s.db, link.SelfContainer, link.PeerContainer)
			}
		}
	}

	for cont := range touched {
		sorter.PromoteStandalone(s.db, cont)
	}
	return 0, nil
}

// stepOpenFanout dispatches an OPEN command to every container named by
// the topology, one per container.
func stepOpenFanout(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	spec := slot.Cmd.Payload.(*types.OpenSpec)
	containers := map[types.ContainerID]types.SubGraphID{}
	for _, mp := range spec.Modules {
		containers[mp.Container] = mp.SubGraph
	}
	if len(containers) == 0 {
		return 0, nil
	}
	targets := make([]fanout.Target, 0, len(containers))
	for cont, sg := range containers {
		targets = append(targets, fanout.Target{Container: cont, SubGraph: sg})
	}
	return fanout.Issue(s.proxy, s.sink, slot.Cmd.ID, types.OpOpen, targets, spec)
}

// linkStartTargets returns the deduplicated (container, sub-graph)
// recipients for every link queued in slot.PendingLinkStarts, one Target
// per distinct endpoint across all of them.
func linkStartTargets(slot *cmdctrl.Slot) []fanout.Target {
	if len(slot.PendingLinkStarts) == 0 {
		return nil
	}
	seen := map[fanout.Target]struct{}{}
	var targets []fanout.Target
	for _, link := range slot.PendingLinkStarts {
		for _, t := range [2]fanout.Target{
			{Container: link.SelfContainer, SubGraph: link.SelfSG},
			{Container: link.PeerContainer, SubGraph: link.PeerSG},
		} {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			targets = append(targets, t)
		}
	}
	return targets
}

// stepOpenStartLinks issues an internal START to each endpoint of a
// cross-sub-graph link whose two sub-graphs were already STARTED before
// this OPEN (§4.3 "handle cross-sub-graph link start at open", §8
// scenario 6). The new connection's own command-list starts at STOPPED
// regardless of its peers' state (§4.4), and START applies directly from
// STOPPED, so a single internal START per endpoint is enough to bring the
// link online without disturbing anything else already running in either
// sub-graph.
func stepOpenStartLinks(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	targets := linkStartTargets(slot)
	slot.PendingLinkStarts = nil
	return fanout.Issue(s.proxy, s.sink, slot.Cmd.ID, types.OpProxyStart, targets, nil)
}

// stepOpenGraphSort re-runs the container-graph topological sort (§4.6)
// over every container-graph whose membership or edges changed during
// this OPEN, reclassifying any newly-formed cycles before the command
// finalises. It runs unconditionally, even on a fanout failure, so the
// partially-opened topology the error path inspects already has a
// consistent sort order and cyclic/acyclic split.
func stepOpenGraphSort(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	for _, g := range s.db.AllContainerGraphs() {
		if g.Sorted {
			continue
		}
		if err := sorter.Sort(s.db, s.cfg, g); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// stepOpenCleanup implements the OPEN failure path decided for §9 open
// question 1: on any container failure the just-created topology is torn
// down locally. The CLOSE-equivalent teardown's own outcome is only ever
// logged — it never overwrites the original OPEN error the client will
// see, since the aggregator's CommandError was already latched by the
// prior fanout step.
func stepOpenCleanup(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	if err := aggregator.CommandError(slot); err != nil {
		spec := slot.Cmd.Payload.(*types.OpenSpec)
		for _, mp := range spec.Modules {
			s.db.RemoveModule(mp.Module)
		}
		sgs := map[types.SubGraphID]struct{}{}
		for _, mp := range spec.Modules {
			sgs[mp.SubGraph] = struct{}{}
		}
		for sg := range sgs {
			sgObj := s.db.SubGraph(sg)
			if sgObj == nil {
				continue
			}
			for _, cont := range append([]types.ContainerID(nil), sgObj.Containers...) {
				portmgr.DestroyPortBySelfSG(s.db, cont, sgs)
				if s.db.DetachContainerFromSubGraph(sg, cont) {
					portmgr.PruneSubGraphFromPeerSG(s.db, sg)
					s.coord.PruneClosedSubGraph(sg)
				}
				s.db.ReapContainerIfIdle(cont)
			}
		}
		s.logger.Warn().Uint64("command_id", slot.Cmd.ID).Err(err).
			Msg("tore down partially opened topology after OPEN failure")
	}
	return 0, nil
}

// stepCfgFanout dispatches a GET_CFG/SET_CFG/REGISTER_CFG/DEREGISTER_CFG
// request either to its single named container or, for a sub-graph-wide
// broadcast, to every container hosting that sub-graph with the same
// cached payload (§4.1). A non-zero MemMapHandle is out-of-band per §6's payload
// envelope, so its refcount is bumped here, "on receipt", before the
// fanout is issued; stepCfgFinalize bumps it back down once the command
// completes.
func stepCfgFanout(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	req, ok := slot.Cmd.Payload.(*types.CfgRequest)
	if !ok || req == nil {
		return 0, apmerr.BadParam
	}

	var targets []fanout.Target
	switch {
	case req.Container != 0:
		targets = []fanout.Target{{Container: req.Container, SubGraph: req.SubGraph}}
	case req.SubGraph != 0:
		targets = fanout.BuildCachedConfigTargets(s.db, req.SubGraph)
	default:
		return 0, apmerr.BadParam
	}

	if req.MemMapHandle != 0 && s.shmem != nil {
		s.shmem.IncRef(req.MemMapHandle)
	}

	n, err := fanout.Issue(s.proxy, s.sink, slot.Cmd.ID, slot.Cmd.Opcode, targets, req)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, apmerr.BadParam
	}
	return n, nil
}

// stepCfgFinalize releases the out-of-band shared-memory reference
// stepCfgFanout took, now that every container response for this command
// has been aggregated. §6 ties the decrement-and-flush to command
// completion in general, and §7 calls it out again specifically for a
// critical failure on the GET_CFG path — this step covers both, since it
// always runs once CommandError is final, whether that error is nil or
// not.
func stepCfgFinalize(s *Sequencer, slot *cmdctrl.Slot) (int, error) {
	req, ok := slot.Cmd.Payload.(*types.CfgRequest)
	if ok && req != nil && req.MemMapHandle != 0 && s.shmem != nil {
		s.shmem.DecRefAndFlush(req.MemMapHandle)
	}
	return 0, nil
}
