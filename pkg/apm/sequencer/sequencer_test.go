package sequencer

import (
	"testing"

	"github.com/cuemby/apm/pkg/apm/aggregator"
	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/apm/cmdctrl"
	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/container"
	"github.com/cuemby/apm/pkg/apm/coordinator"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires a Sequencer to a FakeProxy and drains the sequencer's
// fanout/response cycle synchronously, the way the work loop would but
// without the channels, so sequencer behavior can be tested in isolation.
type harness struct {
	db    *graphdb.DB
	coord *coordinator.Coordinator
	proxy *container.FakeProxy
	shmem *container.InMemorySharedMemory
	seq   *Sequencer
}

func newHarness() *harness {
	h := &harness{
		db:    graphdb.New(),
		coord: coordinator.New(),
		proxy: container.NewFakeProxy(),
		shmem: container.NewInMemorySharedMemory(),
	}
	h.seq = New(h.db, h.proxy, h.coord, config.Default(), zerolog.Nop(), h.shmem, nil)
	h.seq.SetSink(func(types.Response) {})
	return h
}

// run drives slot's opcode sequence to completion, immediately folding
// every fanned-out response (from the synchronous FakeProxy) back into the
// aggregator/sequencer re-entry loop.
func (h *harness) run(t *testing.T, slot *cmdctrl.Slot) error {
	t.Helper()
	var pending []types.Response
	h.seq.SetSink(func(r types.Response) { pending = append(pending, r) })

	err := h.seq.Begin(slot)
	for err == nil && !h.seq.Done(slot) {
		require.NotEmpty(t, pending, "sequencer stopped mid-sequence with no responses pending")
		for _, r := range pending {
			outcome := aggregator.Apply(slot, r)
			if outcome.Terminal {
				pending = nil
				err = h.seq.Resume(slot)
				break
			}
		}
	}
	if err == nil && h.seq.Done(slot) {
		// Mirrors the work loop's finish(): a sequence that ran to
		// completion without a hard step error still reports the
		// aggregated per-sub-graph container failure, if any (§4.5, §7).
		return aggregator.CommandError(slot)
	}
	return err
}

func TestOpenThenCloseRoundTrip(t *testing.T) {
	h := newHarness()

	openSpec := &types.OpenSpec{
		Modules: []types.ModulePlacement{{Module: 0xD1, SubGraph: 0x100, Container: 0xC1}},
	}
	openSlot := &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: openSpec}}
	require.NoError(t, h.run(t, openSlot))

	assert.False(t, h.db.Empty())
	assert.NotNil(t, h.db.Module(0xD1))

	closeSlot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpClose, SubGraphs: []types.SubGraphID{0x100}}}
	require.NoError(t, h.run(t, closeSlot))

	assert.True(t, h.db.Empty(), "OPEN-then-CLOSE round trip must return the database to empty (§8 law)")
}

func TestStartOnAlreadyStartedSubGraphIsIdempotent(t *testing.T) {
	h := newHarness()
	openSpec := &types.OpenSpec{
		Modules: []types.ModulePlacement{{Module: 0xD1, SubGraph: 0x100, Container: 0xC1}},
	}
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: openSpec}}))

	start1 := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpStart, SubGraphs: []types.SubGraphID{0x100}}}
	require.NoError(t, h.run(t, start1))
	assert.Equal(t, types.SubGraphStarted, h.db.SubGraph(0x100).State)

	start2 := &cmdctrl.Slot{Cmd: types.Command{ID: 3, Opcode: types.OpStart, SubGraphs: []types.SubGraphID{0x100}}}
	require.NoError(t, h.run(t, start2), "issuing START on an already-STARTED sub-graph must return OK without mutating state")
	assert.Equal(t, types.SubGraphStarted, h.db.SubGraph(0x100).State)
}

func TestOpenFailureTriggersCleanupAndPreservesOriginalError(t *testing.T) {
	h := newHarness()
	h.proxy.Fail[container.FakeKey{Container: 0xC1, Op: types.OpOpen}] = assert.AnError

	openSpec := &types.OpenSpec{
		Modules: []types.ModulePlacement{{Module: 0xD1, SubGraph: 0x100, Container: 0xC1}},
	}
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: openSpec}}
	err := h.run(t, slot)

	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError, "the client must see the original OPEN error, not a composite")
	assert.True(t, h.db.Empty(), "the partially-created topology must be torn down on OPEN failure")
}

func TestDanglingLinkRejectedWhenNeitherEndpointExists(t *testing.T) {
	h := newHarness()
	spec := &types.OpenSpec{
		Links: []types.LinkSpec{{SelfContainer: 0xC9, PeerContainer: 0xC8, SelfSG: 0x100, PeerSG: 0x200, Kind: types.PortKindDataOut}},
	}
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, Payload: spec}}
	err := h.seq.Begin(slot)
	require.Error(t, err)
}

func TestCycleTopologySortsAndClosesCleanly(t *testing.T) {
	h := newHarness()
	spec := &types.OpenSpec{
		Modules: []types.ModulePlacement{
			{Module: 0xD1, SubGraph: 0x100, Container: 0xA},
			{Module: 0xD2, SubGraph: 0x100, Container: 0xB},
			{Module: 0xD3, SubGraph: 0x100, Container: 0xC},
		},
		Links: []types.LinkSpec{
			{SelfContainer: 0xA, PeerContainer: 0xB, SelfSG: 0x100, PeerSG: 0x100, Kind: types.PortKindDataOut},
			{SelfContainer: 0xB, PeerContainer: 0xC, SelfSG: 0x100, PeerSG: 0x100, Kind: types.PortKindDataOut},
			{SelfContainer: 0xC, PeerContainer: 0xA, SelfSG: 0x100, PeerSG: 0x100, Kind: types.PortKindDataOut},
		},
	}
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: spec}}
	require.NoError(t, h.run(t, slot))

	g := h.db.ContainerGraph(h.db.Container(0xA).ContainerGraph)
	require.NotNil(t, g)
	assert.True(t, g.Sorted)

	closeSlot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpClose, SubGraphs: []types.SubGraphID{0x100}}}
	require.NoError(t, h.run(t, closeSlot))
	assert.True(t, h.db.Empty())
}

func TestLinkOpenAcrossStartedSubGraphsStartsTheLink(t *testing.T) {
	h := newHarness()
	setup := &types.OpenSpec{
		Modules: []types.ModulePlacement{
			{Module: 0xD1, SubGraph: 0x100, Container: 0xA},
			{Module: 0xD2, SubGraph: 0x200, Container: 0xB},
		},
	}
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100, 0x200}, Payload: setup}}))

	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpStart, SubGraphs: []types.SubGraphID{0x100}}}))
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 3, Opcode: types.OpStart, SubGraphs: []types.SubGraphID{0x200}}}))
	require.Equal(t, types.SubGraphStarted, h.db.SubGraph(0x100).State)
	require.Equal(t, types.SubGraphStarted, h.db.SubGraph(0x200).State)

	// Fail the internal START dispatched to 0xB's endpoint: the error
	// surfacing proves the cross-sub-graph link-start sub-sequence
	// actually ran, not just that the connection was cached (§8 scenario
	// 6).
	h.proxy.Fail[container.FakeKey{Container: 0xB, Op: types.OpProxyStart}] = assert.AnError

	linkSpec := &types.OpenSpec{
		Links: []types.LinkSpec{
			{SelfContainer: 0xA, PeerContainer: 0xB, SelfSG: 0x100, PeerSG: 0x200, Kind: types.PortKindDataOut},
		},
	}
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 4, Opcode: types.OpOpen, Payload: linkSpec}}
	err := h.run(t, slot)
	require.Error(t, err, "the internal START the link-start sub-sequence issues must surface its failure")
	assert.ErrorIs(t, err, assert.AnError)

	conns := h.db.Container(0xA).Bucket(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0x200})
	assert.Len(t, conns, 1, "the link itself is cached regardless of the link-start sub-sequence's own outcome")
}

func TestLinkOpenWithinSameContainerRejected(t *testing.T) {
	h := newHarness()
	setup := &types.OpenSpec{
		Modules: []types.ModulePlacement{
			{Module: 0xD1, SubGraph: 0x100, Container: 0xA},
		},
	}
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: setup}}))

	linkSpec := &types.OpenSpec{
		Links: []types.LinkSpec{
			{SelfContainer: 0xA, PeerContainer: 0xA, SelfSG: 0x100, PeerSG: 0x100, Kind: types.PortKindDataOut},
		},
	}
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpOpen, Payload: linkSpec}}
	err := h.seq.Begin(slot)
	require.Error(t, err, "a link whose endpoints are the same container must be rejected")
}

func TestLinkOpenWithinSameStartedSubGraphRejected(t *testing.T) {
	h := newHarness()
	setup := &types.OpenSpec{
		Modules: []types.ModulePlacement{
			{Module: 0xD1, SubGraph: 0x100, Container: 0xA},
			{Module: 0xD2, SubGraph: 0x100, Container: 0xB},
		},
	}
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: setup}}))
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpStart, SubGraphs: []types.SubGraphID{0x100}}}))

	linkSpec := &types.OpenSpec{
		Links: []types.LinkSpec{
			{SelfContainer: 0xA, PeerContainer: 0xB, SelfSG: 0x100, PeerSG: 0x100, Kind: types.PortKindDataOut},
		},
	}
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 3, Opcode: types.OpOpen, Payload: linkSpec}}
	err := h.seq.Begin(slot)
	require.Error(t, err, "a link whose endpoints are in the same already-started sub-graph must be rejected")
}

// openTwoContainerTopology opens sub-graph 0x100 spanning containers
// 0xA and 0xB, the fixture every cfg test below builds on.
func openTwoContainerTopology(t *testing.T, h *harness) {
	t.Helper()
	setup := &types.OpenSpec{
		Modules: []types.ModulePlacement{
			{Module: 0xD1, SubGraph: 0x100, Container: 0xA},
			{Module: 0xD2, SubGraph: 0x100, Container: 0xB},
		},
	}
	require.NoError(t, h.run(t, &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: setup}}))
}

func TestGetCfgSingleContainer(t *testing.T) {
	h := newHarness()
	openTwoContainerTopology(t, h)

	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpGetCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo"}}}
	require.NoError(t, h.run(t, slot))
	assert.Equal(t, 1, slot.IssuedCount, "a single-container GET_CFG must fan out to exactly that container")
}

func TestSetCfgBroadcastsToEverySubGraphContainer(t *testing.T) {
	h := newHarness()
	openTwoContainerTopology(t, h)

	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpSetCfg, Payload: &types.CfgRequest{SubGraph: 0x100, Key: "foo", Value: "bar"}}}
	require.NoError(t, h.run(t, slot))
	assert.Equal(t, 2, slot.IssuedCount, "a sub-graph-wide SET_CFG must reach every container hosting it")
}

func TestGetCfgUnknownTargetIsBadParam(t *testing.T) {
	h := newHarness()
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 1, Opcode: types.OpGetCfg, Payload: &types.CfgRequest{}}}
	err := h.seq.Begin(slot)
	assert.ErrorIs(t, err, apmerr.BadParam, "a CfgRequest naming neither a container nor a sub-graph must be rejected")
}

func TestRegisterAndDeregisterCfgFanOutAndAggregate(t *testing.T) {
	h := newHarness()
	openTwoContainerTopology(t, h)

	reg := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpRegisterCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo"}}}
	require.NoError(t, h.run(t, reg))

	dereg := &cmdctrl.Slot{Cmd: types.Command{ID: 3, Opcode: types.OpDeregisterCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo"}}}
	require.NoError(t, h.run(t, dereg))

	h.proxy.Fail[container.FakeKey{Container: 0xA, Op: types.OpRegisterCfg}] = assert.AnError
	failing := &cmdctrl.Slot{Cmd: types.Command{ID: 4, Opcode: types.OpRegisterCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo"}}}
	err := h.run(t, failing)
	assert.ErrorIs(t, err, assert.AnError, "a failed container response must surface as the command's aggregated error")
}

func TestCfgMemMapHandleRefcountIncrementsOnReceipt(t *testing.T) {
	h := newHarness()
	openTwoContainerTopology(t, h)

	// Begin directly rather than through h.run: the harness's default
	// sink discards the FakeProxy's synchronous response, so the
	// aggregator never reaches terminal state and stepCfgFinalize never
	// runs. This isolates the increment stepCfgFanout performs before
	// dispatch from the decrement stepCfgFinalize performs afterward.
	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpGetCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo", MemMapHandle: 0x7}}}
	require.NoError(t, h.seq.Begin(slot))
	assert.Equal(t, 1, h.shmem.RefCount(0x7), "the refcount must be bumped on receipt, before the container response is aggregated")
}

func TestCfgMemMapHandleRefcountFlushesOnSuccessfulCompletion(t *testing.T) {
	h := newHarness()
	openTwoContainerTopology(t, h)

	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpGetCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo", MemMapHandle: 0x7}}}
	require.NoError(t, h.run(t, slot))
	assert.Equal(t, 0, h.shmem.RefCount(0x7), "the refcount must flush back to zero once the command completes (§6)")
}

func TestCfgMemMapHandleRefcountFlushesOnCriticalFailure(t *testing.T) {
	h := newHarness()
	openTwoContainerTopology(t, h)
	h.proxy.Fail[container.FakeKey{Container: 0xA, Op: types.OpGetCfg}] = assert.AnError

	slot := &cmdctrl.Slot{Cmd: types.Command{ID: 2, Opcode: types.OpGetCfg, Payload: &types.CfgRequest{Container: 0xA, Key: "foo", MemMapHandle: 0x7}}}
	err := h.run(t, slot)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, h.shmem.RefCount(0x7), "a critical failure must still decrement and flush the shared-memory reference (§7)")
}
