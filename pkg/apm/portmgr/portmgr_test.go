package portmgr

import (
	"testing"

	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectMirrorsConnectionOnBothEndpoints(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 1)

	conn := Connect(db, 0xC1, 0xC2, 0x100, 0x200, types.PortKindDataOut, []types.PortHandle{1, 2})

	self := db.Container(0xC1).Bucket(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0x200})
	require.Len(t, self, 1)
	assert.Same(t, conn, self[0])

	peer := db.Container(0xC2).Bucket(types.PortClassAcyclic, types.PortKindDataIn, types.SgPair{Self: 0x200, Peer: 0x100})
	require.Len(t, peer, 1)
	assert.Equal(t, conn.PortHandles, peer[0].PortHandles)
	assert.Equal(t, types.ContainerID(0xC1), peer[0].UpstreamContainer)
}

func TestConnectAnnotatesMixedHeapLink(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 2)

	Connect(db, 0xC1, 0xC2, 0x100, 0x200, types.PortKindDataOut, nil)

	_, ok := db.Container(0xC1).MixedHeapPeers[0xC2]
	assert.True(t, ok, "containers linked across a heap-id boundary must be annotated both ways")
	_, ok = db.Container(0xC2).MixedHeapPeers[0xC1]
	assert.True(t, ok)
}

func TestConnectSameHeapDoesNotAnnotate(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 1)

	Connect(db, 0xC1, 0xC2, 0x100, 0x200, types.PortKindDataOut, nil)
	assert.Empty(t, db.Container(0xC1).MixedHeapPeers)
}

func TestConnectDanglingPeerLeavesOnlySelfSide(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)

	conn := Connect(db, 0xC1, 0xC2, 0x100, 0, types.PortKindDataOut, nil)
	assert.True(t, conn.Dangling())
	assert.Nil(t, db.Container(0xC2))
}

func TestDestroyPortByPeerSGRemovesOnlyNamedHandles(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 1)
	Connect(db, 0xC1, 0xC2, 0x100, 0x200, types.PortKindDataOut, []types.PortHandle{1, 2})

	DestroyPortByPeerSG(db, 0xC1, 0x100, 0x200, []types.PortHandle{1, 2})

	bucket := db.Container(0xC1).Bucket(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0x200})
	assert.Empty(t, bucket, "bucket must be dropped once its handle set is exhausted")
}

func TestDestroyPortBySelfSGDropsRegardlessOfPeer(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 1)
	db.GetOrCreateContainer(0xC3, 1)
	Connect(db, 0xC1, 0xC2, 0x100, 0x200, types.PortKindDataOut, []types.PortHandle{1})
	Connect(db, 0xC1, 0xC3, 0x100, 0x300, types.PortKindCtrl, []types.PortHandle{2})

	DestroyPortBySelfSG(db, 0xC1, map[types.SubGraphID]struct{}{0x100: {}})

	assert.Empty(t, db.Container(0xC1).Bucket(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0x200}))
	assert.Empty(t, db.Container(0xC1).Bucket(types.PortClassAcyclic, types.PortKindCtrl, types.SgPair{Self: 0x100, Peer: 0x300}))
}

func TestPruneSubGraphFromPeerSGMovesConnectionsToDangling(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 1)
	Connect(db, 0xC1, 0xC2, 0x100, 0x200, types.PortKindDataOut, []types.PortHandle{1})

	PruneSubGraphFromPeerSG(db, 0x200)

	danglingBucket := db.Container(0xC1).Bucket(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0})
	require.Len(t, danglingBucket, 1)
	assert.True(t, danglingBucket[0].Dangling())

	oldBucket := db.Container(0xC1).Bucket(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0x200})
	assert.Empty(t, oldBucket)
}

func TestClearPSPCModuleListDestroysSubGraphWhenLastContainerLeaves(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.AttachContainerToSubGraph(0x100, 0xC1)
	_, err := db.CreateModule(0xD1, 0x100, 0xC1)
	require.NoError(t, err)

	var cleared []types.ModuleID
	destroyed := ClearPSPCModuleList(db, 0x100, 0xC1, func(id types.ModuleID) {
		cleared = append(cleared, id)
	})

	assert.True(t, destroyed)
	assert.Equal(t, []types.ModuleID{0xD1}, cleared)
	assert.Nil(t, db.Module(0xD1))
	assert.Nil(t, db.SubGraph(0x100))
}

func TestClearPSPCModuleListKeepsSubGraphAliveWithOtherContainers(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xC1, 1)
	db.GetOrCreateContainer(0xC2, 1)
	db.AttachContainerToSubGraph(0x100, 0xC1)
	db.AttachContainerToSubGraph(0x100, 0xC2)
	_, err := db.CreateModule(0xD1, 0x100, 0xC1)
	require.NoError(t, err)

	destroyed := ClearPSPCModuleList(db, 0x100, 0xC1, nil)
	assert.False(t, destroyed)
	assert.NotNil(t, db.SubGraph(0x100))
}
