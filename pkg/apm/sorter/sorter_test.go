package sorter

import (
	"testing"

	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/apm/portmgr"
	"github.com/cuemby/apm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(db *graphdb.DB, conts ...types.ContainerID) {
	for _, c := range conts {
		db.GetOrCreateContainer(c, 0)
	}
	for i := 0; i < len(conts)-1; i++ {
		portmgr.Connect(db, conts[i], conts[i+1], 0x100, 0x100, types.PortKindDataOut, nil)
		AddEdge(db, conts[i], conts[i+1])
	}
}

func TestSortLinearChainProducesTopologicalOrder(t *testing.T) {
	db := graphdb.New()
	chain(db, 0xA, 0xB, 0xC)

	g := db.ContainerGraph(db.Container(0xA).ContainerGraph)
	require.NotNil(t, g)
	assert.False(t, g.Sorted)

	err := Sort(db, config.Default(), g)
	require.NoError(t, err)
	assert.True(t, g.Sorted)
	assert.Equal(t, []types.ContainerID{0xA, 0xB, 0xC}, g.Containers)
}

func TestSortReclassifiesCycleAndStillTerminates(t *testing.T) {
	// A -> B -> C -> A: one edge must be moved to the cyclic table on both
	// endpoints, leaving the other two forming a valid order (§8 scenario 5).
	db := graphdb.New()
	chain(db, 0xA, 0xB, 0xC)
	portmgr.Connect(db, 0xC, 0xA, 0x100, 0x100, types.PortKindDataOut, nil)
	AddEdge(db, 0xC, 0xA)

	g := db.ContainerGraph(db.Container(0xA).ContainerGraph)
	require.NotNil(t, g)

	err := Sort(db, config.Default(), g)
	require.NoError(t, err)
	assert.True(t, g.Sorted)
	assert.Len(t, g.Containers, 3)

	cOut := db.Container(0xC).Ports[types.PortClassCyclic][types.PortKindDataOut]
	assert.NotEmpty(t, cOut, "the back edge C->A must be reclassified into the cyclic table")

	aIn := db.Container(0xA).Ports[types.PortClassCyclic][types.PortKindDataIn]
	assert.NotEmpty(t, aIn, "the mirror entry on A's data-in side must also be reclassified")
}

func TestAddEdgeMergesDisjointGraphs(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xA, 0)
	db.GetOrCreateContainer(0xB, 0)
	db.GetOrCreateContainer(0xC, 0)

	portmgr.Connect(db, 0xA, 0xB, 0x100, 0x100, types.PortKindDataOut, nil)
	AddEdge(db, 0xA, 0xB)
	portmgr.Connect(db, 0xC, 0xA, 0x100, 0x100, types.PortKindDataOut, nil)
	AddEdge(db, 0xC, 0xA)

	gA := db.Container(0xA).ContainerGraph
	gB := db.Container(0xB).ContainerGraph
	gC := db.Container(0xC).ContainerGraph
	assert.Equal(t, gA, gB)
	assert.Equal(t, gA, gC)
	assert.Len(t, db.AllContainerGraphs(), 1)
}

func TestAddEdgeWithinSameGraphOnlyClearsSortedFlag(t *testing.T) {
	db := graphdb.New()
	chain(db, 0xA, 0xB, 0xC)
	g := db.ContainerGraph(db.Container(0xA).ContainerGraph)
	require.NoError(t, Sort(db, config.Default(), g))
	require.True(t, g.Sorted)

	before := append([]types.ContainerID(nil), g.Containers...)
	portmgr.Connect(db, 0xA, 0xC, 0x200, 0x200, types.PortKindCtrl, nil)
	AddEdge(db, 0xA, 0xC)

	assert.False(t, g.Sorted, "adding an edge within an already-connected graph must clear graph_is_sorted")
	assert.ElementsMatch(t, before, g.Containers, "container membership must be unchanged (§8 sort-stability law)")
}

func TestPromoteStandaloneGivesSingletonGraph(t *testing.T) {
	db := graphdb.New()
	db.GetOrCreateContainer(0xA, 0)
	PromoteStandalone(db, 0xA)

	c := db.Container(0xA)
	require.NotZero(t, c.ContainerGraph)
	g := db.ContainerGraph(c.ContainerGraph)
	assert.Equal(t, []types.ContainerID{0xA}, g.Containers)
}

func TestSortBailsOutBeyondIterationLimit(t *testing.T) {
	db := graphdb.New()
	chain(db, 0xA, 0xB)
	g := db.ContainerGraph(db.Container(0xA).ContainerGraph)

	cfg := config.Default()
	cfg.MaxSortLoopIterations = 0
	err := Sort(db, cfg, g)
	assert.Error(t, err)
}
