// Package sorter implements component B: container-graph grouping and the
// iterative topological sort over each container-graph's acyclic
// data-output edges (§4.6).
package sorter

import (
	"fmt"

	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/metrics"
	"github.com/cuemby/apm/pkg/types"
)

// AddEdge records that selfCont and peerCont are now linked by a data-port
// connection and merges their container-graphs accordingly: if neither has
// one, a new singleton-turned-pair graph is created; if exactly one does,
// the other joins it; if both do and differ, the smaller is merged into
// the larger (§4.6, supplemented feature via original's container-graph
// union-on-edge-add). Either graph's Sorted flag is cleared since the
// membership changed.
func AddEdge(db *graphdb.DB, selfCont, peerCont types.ContainerID) {
	self := db.Container(selfCont)
	peer := db.Container(peerCont)
	if self == nil || peer == nil || self.ID == peer.ID {
		return
	}

	switch {
	case self.ContainerGraph == 0 && peer.ContainerGraph == 0:
		g := db.CreateContainerGraph()
		g.Containers = append(g.Containers, self.ID, peer.ID)
		self.ContainerGraph = g.ID
		peer.ContainerGraph = g.ID
	case self.ContainerGraph == 0:
		g := db.ContainerGraph(peer.ContainerGraph)
		g.Containers = append(g.Containers, self.ID)
		self.ContainerGraph = g.ID
		g.Sorted = false
	case peer.ContainerGraph == 0:
		g := db.ContainerGraph(self.ContainerGraph)
		g.Containers = append(g.Containers, peer.ID)
		peer.ContainerGraph = g.ID
		g.Sorted = false
	case self.ContainerGraph != peer.ContainerGraph:
		merge(db, self.ContainerGraph, peer.ContainerGraph)
	default:
		if g := db.ContainerGraph(self.ContainerGraph); g != nil {
			g.Sorted = false
		}
	}
}

// merge unions graph b into graph a (the larger of the two, by container
// count), re-pointing every member container's ContainerGraph field and
// freeing the absorbed graph (§4.6).
func merge(db *graphdb.DB, a, b types.ContainerGraphID) {
	ga, gb := db.ContainerGraph(a), db.ContainerGraph(b)
	if ga == nil || gb == nil {
		return
	}
	if len(gb.Containers) > len(ga.Containers) {
		ga, gb = gb, ga
	}
	for _, cid := range gb.Containers {
		if c := db.Container(cid); c != nil {
			c.ContainerGraph = ga.ID
		}
		ga.Containers = append(ga.Containers, cid)
	}
	for sg := range gb.SubGraphs {
		ga.SubGraphs[sg] = struct{}{}
	}
	ga.Sorted = false
	db.RemoveContainerGraph(gb.ID)
	metrics.ContainerGraphMergesTotal.Inc()
}

// PromoteStandalone ensures cont, which has no data-port links to any
// other container, owns its own singleton container-graph (§4.6).
func PromoteStandalone(db *graphdb.DB, cont types.ContainerID) {
	c := db.Container(cont)
	if c == nil || c.ContainerGraph != 0 {
		return
	}
	g := db.CreateContainerGraph()
	g.Containers = append(g.Containers, cont)
	c.ContainerGraph = g.ID
}

// edge is one acyclic data-out connection discovered while walking a
// container's port tables, with the peer resolved to a *types.Container.
type edge struct {
	peer *types.Container
	conn *types.PortConnection
}

// outEdges returns every acyclic data-out edge from c, one per
// PeerContainers entry per connection.
func outEdges(db *graphdb.DB, c *types.Container) []edge {
	var out []edge
	for _, conns := range c.Ports[types.PortClassAcyclic][types.PortKindDataOut] {
		for _, conn := range conns {
			for _, peerID := range conn.PeerContainers {
				if peer := db.Container(peerID); peer != nil {
					out = append(out, edge{peer: peer, conn: conn})
				}
			}
		}
	}
	return out
}

// reclassifyCyclic moves conn out of from's acyclic data-out table, and
// its mirror entry out of to's acyclic data-in table, into the matching
// cyclic tables, marking a detected back edge (§4.6, §4.7).
func reclassifyCyclic(db *graphdb.DB, from, to *types.Container, conn *types.PortConnection) {
	moveOne := func(c *types.Container, kind types.PortKind, pair types.SgPair, match func(*types.PortConnection) bool) {
		bucket := c.Bucket(types.PortClassAcyclic, kind, pair)
		kept := bucket[:0:0]
		moved := false
		for _, cc := range bucket {
			if !moved && match(cc) {
				moved = true
				c.AppendConnection(types.PortClassCyclic, kind, pair, cc)
				continue
			}
			kept = append(kept, cc)
		}
		c.SetBucket(types.PortClassAcyclic, kind, pair, kept)
	}
	moveOne(from, types.PortKindDataOut, types.SgPair{Self: conn.SelfSG, Peer: conn.PeerSG}, func(cc *types.PortConnection) bool {
		return cc == conn
	})
	// The peer holds its own entry for the edge, keyed by the swapped pair.
	moveOne(to, types.PortKindDataIn, types.SgPair{Self: conn.PeerSG, Peer: conn.SelfSG}, func(cc *types.PortConnection) bool {
		return cc.UpstreamContainer == conn.UpstreamContainer && cc.DownstreamContainer == conn.DownstreamContainer
	})
	metrics.CyclesDetectedTotal.Inc()
}

// frame is one entry on the explicit DFS stack: the container being
// visited and how far through its out-edge list the walk has progressed.
type frame struct {
	c        *types.Container
	edges    []edge
	edgeIdx  int
}

// Sort performs the iterative topological sort of g's member containers
// over their acyclic data-output edges (§4.6). Every pass first merges
// any previously-reclassified cyclic connections back into the acyclic
// tables and clears per-container scratch, so a changed graph is always
// re-examined from scratch. Returns an error if the bail-out iteration
// limit is reached, which indicates a sorter defect rather than a true
// graph property (acyclic-after-reclassification is guaranteed).
func Sort(db *graphdb.DB, cfg config.Config, g *types.ContainerGraph) error {
	for _, cid := range g.Containers {
		c := db.Container(cid)
		if c == nil {
			continue
		}
		mergeCyclicIntoAcyclic(c)
		c.SortScratch = types.SortScratch{}
	}
	for _, cid := range g.Containers {
		c := db.Container(cid)
		if c == nil {
			continue
		}
		c.SortScratch.OutDegree = len(outEdges(db, c))
	}

	var sorted []types.ContainerID
	iterations := 0

	var stack []*frame
	push := func(c *types.Container) {
		c.SortScratch.Visited = true
		stack = append(stack, &frame{c: c, edges: outEdges(db, c)})
	}

	for _, cid := range g.Containers {
		root := db.Container(cid)
		if root == nil || root.SortScratch.Visited {
			continue
		}
		push(root)

		for len(stack) > 0 {
			iterations++
			if iterations > cfg.MaxSortLoopIterations {
				metrics.SortIterations.Observe(float64(iterations))
				return fmt.Errorf("sorter: container-graph 0x%x exceeded %d DFS iterations", g.ID, cfg.MaxSortLoopIterations)
			}

			top := stack[len(stack)-1]
			if top.edgeIdx >= len(top.edges) {
				stack = stack[:len(stack)-1]
				top.c.SortScratch.Sorted = true
				sorted = append(sorted, top.c.ID)
				continue
			}

			e := top.edges[top.edgeIdx]
			top.edgeIdx++

			if top.edgeIdx >= 2 && top.edges[top.edgeIdx-2].peer.ID == e.peer.ID {
				continue
			}
			if e.peer.SortScratch.Sorted {
				continue
			}
			if e.peer.SortScratch.Visited {
				reclassifyCyclic(db, top.c, e.peer, e.conn)
				top.c.SortScratch.OutDegree--
				continue
			}
			push(e.peer)
		}
	}

	metrics.SortIterations.Observe(float64(iterations))

	// sorted was built in DFS-pop (postorder) sequence, which visits a
	// container only after every container it feeds: reverse it so
	// upstream data-out producers precede their downstream consumers,
	// the order invariant 4 and the traversal in §4.3 require.
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}

	g.Containers = sorted
	g.Sorted = true
	return nil
}

// mergeCyclicIntoAcyclic folds every previously-reclassified cyclic
// connection back into the acyclic tables ahead of a fresh sort pass
// (§4.6 step 1).
func mergeCyclicIntoAcyclic(c *types.Container) {
	for _, kind := range []types.PortKind{types.PortKindDataIn, types.PortKindDataOut, types.PortKindCtrl} {
		table := c.Ports[types.PortClassCyclic][kind]
		for pair, conns := range table {
			for _, conn := range conns {
				c.AppendConnection(types.PortClassAcyclic, kind, pair, conn)
			}
			delete(table, pair)
		}
	}
}
