// Package portmgr implements component C: the per-container
// port-connection bookkeeping used during OPEN (connection creation) and
// CLOSE (connection and module teardown), plus the peer-heap annotation
// side-channel (§4.7).
package portmgr

import (
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/types"
)

// DataPathClearFunc is the callback invoked once per module during
// clear_pspc_module_list, standing in for the out-of-scope data-path
// collaborator that tears down a module's data-port connections (§4.7).
type DataPathClearFunc func(instanceID types.ModuleID)

// Connect creates a mirrored port connection between selfCont and
// peerCont: the returned *types.PortConnection goes into selfCont's
// table, and peerCont (when it exists) gets a separate mirror entry with
// the sub-graph pair swapped, the kind mirrored, selfCont as its peer
// container, and the same handle slice and upstream/downstream
// containers. The two entries are distinct objects; a later change to
// one is not seen through the other. For data ports, upstream is the
// container whose Kind is PortKindDataOut.
func Connect(db *graphdb.DB, selfCont, peerCont types.ContainerID, selfSG, peerSG types.SubGraphID, kind types.PortKind, handles []types.PortHandle) *types.PortConnection {
	conn := &types.PortConnection{
		SelfSG:         selfSG,
		PeerSG:         peerSG,
		Kind:           kind,
		PortHandles:    append([]types.PortHandle(nil), handles...),
		PeerContainers: []types.ContainerID{peerCont},
	}

	self := db.GetOrCreateContainer(selfCont, 0)
	peer := db.Container(peerCont)

	switch kind {
	case types.PortKindDataOut:
		conn.UpstreamContainer = selfCont
		conn.DownstreamContainer = peerCont
	case types.PortKindDataIn:
		conn.UpstreamContainer = peerCont
		conn.DownstreamContainer = selfCont
	}

	self.AppendConnection(types.PortClassAcyclic, kind, types.SgPair{Self: selfSG, Peer: peerSG}, conn)

	if peer != nil {
		mirrorKind := mirror(kind)
		mirrorConn := &types.PortConnection{
			SelfSG:         peerSG,
			PeerSG:         selfSG,
			Kind:           mirrorKind,
			PortHandles:    conn.PortHandles,
			PeerContainers: []types.ContainerID{selfCont},
			UpstreamContainer: conn.UpstreamContainer,
			DownstreamContainer: conn.DownstreamContainer,
		}
		peer.AppendConnection(types.PortClassAcyclic, mirrorKind, types.SgPair{Self: peerSG, Peer: selfSG}, mirrorConn)
	}

	if peer != nil && self.HeapID != peer.HeapID {
		AnnotateMixedHeapLink(self, peer)
	}

	return conn
}

// mirror returns the port kind as seen from the opposite endpoint: a
// data-out on one side is a data-in on the other; control connections and
// the remaining data-in case mirror to themselves/data-out symmetrically.
func mirror(kind types.PortKind) types.PortKind {
	switch kind {
	case types.PortKindDataOut:
		return types.PortKindDataIn
	case types.PortKindDataIn:
		return types.PortKindDataOut
	default:
		return types.PortKindCtrl
	}
}

// AnnotateMixedHeapLink records that a and b are linked across a heap-id
// boundary, a pure caching step with no algorithmic state (§4.7,
// supplemented feature 4).
func AnnotateMixedHeapLink(a, b *types.Container) {
	a.MixedHeapPeers[b.ID] = struct{}{}
	b.MixedHeapPeers[a.ID] = struct{}{}
}

// DestroyPortByPeerSG removes exactly the given handles from the
// (self_sg, peer_sg, kind) bucket of cont's table for every
// class/kind/pair whose handle set intersects toRemove. When a bucket
// empties, the connection entry is dropped entirely (§4.7).
func DestroyPortByPeerSG(db *graphdb.DB, cont types.ContainerID, selfSG, peerSG types.SubGraphID, toRemove []types.PortHandle) {
	c := db.Container(cont)
	if c == nil {
		return
	}
	remove := make(map[types.PortHandle]struct{}, len(toRemove))
	for _, h := range toRemove {
		remove[h] = struct{}{}
	}
	pair := types.SgPair{Self: selfSG, Peer: peerSG}
	for class := types.PortClassAcyclic; class <= types.PortClassCyclic; class++ {
		for kind := types.PortKindDataIn; kind <= types.PortKindCtrl; kind++ {
			bucket := c.Bucket(class, kind, pair)
			if len(bucket) == 0 {
				continue
			}
			kept := bucket[:0:0]
			for _, conn := range bucket {
				filtered := conn.PortHandles[:0:0]
				for _, h := range conn.PortHandles {
					if _, drop := remove[h]; !drop {
						filtered = append(filtered, h)
					}
				}
				conn.PortHandles = filtered
				if len(filtered) > 0 {
					kept = append(kept, conn)
				}
			}
			c.SetBucket(class, kind, pair, kept)
		}
	}
}

// DestroyPortBySelfSG drops all port handles whose self_sg is in
// closingSGs, regardless of peer — used when the self side of a sub-graph
// is closing (§4.7).
func DestroyPortBySelfSG(db *graphdb.DB, cont types.ContainerID, closingSGs map[types.SubGraphID]struct{}) {
	c := db.Container(cont)
	if c == nil {
		return
	}
	for class := types.PortClassAcyclic; class <= types.PortClassCyclic; class++ {
		for kind := types.PortKindDataIn; kind <= types.PortKindCtrl; kind++ {
			table := c.Ports[class][kind]
			for pair := range table {
				if _, match := closingSGs[pair.Self]; match {
					delete(table, pair)
				}
			}
		}
	}
}

// PruneSubGraphFromPeerSG removes closedSG from every port connection's
// peer_sg field across the whole database, moving the affected buckets to
// the dangling (peer==0) pair, in the same critical section that destroys
// the sub-graph (invariant 6).
func PruneSubGraphFromPeerSG(db *graphdb.DB, closedSG types.SubGraphID) {
	for _, cont := range db.ContainerIDs() {
		c := db.Container(cont)
		for class := types.PortClassAcyclic; class <= types.PortClassCyclic; class++ {
			for kind := types.PortKindDataIn; kind <= types.PortKindCtrl; kind++ {
				table := c.Ports[class][kind]
				for pair, conns := range table {
					if pair.Peer != closedSG {
						continue
					}
					for _, conn := range conns {
						conn.PeerSG = 0
					}
					delete(table, pair)
					danglingPair := types.SgPair{Self: pair.Self, Peer: 0}
					table[danglingPair] = append(table[danglingPair], conns...)
				}
			}
		}
	}
}

// ClearPSPCModuleList clears every per-module data-port connection for
// the (sg, cont) grouping via clearFn, then removes the modules from both
// the per-(sg,container) grouping and the global module list, and — if
// the sub-graph's container list becomes empty — destroys the sub-graph
// and returns true so the caller can prune peer_sg references
// (invariant 6, §4.7).
func ClearPSPCModuleList(db *graphdb.DB, sg types.SubGraphID, cont types.ContainerID, clearFn DataPathClearFunc) (subGraphDestroyed bool) {
	for _, instanceID := range append([]types.ModuleID(nil), db.PSPCModules(sg, cont)...) {
		if clearFn != nil {
			clearFn(instanceID)
		}
		db.RemoveModule(instanceID)
	}
	destroyed := db.DetachContainerFromSubGraph(sg, cont)
	if destroyed {
		PruneSubGraphFromPeerSG(db, sg)
	}
	return destroyed
}
