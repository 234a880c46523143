// Package types defines the graph-database data model shared across the
// APM control-plane core: sub-graphs, containers, modules, port
// connections, container-graphs, and the opcode/state vocabulary used to
// drive them.
package types

import "fmt"

// SubGraphID identifies a client-addressable unit of lifecycle.
type SubGraphID uint32

// ContainerID identifies a runtime-level container hosting modules.
type ContainerID uint32

// ModuleID identifies a signal-processing module instance.
type ModuleID uint32

// ContainerGraphID identifies a maximal weakly-connected set of containers.
type ContainerGraphID uint32

// PortHandle is opaque to this core; it is supplied and interpreted by the
// container collaborator.
type PortHandle uint64

// SubGraphState is the lifecycle state of a sub-graph (§3, §4.4).
type SubGraphState int

const (
	SubGraphInvalid SubGraphState = iota
	SubGraphStopped
	SubGraphPrepared
	SubGraphStarted
	SubGraphSuspended
)

func (s SubGraphState) String() string {
	switch s {
	case SubGraphStopped:
		return "STOPPED"
	case SubGraphPrepared:
		return "PREPARED"
	case SubGraphStarted:
		return "STARTED"
	case SubGraphSuspended:
		return "SUSPENDED"
	default:
		return "INVALID"
	}
}

// PortKind distinguishes the three connection buckets tracked per
// container (§3): data-in, data-out, and control.
type PortKind int

const (
	PortKindDataIn PortKind = iota
	PortKindDataOut
	PortKindCtrl
)

func (k PortKind) String() string {
	switch k {
	case PortKindDataIn:
		return "data-in"
	case PortKindDataOut:
		return "data-out"
	case PortKindCtrl:
		return "ctrl"
	default:
		return "unknown"
	}
}

// PortClass distinguishes the acyclic and cyclic port-connection tables
// maintained per container (§4.6, §4.7).
type PortClass int

const (
	PortClassAcyclic PortClass = iota
	PortClassCyclic
)

func (c PortClass) String() string {
	if c == PortClassCyclic {
		return "cyclic"
	}
	return "acyclic"
}

// SgPair is the (self_sg, peer_sg) grouping key used to bucket port
// connections per container (§3).
type SgPair struct {
	Self SubGraphID
	Peer SubGraphID // 0 means dangling (no peer sub-graph yet)
}

func (p SgPair) String() string {
	return fmt.Sprintf("(self=0x%x,peer=0x%x)", uint32(p.Self), uint32(p.Peer))
}

// PortConnection is a single inter-container edge (§3, component P), as
// seen from one endpoint: SelfSG is that endpoint's own sub-graph. Each
// endpoint holds its own *PortConnection for the edge (portmgr.Connect
// creates the pair); the two are distinct objects, so a change made
// through one is not visible through the other.
type PortConnection struct {
	SelfSG         SubGraphID
	PeerSG         SubGraphID // 0 (SubGraphID zero value) => dangling
	Kind           PortKind
	PortHandles    []PortHandle
	PeerContainers []ContainerID

	// UpstreamContainer/DownstreamContainer record the data-flow direction
	// of this edge for the container-graph sorter (component B). Only
	// meaningful for Kind == PortKindDataOut/PortKindDataIn pairs; zero
	// for control-only connections.
	UpstreamContainer   ContainerID
	DownstreamContainer ContainerID
}

// Dangling reports whether this connection's peer sub-graph is not yet
// known (§3).
func (p *PortConnection) Dangling() bool {
	return p.PeerSG == 0
}

// Module is a signal-processing unit hosted by exactly one container and
// one sub-graph (§3).
type Module struct {
	InstanceID    ModuleID
	HostSubGraph  SubGraphID
	HostContainer ContainerID
}

// SubGraph is a client-addressable lifecycle unit (§3).
type SubGraph struct {
	ID    SubGraphID
	State SubGraphState

	// Containers lists every container that hosts at least one module of
	// this sub-graph. A sub-graph is destroyed iff this list is empty
	// (invariant 6).
	Containers []ContainerID

	// ContainerGraph is a back-reference to the enclosing container-graph,
	// 0 if the sub-graph has no containers yet.
	ContainerGraph ContainerGraphID
}

// HasContainer reports whether c is already recorded against this
// sub-graph.
func (s *SubGraph) HasContainer(c ContainerID) bool {
	for _, id := range s.Containers {
		if id == c {
			return true
		}
	}
	return false
}

// portTable is the per-(class,kind) set of connections for a container,
// grouped by (self_sg,peer_sg).
type portTable map[SgPair][]*PortConnection

// Container is a runtime-level worker hosting modules, opaque to this
// core except for its id and response contract (§3, glossary).
type Container struct {
	ID     ContainerID
	HeapID uint32

	// ProxyHandle is the opaque handle supplied by the external container
	// collaborator (see pkg/apm/container.Proxy); this core never
	// interprets it.
	ProxyHandle uint64

	// SubGraphs lists every sub-graph with at least one module hosted by
	// this container.
	SubGraphs []SubGraphID

	// Modules is the PSPC grouping: per-sub-graph lists of module
	// instances hosted by this container (invariant 1).
	Modules map[SubGraphID][]ModuleID

	// Ports holds the two parallel (acyclic/cyclic) x (in/out/ctrl)
	// connection tables (§3, §4.6, §4.7).
	Ports [2][3]portTable

	// MixedHeapPeers records peer containers linked to this one across a
	// heap-id boundary, so cross-heap buffer allocation can be requested
	// (§4.7, supplemented feature 4).
	MixedHeapPeers map[ContainerID]struct{}

	// ContainerGraph is a back-reference to the enclosing container-graph.
	ContainerGraph ContainerGraphID

	// sort bookkeeping scratch for component B; reset at the start of
	// every sort pass (§4.6 step 1).
	SortScratch SortScratch
}

// SortScratch is the per-container scratch state used by the iterative
// DFS topological sort (§4.6).
type SortScratch struct {
	Visited   bool
	Sorted    bool
	OutDegree int
}

// NewContainer allocates a Container with its tables initialized.
func NewContainer(id ContainerID, heapID uint32) *Container {
	c := &Container{
		ID:             id,
		HeapID:         heapID,
		Modules:        make(map[SubGraphID][]ModuleID),
		MixedHeapPeers: make(map[ContainerID]struct{}),
	}
	for class := 0; class < 2; class++ {
		for kind := 0; kind < 3; kind++ {
			c.Ports[class][kind] = make(portTable)
		}
	}
	return c
}

// Bucket returns the connection list for (class, kind, pair), allocating
// nothing — callers mutate the returned slice's container via
// SetBucket/AppendConnection.
func (c *Container) Bucket(class PortClass, kind PortKind, pair SgPair) []*PortConnection {
	return c.Ports[class][kind][pair]
}

// AppendConnection adds conn to the (class,kind,pair) bucket.
func (c *Container) AppendConnection(class PortClass, kind PortKind, pair SgPair, conn *PortConnection) {
	c.Ports[class][kind][pair] = append(c.Ports[class][kind][pair], conn)
}

// SetBucket replaces the (class,kind,pair) bucket wholesale, deleting it
// from the map when empty so empty-bucket checks (§4.7) are simple len==0
// map-miss checks.
func (c *Container) SetBucket(class PortClass, kind PortKind, pair SgPair, conns []*PortConnection) {
	if len(conns) == 0 {
		delete(c.Ports[class][kind], pair)
		return
	}
	c.Ports[class][kind][pair] = conns
}

// HasSubGraph reports whether sg is already recorded against this
// container.
func (c *Container) HasSubGraph(sg SubGraphID) bool {
	for _, id := range c.SubGraphs {
		if id == sg {
			return true
		}
	}
	return false
}

// HasPorts reports whether any (class,kind,pair) bucket still holds a
// connection, including dangling ones migrated there by
// PruneSubGraphFromPeerSG.
func (c *Container) HasPorts() bool {
	for class := range c.Ports {
		for kind := range c.Ports[class] {
			if len(c.Ports[class][kind]) != 0 {
				return true
			}
		}
	}
	return false
}

// ContainerGraph is a maximal weakly-connected set of containers (§3,
// component B).
type ContainerGraph struct {
	ID    ContainerGraphID
	Sorted bool

	// Containers is the container membership; once Sorted is true, its
	// order is a valid topological order of the graph's acyclic data
	// edges (invariant 4).
	Containers []ContainerID

	// SubGraphs is the union of the sub-graph lists of every member
	// container (invariant 3).
	SubGraphs map[SubGraphID]struct{}
}

// NewContainerGraph allocates an empty, vacuously-sorted container-graph.
func NewContainerGraph(id ContainerGraphID) *ContainerGraph {
	return &ContainerGraph{
		ID:      id,
		Sorted:  true,
		SubGraphs: make(map[SubGraphID]struct{}),
	}
}

// Opcode enumerates the external/internal command opcodes recognized by
// the command sequencer (§4.3, §6).
type Opcode int

const (
	OpUnknown Opcode = iota
	OpOpen
	OpPrepare
	OpStart
	OpStop
	OpSuspend
	OpFlush
	OpClose
	OpCloseAll
	OpGetCfg
	OpSetCfg
	OpRegisterCfg
	OpDeregisterCfg
	OpGetSpfState
	OpProxyPrepare
	OpProxyStart
	OpProxyStop
)

func (o Opcode) String() string {
	switch o {
	case OpOpen:
		return "OPEN"
	case OpPrepare:
		return "GRAPH_PREPARE"
	case OpStart:
		return "GRAPH_START"
	case OpStop:
		return "GRAPH_STOP"
	case OpSuspend:
		return "GRAPH_SUSPEND"
	case OpFlush:
		return "GRAPH_FLUSH"
	case OpClose:
		return "GRAPH_CLOSE"
	case OpCloseAll:
		return "CLOSE_ALL"
	case OpGetCfg:
		return "GET_CFG"
	case OpSetCfg:
		return "SET_CFG"
	case OpRegisterCfg:
		return "REGISTER_CFG"
	case OpDeregisterCfg:
		return "DEREGISTER_CFG"
	case OpGetSpfState:
		return "GET_SPF_STATE"
	case OpProxyPrepare:
		return "PROXY_GRAPH_PREPARE"
	case OpProxyStart:
		return "PROXY_GRAPH_START"
	case OpProxyStop:
		return "PROXY_GRAPH_STOP"
	default:
		return "UNKNOWN"
	}
}

// IsGraphMgmt reports whether o is one of the PREPARE/START/STOP/SUSPEND/
// FLUSH/CLOSE/CLOSE_ALL family, including their proxy variants (§4.3).
func (o Opcode) IsGraphMgmt() bool {
	switch o {
	case OpPrepare, OpStart, OpStop, OpSuspend, OpFlush, OpClose, OpCloseAll,
		OpProxyPrepare, OpProxyStart, OpProxyStop:
		return true
	default:
		return false
	}
}

// IsProxy reports whether o is an internally-sourced (proxy) graph
// management opcode (glossary: "Proxy command").
func (o Opcode) IsProxy() bool {
	switch o {
	case OpProxyPrepare, OpProxyStart, OpProxyStop:
		return true
	default:
		return false
	}
}

// NonProxyEquivalent maps a proxy opcode to the underlying graph
// management opcode it drives, for state-machine lookups (§4.4).
func (o Opcode) NonProxyEquivalent() Opcode {
	switch o {
	case OpProxyPrepare:
		return OpPrepare
	case OpProxyStart:
		return OpStart
	case OpProxyStop:
		return OpStop
	default:
		return o
	}
}

// ResultCode is the per-container response classification (§4.5, §6).
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultTerminated
	ResultFailed
)

func (r ResultCode) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultTerminated:
		return "ETERMINATED"
	default:
		return "FAILED"
	}
}

// Command is one client- or internally-sourced request arriving on the
// command queue (§4.1, §4.3).
type Command struct {
	// ID correlates a Command to its slot and to every Response it
	// generates. Assigned by the caller (component H) before the command
	// is handed to component D for slot allocation.
	ID uint64

	Opcode Opcode

	// SubGraphs is the client-specified working set. Empty means "every
	// known sub-graph" for CLOSE_ALL.
	SubGraphs []SubGraphID

	// Payload carries opcode-specific data: the sub-graph/container/module
	// topology for OPEN, the config blob for GET_CFG/SET_CFG. Left as
	// interface{} since this core does not interpret payload contents
	// (the wire codec is out of scope, §1).
	Payload interface{}

	TraceID string
}

// Response is one container's reply to a command previously fanned out to
// it (§4.1, §4.5).
type Response struct {
	CommandID uint64
	Container ContainerID
	SubGraph  SubGraphID
	Result    ResultCode
	Err       error
}

// ModulePlacement names where one module instance is hosted, the unit of
// topology an OPEN command creates (§3, invariant 1).
type ModulePlacement struct {
	Module    ModuleID
	SubGraph  SubGraphID
	Container ContainerID
	HeapID    uint32
}

// LinkSpec names one port connection an OPEN command creates between two
// containers (§3, §4.7).
type LinkSpec struct {
	SelfContainer ContainerID
	PeerContainer ContainerID
	SelfSG        SubGraphID
	PeerSG        SubGraphID
	Kind          PortKind
	Handles       []PortHandle
}

// OpenSpec is the typed in-process topology payload an OPEN command
// carries. The wire-level encoding of this data is out of scope (§1); the
// command sequencer only ever sees it already decoded into this shape.
type OpenSpec struct {
	Modules []ModulePlacement
	Links   []LinkSpec
}

// CfgRequest is the typed payload GET_CFG/SET_CFG/REGISTER_CFG/
// DEREGISTER_CFG commands carry. Either Container alone (a
// single-recipient request) or SubGraph alone (a broadcast of the same
// cached config to every container hosting that sub-graph) must be set.
//
// MemMapHandle mirrors §6's payload envelope: zero means the config
// value is carried in-band in Value, non-zero is an out-of-band
// reference into shared memory whose refcount is incremented when the
// command is received and decremented (with a cache flush) once the
// command completes.
type CfgRequest struct {
	Container    ContainerID
	SubGraph     SubGraphID
	Key          string
	Value        interface{}
	MemMapHandle uint32
}
