/*
Package types defines the graph-database data model shared across the
APM control-plane core.

This package contains the fundamental domain types: sub-graphs,
containers, modules, port connections, and container-graphs, plus the
opcode, state, and result-code vocabulary used to drive commands through
them. These types are used by every pkg/apm/* component for storage,
fan-out, aggregation, and sequencing.

# Architecture

The types package is the foundation of the APM's graph model. It defines:

  - Sub-graph identity and lifecycle state
  - Container identity, heap id, and port-connection tables
  - Module placement (the PSPC grouping key)
  - Inter-container port connections, acyclic and cyclic
  - Container-graph membership and topological-sort bookkeeping
  - The command/response envelope and opcode/result vocabulary

All types are designed to be:
  - Plain data: no method does I/O or blocks
  - Owned by the arenas in pkg/apm/graphdb; nothing here holds a lock
  - Self-documenting (clear field names, comments tied to spec sections)

# Core Types

The main types in this package are:

Graph Identity:
  - SubGraphID, ContainerID, ModuleID, ContainerGraphID: typed integer ids
  - PortHandle: opaque handle interpreted only by the container collaborator

Sub-graph Lifecycle:
  - SubGraph: id, lifecycle State, member Containers, enclosing ContainerGraph
  - SubGraphState: INVALID, STOPPED, PREPARED, STARTED, SUSPENDED

Containers & Modules:
  - Container: id, heap id, proxy handle, per-sub-graph module groupings,
    the acyclic/cyclic x in/out/ctrl port-connection tables, sort scratch
  - Module: instance id, host sub-graph, host container
  - SortScratch: per-container DFS bookkeeping reset at the start of each sort

Port Connections:
  - PortConnection: one inter-container edge, (self_sg, peer_sg, kind,
    handles, peer containers); dangling when PeerSG is zero
  - PortKind: data-in, data-out, ctrl
  - PortClass: acyclic or cyclic
  - SgPair: the (self_sg, peer_sg) bucketing key

Container-Graphs:
  - ContainerGraph: maximal weakly-connected container set, Sorted flag,
    union of member sub-graphs

Commands & Responses:
  - Opcode: OPEN, GRAPH_PREPARE/START/STOP/SUSPEND/FLUSH/CLOSE, CLOSE_ALL,
    GET_CFG/SET_CFG/REGISTER_CFG/DEREGISTER_CFG, GET_SPF_STATE, and the
    PROXY_GRAPH_* internal variants
  - Command: one client- or internally-sourced request
  - Response: one container's reply to a previously fanned-out command
  - ResultCode: OK, ETERMINATED, or a generic failure
  - OpenSpec / ModulePlacement / LinkSpec: the typed, already-decoded OPEN
    payload (the wire codec itself is out of scope)
  - CfgRequest: the typed GET_CFG/SET_CFG payload

# Usage

Describing an OPEN topology:

	spec := types.OpenSpec{
		Modules: []types.ModulePlacement{
			{Module: 0xD1, SubGraph: 0x100, Container: 0xC1, HeapID: 1},
		},
		Links: []types.LinkSpec{
			{
				SelfContainer: 0xC1, PeerContainer: 0xC2,
				SelfSG: 0x100, PeerSG: 0x200,
				Kind: types.PortKindDataOut,
				Handles: []types.PortHandle{0xABCD},
			},
		},
	}
	cmd := types.Command{Opcode: types.OpOpen, SubGraphs: []types.SubGraphID{0x100}, Payload: spec}

Building a container and tracking a connection:

	c := types.NewContainer(0xC1, 1)
	c.SubGraphs = append(c.SubGraphs, 0x100)
	conn := &types.PortConnection{SelfSG: 0x100, PeerSG: 0x200, Kind: types.PortKindDataOut}
	c.AppendConnection(types.PortClassAcyclic, types.PortKindDataOut, types.SgPair{Self: 0x100, Peer: 0x200}, conn)

# State Machine

Sub-graphs follow the transition matrix of spec §4.4:

	STOPPED --PREPARE--> PREPARED --START--> STARTED --STOP--> STOPPED
	STOPPED ----------------START----------> STARTED --SUSPEND--> SUSPENDED
	Any state --CLOSE--> (sub-graph removed once its container list empties)

Opcodes that find a sub-graph already in the requested state, or not yet
ready for the requested transition, return a non-fatal "already"/"not
ready" result for that sub-graph and drop it from the command's working
set rather than failing the whole command (§4.4).

# Design Patterns

Enumeration Pattern:

	All enums are small integer types with a String() method for logging:
	  type SubGraphState int
	  const (
	      SubGraphInvalid SubGraphState = iota
	      SubGraphStopped
	      SubGraphPrepared
	      ...
	  )

Identity-over-pointer Pattern:

	Per §9's redesign note, cross-references between sub-graphs,
	containers, and container-graphs are stable ids looked up through the
	arenas in pkg/apm/graphdb, not back-pointers. PortConnection values
	are held by pointer in the containers' tables; each endpoint of an
	edge holds its own entry, and the two entries are not the same
	object.

Bucketed Connection Tables:

	Container.Ports is addressed as [class][kind][SgPair] so the sorter
	(component B) and port manager (component C) can add/remove/merge
	whole buckets without scanning unrelated connections.

# Integration Points

This package is imported by every pkg/apm/* component:

  - pkg/apm/graphdb: owns the arenas of SubGraph/Container/Module/ContainerGraph
  - pkg/apm/sorter: mutates Container.Ports and SortScratch
  - pkg/apm/portmgr: mutates Container.Ports at close time
  - pkg/apm/cmdctrl, sequencer, aggregator, coordinator: operate on
    Command/Response/Opcode/ResultCode
  - pkg/apm/fanout: builds Response values from container replies
  - pkg/apm/container: the opaque external collaborator interface

# Thread Safety

Types in this package carry no internal synchronization. Per §5, the
APM core is single-threaded and cooperative: only the work-loop
goroutine ever mutates graph state, so no type here needs a mutex. Code
outside the work loop (status reporting, tests) must only read.

# See Also

  - pkg/apm/graphdb for the arenas and invariants this model supports
  - spec §3 "Data Model" for the authoritative field-by-field description
*/
package types
