// Package graphdb implements component A: the global graph database of
// sub-graphs, containers, modules, per-(sub-graph,container) module
// groupings, and container-graphs, plus the id-keyed arena lookups that
// back the invariants of spec §3.
//
// Per the redesign note in spec §9, back-pointers are replaced with
// stable identifiers resolved through maps keyed by id ("arenas"), rather
// than the original's pervasive pointer graph.
package graphdb

import (
	"fmt"
	"sort"

	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/types"
)

// DB is the single-threaded graph database. Every mutating method must be
// called only from the work-loop goroutine (component H); no locking is
// performed, matching the single-thread guarantee of spec §5.
type DB struct {
	subGraphs       map[types.SubGraphID]*types.SubGraph
	containers      map[types.ContainerID]*types.Container
	modules         map[types.ModuleID]*types.Module
	containerGraphs map[types.ContainerGraphID]*types.ContainerGraph

	nextContainerGraphID types.ContainerGraphID
}

// New returns an empty graph database.
func New() *DB {
	return &DB{
		subGraphs:       make(map[types.SubGraphID]*types.SubGraph),
		containers:      make(map[types.ContainerID]*types.Container),
		modules:         make(map[types.ModuleID]*types.Module),
		containerGraphs: make(map[types.ContainerGraphID]*types.ContainerGraph),
	}
}

// SubGraph returns the sub-graph for id, or nil if it does not exist.
func (db *DB) SubGraph(id types.SubGraphID) *types.SubGraph {
	return db.subGraphs[id]
}

// Container returns the container for id, or nil if it does not exist.
func (db *DB) Container(id types.ContainerID) *types.Container {
	return db.containers[id]
}

// Module returns the module for id, or nil if it does not exist.
func (db *DB) Module(id types.ModuleID) *types.Module {
	return db.modules[id]
}

// ContainerGraph returns the container-graph for id, or nil if it does
// not exist.
func (db *DB) ContainerGraph(id types.ContainerGraphID) *types.ContainerGraph {
	return db.containerGraphs[id]
}

// AllContainerGraphs returns every container-graph, in a stable (sorted
// by id) order for deterministic iteration during sort/fanout passes.
func (db *DB) AllContainerGraphs() []*types.ContainerGraph {
	out := make([]*types.ContainerGraph, 0, len(db.containerGraphs))
	for _, g := range db.containerGraphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOrCreateSubGraph returns the existing sub-graph for id, or creates
// one in SubGraphStopped state if absent ("created on first OPEN
// referencing it", §3).
func (db *DB) GetOrCreateSubGraph(id types.SubGraphID) *types.SubGraph {
	if sg, ok := db.subGraphs[id]; ok {
		return sg
	}
	sg := &types.SubGraph{ID: id, State: types.SubGraphStopped}
	db.subGraphs[id] = sg
	return sg
}

// GetOrCreateContainer returns the existing container for id, or creates
// one with the given heap id if absent.
func (db *DB) GetOrCreateContainer(id types.ContainerID, heapID uint32) *types.Container {
	if c, ok := db.containers[id]; ok {
		return c
	}
	c := types.NewContainer(id, heapID)
	db.containers[id] = c
	return c
}

// NewContainerGraphID allocates the next container-graph identifier.
func (db *DB) NewContainerGraphID() types.ContainerGraphID {
	db.nextContainerGraphID++
	return db.nextContainerGraphID
}

// CreateContainerGraph inserts and returns a new singleton
// container-graph.
func (db *DB) CreateContainerGraph() *types.ContainerGraph {
	g := types.NewContainerGraph(db.NewContainerGraphID())
	db.containerGraphs[g.ID] = g
	return g
}

// RemoveContainerGraph deletes an (expected-empty) container-graph.
func (db *DB) RemoveContainerGraph(id types.ContainerGraphID) {
	delete(db.containerGraphs, id)
}

// CreateModule creates a module instance hosted by (sg, cont) and wires
// invariant 1: it is inserted into the container's PSPC grouping and the
// global module arena in the same call.
func (db *DB) CreateModule(instanceID types.ModuleID, sg types.SubGraphID, cont types.ContainerID) (*types.Module, error) {
	if _, exists := db.modules[instanceID]; exists {
		return nil, fmt.Errorf("graphdb: create module 0x%x: %w: already exists", instanceID, apmerr.BadParam)
	}
	c := db.containers[cont]
	if c == nil {
		return nil, fmt.Errorf("graphdb: create module 0x%x: %w: unknown container 0x%x", instanceID, apmerr.BadParam, cont)
	}
	m := &types.Module{InstanceID: instanceID, HostSubGraph: sg, HostContainer: cont}
	db.modules[instanceID] = m
	c.Modules[sg] = append(c.Modules[sg], instanceID)
	return m, nil
}

// RemoveModule deletes a module from both the PSPC grouping and the
// global module arena (invariant 1).
func (db *DB) RemoveModule(instanceID types.ModuleID) {
	m, ok := db.modules[instanceID]
	if !ok {
		return
	}
	if c := db.containers[m.HostContainer]; c != nil {
		list := c.Modules[m.HostSubGraph]
		for i, id := range list {
			if id == instanceID {
				c.Modules[m.HostSubGraph] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.Modules[m.HostSubGraph]) == 0 {
			delete(c.Modules, m.HostSubGraph)
		}
	}
	delete(db.modules, instanceID)
}

// PSPCModules returns the modules hosted by (sg, cont), i.e. the
// per-sub-graph-per-container grouping (glossary: PSPC).
func (db *DB) PSPCModules(sg types.SubGraphID, cont types.ContainerID) []types.ModuleID {
	c := db.containers[cont]
	if c == nil {
		return nil
	}
	return c.Modules[sg]
}

// AttachContainerToSubGraph records cont as hosting at least one module of
// sg, on both sides of the relationship (§3).
func (db *DB) AttachContainerToSubGraph(sg types.SubGraphID, cont types.ContainerID) {
	sgObj := db.GetOrCreateSubGraph(sg)
	if !sgObj.HasContainer(cont) {
		sgObj.Containers = append(sgObj.Containers, cont)
	}
	c := db.containers[cont]
	if c != nil && !c.HasSubGraph(sg) {
		c.SubGraphs = append(c.SubGraphs, sg)
	}
}

// DetachContainerFromSubGraph removes the membership relationship in both
// directions, and destroys the sub-graph if its container list becomes
// empty (invariant 6). It returns true if the sub-graph was destroyed.
func (db *DB) DetachContainerFromSubGraph(sg types.SubGraphID, cont types.ContainerID) (destroyed bool) {
	sgObj := db.subGraphs[sg]
	if sgObj != nil {
		for i, id := range sgObj.Containers {
			if id == cont {
				sgObj.Containers = append(sgObj.Containers[:i], sgObj.Containers[i+1:]...)
				break
			}
		}
	}
	if c := db.containers[cont]; c != nil {
		for i, id := range c.SubGraphs {
			if id == sg {
				c.SubGraphs = append(c.SubGraphs[:i], c.SubGraphs[i+1:]...)
				break
			}
		}
	}
	if sgObj != nil && len(sgObj.Containers) == 0 {
		delete(db.subGraphs, sg)
		return true
	}
	return false
}

// RemoveContainer deletes a container from the database entirely. The
// caller is responsible for having already torn down its port
// connections and module groupings (component C's close-path).
func (db *DB) RemoveContainer(id types.ContainerID) {
	delete(db.containers, id)
}

// ReapContainerIfIdle removes id once it no longer hosts any sub-graph
// or port connection, also dropping it from its enclosing
// container-graph (and freeing that container-graph if it becomes
// empty). This is the container half of the CLOSE cascade: §3 invariant
// 6 only states the sub-graph side, but the OPEN-then-CLOSE round-trip
// law (§8) requires containers created purely to serve the closed
// sub-graphs to disappear too. Returns true if id was removed.
func (db *DB) ReapContainerIfIdle(id types.ContainerID) bool {
	c := db.containers[id]
	if c == nil || len(c.SubGraphs) != 0 || c.HasPorts() {
		return false
	}
	if g := db.containerGraphs[c.ContainerGraph]; g != nil {
		for i, cid := range g.Containers {
			if cid == id {
				g.Containers = append(g.Containers[:i], g.Containers[i+1:]...)
				break
			}
		}
		if len(g.Containers) == 0 {
			db.RemoveContainerGraph(g.ID)
		}
	}
	db.RemoveContainer(id)
	return true
}

// SubGraphIDs returns every known sub-graph id in a stable order.
func (db *DB) SubGraphIDs() []types.SubGraphID {
	out := make([]types.SubGraphID, 0, len(db.subGraphs))
	for id := range db.subGraphs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ContainerIDs returns every known container id in a stable order.
func (db *DB) ContainerIDs() []types.ContainerID {
	out := make([]types.ContainerID, 0, len(db.containers))
	for id := range db.containers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty reports whether the database holds no sub-graphs, containers,
// modules, or container-graphs — used by the OPEN-then-CLOSE round-trip
// law (§8).
func (db *DB) Empty() bool {
	return len(db.subGraphs) == 0 && len(db.containers) == 0 && len(db.modules) == 0 && len(db.containerGraphs) == 0
}
