// Package fanout implements component I: turning a sequencer step's
// "send this to these containers" decision into dispatched container
// commands, including the cached-config broadcast used by SET_CFG
// (§4.1, §4.5).
package fanout

import (
	"github.com/cuemby/apm/pkg/apm/container"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/types"
)

// Target names one (container, sub-graph) recipient of a fanned-out
// command.
type Target struct {
	Container types.ContainerID
	SubGraph  types.SubGraphID
}

// Issue dispatches op to every target via proxy, sharing payload across
// all of them unchanged rather than re-building it per recipient, and
// routes each eventual response through sink. It returns the number of
// commands issued, for the aggregator's BeginFanout.
func Issue(proxy container.Proxy, sink func(types.Response), cmdID uint64, op types.Opcode, targets []Target, payload interface{}) (int, error) {
	for _, t := range targets {
		cmd := container.Command{CommandID: cmdID, Container: t.Container, SubGraph: t.SubGraph, Op: op, Payload: payload}
		if err := proxy.Dispatch(cmd, sink); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// BuildCachedConfigTargets returns one Target per container hosting sg,
// so a SET_CFG broadcast reuses a single cached config payload across
// every recipient instead of re-resolving the container list per
// message.
func BuildCachedConfigTargets(db *graphdb.DB, sg types.SubGraphID) []Target {
	sgObj := db.SubGraph(sg)
	if sgObj == nil {
		return nil
	}
	targets := make([]Target, len(sgObj.Containers))
	for i, cont := range sgObj.Containers {
		targets[i] = Target{Container: cont, SubGraph: sg}
	}
	return targets
}

// BuildSubGraphTargets returns one Target per (container, sub-graph) pair
// for every sub-graph in workingSet, the shape graph-management opcodes
// fan out to. Targets are ordered by walking each container-graph's
// topologically-sorted container list in turn (§4.3 "set up container
// graph traversal" / "iterate container-graph in correct direction"),
// rather than each sub-graph's unordered container membership list, so a
// container is always commanded only after the sorter has established a
// consistent order relative to its peers. A container that has not yet
// been assigned to any container-graph (the sorter only groups
// containers once a port connection has been made between them) is
// still included, appended after every graphed container in ascending
// container-id order, so a topology with no links yet still gets a
// complete, deterministic fan-out.
func BuildSubGraphTargets(db *graphdb.DB, workingSet []types.SubGraphID) []Target {
	want := make(map[types.SubGraphID]struct{}, len(workingSet))
	for _, sg := range workingSet {
		want[sg] = struct{}{}
	}

	var targets []Target
	visited := make(map[types.ContainerID]struct{})

	emit := func(contID types.ContainerID, c *types.Container) {
		if c == nil {
			return
		}
		visited[contID] = struct{}{}
		for _, sg := range c.SubGraphs {
			if _, ok := want[sg]; ok {
				targets = append(targets, Target{Container: contID, SubGraph: sg})
			}
		}
	}

	for _, g := range db.AllContainerGraphs() {
		for _, contID := range g.Containers {
			emit(contID, db.Container(contID))
		}
	}
	for _, contID := range db.ContainerIDs() {
		if _, ok := visited[contID]; ok {
			continue
		}
		emit(contID, db.Container(contID))
	}
	return targets
}
