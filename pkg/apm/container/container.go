// Package container defines the external collaborator contracts the APM
// core drives but does not implement itself: the per-container command
// proxy and the shared-memory mem_map_handle reference-counting hook
// (§1's explicit exclusion of "the shared-memory map/unmap subsystem"
// and "the container implementations themselves"; §6's payload
// envelope).
package container

import "github.com/cuemby/apm/pkg/types"

// Command is one opcode dispatched to a single container on behalf of an
// in-flight command-control slot.
type Command struct {
	CommandID uint64
	Container types.ContainerID
	SubGraph  types.SubGraphID
	Op        types.Opcode
	Payload   interface{}
}

// ResponseFunc delivers a container's reply back into the work loop's
// response queue. Implementations of Proxy may call it synchronously or
// from another goroutine; component H's queue is the only synchronization
// point required (§4.1).
type ResponseFunc func(types.Response)

// Proxy dispatches commands to containers. The real implementation lives
// outside this module, over whatever transport a given deployment uses;
// this core only ever sees the Proxy interface (glossary: "container
// collaborator").
type Proxy interface {
	Dispatch(cmd Command, respond ResponseFunc) error
}

// SharedMemory tracks the refcount on an out-of-band shared-memory
// mem_map_handle referenced by a configuration command's payload
// envelope (§6, §7 critical-failure decrement-and-flush). The real
// map/unmap subsystem and its cache-flush mechanics are out of scope
// (§1); this core only drives the refcount lifecycle around a handle
// for the lifetime of the command that referenced it.
type SharedMemory interface {
	IncRef(handle uint32)
	DecRefAndFlush(handle uint32)
}
