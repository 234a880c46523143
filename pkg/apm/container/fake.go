package container

import "github.com/cuemby/apm/pkg/types"

// FakeProxy is an in-memory Proxy that answers every dispatched command
// immediately and synchronously with ResultOK, unless the caller has
// configured a specific (container, opcode) pair to fail or terminate.
// Used by the CLI's local-run mode and by package tests (§4.1).
type FakeProxy struct {
	// Fail maps a (container, opcode) pair to the error its response
	// should carry; a nil error with a present entry means
	// ResultTerminated instead of a failure.
	Fail map[FakeKey]error
	// Terminate marks a (container, opcode) pair as self-destructing
	// instead of answering normally.
	Terminate map[FakeKey]struct{}
}

// FakeKey identifies one (container, opcode) combination for FakeProxy's
// canned response tables.
type FakeKey struct {
	Container types.ContainerID
	Op        types.Opcode
}

// NewFakeProxy returns a FakeProxy that answers OK to everything until
// configured otherwise.
func NewFakeProxy() *FakeProxy {
	return &FakeProxy{
		Fail:      make(map[FakeKey]error),
		Terminate: make(map[FakeKey]struct{}),
	}
}

// Dispatch implements Proxy.
func (p *FakeProxy) Dispatch(cmd Command, respond ResponseFunc) error {
	key := FakeKey{Container: cmd.Container, Op: cmd.Op}

	rsp := types.Response{
		CommandID: cmd.CommandID,
		Container: cmd.Container,
		SubGraph:  cmd.SubGraph,
		Result:    types.ResultOK,
	}

	if _, terminated := p.Terminate[key]; terminated {
		rsp.Result = types.ResultTerminated
	} else if err, failed := p.Fail[key]; failed {
		rsp.Result = types.ResultFailed
		rsp.Err = err
	}

	respond(rsp)
	return nil
}

// InMemorySharedMemory is a SharedMemory fake that keeps a plain refcount
// per mem_map_handle, flushing (deleting) the entry once the count
// returns to zero.
type InMemorySharedMemory struct {
	refs map[uint32]int
}

// NewInMemorySharedMemory returns an empty refcount table.
func NewInMemorySharedMemory() *InMemorySharedMemory {
	return &InMemorySharedMemory{refs: make(map[uint32]int)}
}

// IncRef implements SharedMemory.
func (m *InMemorySharedMemory) IncRef(handle uint32) {
	m.refs[handle]++
}

// DecRefAndFlush implements SharedMemory.
func (m *InMemorySharedMemory) DecRefAndFlush(handle uint32) {
	m.refs[handle]--
	if m.refs[handle] <= 0 {
		delete(m.refs, handle)
	}
}

// RefCount reports the current reference count for handle, for tests.
func (m *InMemorySharedMemory) RefCount(handle uint32) int {
	return m.refs[handle]
}
