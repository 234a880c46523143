// Package apmerr defines the closed set of error kinds the APM core
// surfaces (§7). Each kind is a sentinel error that call sites wrap with
// additional context via fmt.Errorf("...: %w", apmerr.BadParam).
package apmerr

import "errors"

var (
	// BadParam is a malformed payload, unknown sub-graph/container id
	// where one was required, or an invalid module-instance pair.
	BadParam = errors.New("bad param")

	// NotReady means a sub-graph is not in a state permitting the
	// requested transition. Non-fatal for the command as a whole: the
	// sub-graph is dropped from the command's working set (§4.4).
	NotReady = errors.New("sub-graph not ready")

	// Already means the sub-graph is already in the requested target
	// state. Handled identically to NotReady (§4.4, §7).
	Already = errors.New("sub-graph already in target state")

	// DanglingLink means neither endpoint module of a link exists.
	// Fatal for the command unless the opcode's dangling-link policy
	// allows it (§7, §9 open question 2).
	DanglingLink = errors.New("dangling link")

	// Busy is returned when a proxy command is attempted while CLOSE_ALL
	// is in flight (§4.8).
	Busy = errors.New("busy: close-all in progress")

	// Unsupported is an unknown opcode on this interface.
	Unsupported = errors.New("unsupported opcode")

	// ContainerFailed aggregates one or more non-OK container responses
	// (§4.5).
	ContainerFailed = errors.New("container command failed")

	// Terminated means a container destroyed itself; not a failure, but
	// must route into the destroy-path branch of the sequencer (§6, §7).
	Terminated = errors.New("container terminated")

	// NoResource is allocation exhaustion: payload/packet allocation or
	// list insertion failed (slot table full, queue full, etc.).
	NoResource = errors.New("no resource available")
)

// Kind classifies err against the sentinel set above, defaulting to
// ContainerFailed (generic failure) when err does not match a known
// sentinel — mirroring the aggregation rule's "generic_failure" fallback
// (§4.5).
func Kind(err error) error {
	for _, k := range []error{BadParam, NotReady, Already, DanglingLink, Busy, Unsupported, ContainerFailed, Terminated, NoResource} {
		if errors.Is(err, k) {
			return k
		}
	}
	if err == nil {
		return nil
	}
	return ContainerFailed
}

// NonFatalForSubGraph reports whether err should be handled by dropping
// the affected sub-graph from the command's working set rather than
// failing the whole command (§4.4, §7).
func NonFatalForSubGraph(err error) bool {
	return errors.Is(err, NotReady) || errors.Is(err, Already)
}
