// Package cmdctrl implements component D: the fixed-width command-control
// slot table, its bitmask allocator, and the per-slot scratch state the
// sequencer and coordinator operate on while a command is in flight
// (§4.2).
package cmdctrl

import (
	"math/bits"
	"time"

	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/log"
	"github.com/cuemby/apm/pkg/metrics"
	"github.com/cuemby/apm/pkg/types"
	"github.com/rs/zerolog"
)

// SubGraphOutcome records the terminal disposition the sequencer reached
// for one sub-graph within a command's working set.
type SubGraphOutcome struct {
	SubGraph types.SubGraphID
	Skipped  bool  // dropped via NotReady/Already (§4.4)
	Err      error // nil on success
}

// Slot is the per-command scratch state held for the lifetime of one
// active command (§4.2). Its fields are mutated in place by the
// sequencer, aggregator, and coordinator as the command progresses.
type Slot struct {
	Cmd types.Command

	// WorkingSet is the command's current sub-graph set, pruned as
	// individual sub-graphs are skipped (NotReady/Already) or fail.
	WorkingSet []types.SubGraphID

	// DirectSubGraphs and IndirectSubGraphs cache the command's
	// sub-graph-overlap footprint for component G: Direct is WorkingSet
	// itself, Indirect is every sub-graph reachable through a port
	// connection from a container in WorkingSet (supplemented feature 1).
	// Computed once per command and reused across the overlap checks and
	// every deferred-resume scan, rather than recomputed every time.
	DirectSubGraphs   map[types.SubGraphID]struct{}
	IndirectSubGraphs map[types.SubGraphID]struct{}

	// CurrentOp indexes into the sequencer's per-opcode operation list,
	// enabling cooperative re-entry: the work loop dispatches into the
	// sequencer once per response batch, and the sequencer picks up at
	// CurrentOp rather than re-running completed steps (§4.3).
	CurrentOp int

	// IssuedCount, ReceivedCount, FailedCount are the aggregator's
	// per-command counters (§4.5).
	IssuedCount   int
	ReceivedCount int
	FailedCount   int

	// Outcomes accumulates the per-sub-graph terminal disposition as the
	// command's operations complete.
	Outcomes []SubGraphOutcome

	// Deferred is set while this command sits in the coordinator's
	// deferred-command FIFO (component G), waiting for an overlapping
	// command to finish.
	Deferred bool

	// PendingLinkStarts holds the OPEN links whose two endpoints sit in
	// sub-graphs that were already STARTED before this command began: the
	// new connection's command-list starts at STOPPED regardless of its
	// peers' state, so it needs its own START once the topology itself
	// has been wired (§4.3, §8 scenario 6).
	PendingLinkStarts []types.LinkSpec

	startedAt time.Time
}

// Done reports whether every fanned-out response for this slot's current
// operation has arrived (§4.5's terminal-state test).
func (s *Slot) Done() bool {
	return s.ReceivedCount >= s.IssuedCount
}

// Failed reports whether any response so far has been a non-OK,
// non-ETERMINATED failure.
func (s *Slot) Failed() bool {
	return s.FailedCount > 0
}

// Table is the fixed-width slot table bounded by config.Config.MaxParallelCmd
// (the original's MAX_PARALLEL_CMD, §4.2).
type Table struct {
	slots      []*Slot
	activeMask uint64 // bit i set => slots[i] is occupied
	current    int    // index of the slot most recently dispatched into

	cfg config.Config
}

// New returns an empty slot table sized per cfg.
func New(cfg config.Config) *Table {
	if cfg.MaxParallelCmd > 64 {
		// The bitmask allocator is a single uint64; this is a configuration
		// error caught by config.Validate in normal operation.
		cfg.MaxParallelCmd = 64
	}
	return &Table{
		slots: make([]*Slot, cfg.MaxParallelCmd),
		cfg:   cfg,
	}
}

// Full reports whether every slot is occupied, the condition under which
// component H removes the command-queue bit from its wait mask (§4.1,
// §4.2).
func (t *Table) Full() bool {
	full := uint64(1)<<uint(len(t.slots)) - 1
	return t.activeMask == full
}

// Len returns the number of currently active slots.
func (t *Table) Len() int {
	return bits.OnesCount64(t.activeMask)
}

// Cap returns the table's fixed width.
func (t *Table) Cap() int {
	return len(t.slots)
}

// Alloc reserves the lowest-numbered free slot for cmd and returns its
// index. Returns apmerr.NoResource if the table is full (§4.2).
func (t *Table) Alloc(cmd types.Command) (int, *Slot, error) {
	full := uint64(1)<<uint(len(t.slots)) - 1
	if t.activeMask == full {
		return -1, nil, apmerr.NoResource
	}
	// Lowest clear bit: invert the mask, mask off bits beyond table width,
	// and count trailing zeros.
	free := ^t.activeMask & full
	idx := bits.TrailingZeros64(free)

	if cmd.TraceID == "" {
		cmd.TraceID = log.NewTraceID().String()
	}

	slot := &Slot{Cmd: cmd, startedAt: time.Now()}
	t.slots[idx] = slot
	t.activeMask |= 1 << uint(idx)
	t.current = idx

	metrics.CmdSlotsInUse.Set(float64(t.Len()))
	return idx, slot, nil
}

// Free releases slot idx, logging (and optionally treating as fatal) if
// the command's wall-clock duration exceeded the configured threshold
// (§4.2, §5).
func (t *Table) Free(idx int, logger zerolog.Logger) {
	slot := t.slots[idx]
	if slot == nil {
		return
	}
	elapsed := time.Since(slot.startedAt)
	metrics.CmdDuration.WithLabelValues(slot.Cmd.Opcode.String()).Observe(elapsed.Seconds())

	if elapsed > t.cfg.CmdWallClockThreshold {
		entry := log.WithTraceID(log.WithCommand(logger, idx, slot.Cmd.Opcode.String()), slot.Cmd.TraceID)
		entry = entry.With().Dur("elapsed", elapsed).Dur("threshold", t.cfg.CmdWallClockThreshold).Logger()
		if t.cfg.CmdWallClockFatal {
			entry.Fatal().Msg("command exceeded wall-clock threshold")
		} else {
			entry.Warn().Msg("command exceeded wall-clock threshold")
		}
	}

	t.slots[idx] = nil
	t.activeMask &^= 1 << uint(idx)
	metrics.CmdSlotsInUse.Set(float64(t.Len()))
}

// Slot returns the slot at idx, or nil if unoccupied.
func (t *Table) Slot(idx int) *Slot {
	return t.slots[idx]
}

// ByCommandID finds the active slot index for a command id, used when a
// response arrives and must be routed back to its owning slot (§4.1).
func (t *Table) ByCommandID(id uint64) (int, *Slot) {
	for i, s := range t.slots {
		if s != nil && s.Cmd.ID == id {
			return i, s
		}
	}
	return -1, nil
}

// Active returns the indices of every occupied slot, in ascending order.
func (t *Table) Active() []int {
	var out []int
	for i := 0; i < len(t.slots); i++ {
		if t.activeMask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Current returns the slot most recently allocated or dispatched into,
// mirroring the original's single "current command" pointer used as a
// dispatch shortcut (§4.2).
func (t *Table) Current() (int, *Slot) {
	if t.slots[t.current] == nil {
		return -1, nil
	}
	return t.current, t.slots[t.current]
}

// SetCurrent updates the current-command pointer, called by component H
// before dispatching a response into the sequencer.
func (t *Table) SetCurrent(idx int) {
	t.current = idx
}
