// Package workloop implements component H: the single cooperative event
// loop that owns the command-control slot table and drives every command
// from arrival to completion, plus the GET_SPF_STATE fast path that
// bypasses the sequencer entirely (§4.1, supplemented feature 5).
package workloop

import (
	"github.com/cuemby/apm/pkg/apm/aggregator"
	"github.com/cuemby/apm/pkg/apm/cmdctrl"
	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/coordinator"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/apm/sequencer"
	"github.com/cuemby/apm/pkg/metrics"
	"github.com/cuemby/apm/pkg/types"
	"github.com/rs/zerolog"
)

// CommandResult is delivered once per submitted command, whether it ran
// the full sequencer or was answered by the GET_SPF_STATE fast path.
type CommandResult struct {
	Cmd      types.Command
	Err      error
	SPFState interface{}
}

// CompletionFunc receives every command's terminal result.
type CompletionFunc func(CommandResult)

// SPFStateFunc answers a GET_SPF_STATE query. It runs on the work-loop
// goroutine and must not block.
type SPFStateFunc func() interface{}

// SlotCountFunc is notified every time the slot table's occupancy
// changes, so component J can drive its power-manager vote/devote
// bookkeeping off the true 0-to-1 and 1-to-0 transitions (§5).
type SlotCountFunc func(occupied int)

// Loop is the single-threaded command/response/kill wait set described in
// §4.1: kill takes priority, then any already-queued responses are
// drained before a command is allowed to start, and the command queue's
// wait-mask bit is withdrawn whenever the slot table is full.
type Loop struct {
	db    *graphdb.DB
	table *cmdctrl.Table
	seq   *sequencer.Sequencer
	coord *coordinator.Coordinator
	cfg   config.Config

	logger    zerolog.Logger
	onDone    CompletionFunc
	spfState  SPFStateFunc
	onSlotOcc SlotCountFunc

	cmdQueue chan types.Command
	rspQueue chan types.Response
	kill     chan struct{}
}

// Response pushes a container's reply onto the loop's response queue.
// Safe to call from any goroutine; this is the ResponseFunc handed to
// container.Proxy.Dispatch.
func (l *Loop) Response(rsp types.Response) {
	l.rspQueue <- rsp
	metrics.RspQueueDepth.Set(float64(len(l.rspQueue)))
}

// Submit enqueues a new command. Blocks if the command queue is at
// capacity, matching the bounded-queue backpressure of §4.1/§6.
func (l *Loop) Submit(cmd types.Command) {
	l.cmdQueue <- cmd
	metrics.CmdQueueDepth.Set(float64(len(l.cmdQueue)))
}

// Stop signals the loop goroutine to exit after its current iteration.
func (l *Loop) Stop() {
	close(l.kill)
}

// New constructs a Loop. db, seq, and coord must be the same instances
// the caller used to build each other (the sequencer was constructed
// with this coordinator and this database).
func New(db *graphdb.DB, seq *sequencer.Sequencer, coord *coordinator.Coordinator, cfg config.Config, logger zerolog.Logger, onDone CompletionFunc, spfState SPFStateFunc, onSlotOcc SlotCountFunc) *Loop {
	return &Loop{
		db:        db,
		table:     cmdctrl.New(cfg),
		seq:       seq,
		coord:     coord,
		cfg:       cfg,
		logger:    logger,
		onDone:    onDone,
		spfState:  spfState,
		onSlotOcc: onSlotOcc,
		cmdQueue:  make(chan types.Command, cfg.CmdQueueDepth),
		rspQueue:  make(chan types.Response, cfg.RspQueueDepth),
		kill:      make(chan struct{}),
	}
}

// Run executes the event loop until Stop is called. Intended to be
// launched as its own goroutine (component J owns the launch).
func (l *Loop) Run() {
	for {
		select {
		case <-l.kill:
			return
		default:
		}

		if l.drainResponses() {
			continue
		}

		cmdCh := l.cmdQueue
		if l.table.Full() {
			// Withdraw the command-queue bit from the wait set: the loop
			// will not accept new work until a slot frees up (§4.2).
			cmdCh = nil
		}

		select {
		case <-l.kill:
			return
		case rsp := <-l.rspQueue:
			metrics.RspQueueDepth.Set(float64(len(l.rspQueue)))
			l.handleResponse(rsp)
		case cmd := <-cmdCh:
			metrics.CmdQueueDepth.Set(float64(len(l.cmdQueue)))
			l.handleCommand(cmd)
		}
	}
}

// drainResponses empties the response queue without blocking, giving
// already-arrived responses priority over starting any new command
// (§4.1's wake-up ordering).
func (l *Loop) drainResponses() bool {
	drained := false
	for {
		select {
		case rsp := <-l.rspQueue:
			metrics.RspQueueDepth.Set(float64(len(l.rspQueue)))
			l.handleResponse(rsp)
			drained = true
		default:
			return drained
		}
	}
}

func (l *Loop) handleCommand(cmd types.Command) {
	if cmd.Opcode == types.OpGetSpfState {
		var state interface{}
		if l.spfState != nil {
			state = l.spfState()
		}
		l.onDone(CommandResult{Cmd: cmd, SPFState: state})
		return
	}

	idx, slot, err := l.table.Alloc(cmd)
	if err != nil {
		l.onDone(CommandResult{Cmd: cmd, Err: err})
		return
	}
	if l.onSlotOcc != nil {
		l.onSlotOcc(l.table.Len())
	}

	admitted, err := l.coord.Admit(slot)
	if err != nil {
		l.table.Free(idx, l.logger)
		if l.onSlotOcc != nil {
			l.onSlotOcc(l.table.Len())
		}
		l.onDone(CommandResult{Cmd: cmd, Err: err})
		return
	}
	if !admitted {
		return // deferred: holds its slot, awaiting an overlap-clear resume.
	}

	l.runSlot(idx, slot)
}

func (l *Loop) handleResponse(rsp types.Response) {
	idx, slot := l.table.ByCommandID(rsp.CommandID)
	if slot == nil {
		return // stale response for an already-completed/unknown command.
	}
	l.table.SetCurrent(idx)

	outcome := aggregator.Apply(slot, rsp)
	if !outcome.Terminal {
		return
	}

	err := l.seq.Resume(slot)
	l.afterStep(idx, slot, err)
}

func (l *Loop) runSlot(idx int, slot *cmdctrl.Slot) {
	err := l.seq.Begin(slot)
	l.afterStep(idx, slot, err)
}

func (l *Loop) afterStep(idx int, slot *cmdctrl.Slot, err error) {
	if err != nil {
		l.finish(idx, slot, err)
		return
	}
	if l.seq.Done(slot) {
		l.finish(idx, slot, aggregator.CommandError(slot))
		return
	}
	// Awaiting further responses; nothing more to do this iteration.
}

func (l *Loop) finish(idx int, slot *cmdctrl.Slot, err error) {
	l.onDone(CommandResult{Cmd: slot.Cmd, Err: err})

	l.table.Free(idx, l.logger)
	if l.onSlotOcc != nil {
		l.onSlotOcc(l.table.Len())
	}
	available := l.table.Cap() - l.table.Len()
	resumed := l.coord.Release(slot, available)

	for _, r := range resumed {
		ridx, _ := l.table.ByCommandID(r.Cmd.ID)
		if ridx < 0 {
			continue
		}
		l.runSlot(ridx, r)
	}
}
