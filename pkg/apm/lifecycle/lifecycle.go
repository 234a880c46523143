// Package lifecycle implements component J: the create/init/deinit/
// destroy facade that wires every other component together, launches the
// work-loop goroutine, and drives the power-manager vote/devote
// bookkeeping off the slot table's occupancy (§5).
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/container"
	"github.com/cuemby/apm/pkg/apm/coordinator"
	"github.com/cuemby/apm/pkg/apm/graphdb"
	"github.com/cuemby/apm/pkg/apm/sequencer"
	"github.com/cuemby/apm/pkg/apm/workloop"
	"github.com/cuemby/apm/pkg/log"
	"github.com/cuemby/apm/pkg/types"
	"github.com/rs/zerolog"
)

// PowerManager is the external collaborator that keeps the host platform
// awake while at least one command is in flight. The real implementation
// is out of scope (§1); this core only drives its vote/devote lifecycle.
type PowerManager interface {
	Vote()
	Devote()
}

// noopPowerManager is used when the caller supplies none.
type noopPowerManager struct{}

func (noopPowerManager) Vote()   {}
func (noopPowerManager) Devote() {}

// Instance is one running APM core: one graph database, one command
// sequencer, one coordinator, and the work-loop goroutine driving them.
type Instance struct {
	db    *graphdb.DB
	coord *coordinator.Coordinator
	loop  *workloop.Loop
	cfg   config.Config
	power PowerManager
	logger zerolog.Logger

	mu           sync.Mutex
	pending      map[uint64]chan workloop.CommandResult
	nextCmdID    uint64
	releaseTimer *time.Timer
	voted        bool
}

// New creates an Instance wired to proxy for container dispatch and
// spfState for GET_SPF_STATE queries, but does not start its work loop
// (see Start). power may be nil, in which case vote/devote is a no-op.
// shmem may be nil, in which case an in-memory refcount table is used
// (§6's mem_map_handle hook has no real map/unmap subsystem backing it
// in this core either way, per §1).
func New(cfg config.Config, proxy container.Proxy, spfState workloop.SPFStateFunc, power PowerManager, shmem container.SharedMemory) *Instance {
	if power == nil {
		power = noopPowerManager{}
	}
	if shmem == nil {
		shmem = container.NewInMemorySharedMemory()
	}
	db := graphdb.New()
	coord := coordinator.New()
	logger := log.WithComponent("apm")

	inst := &Instance{
		db:      db,
		coord:   coord,
		cfg:     cfg,
		power:   power,
		logger:  logger,
		pending: make(map[uint64]chan workloop.CommandResult),
	}

	// The sequencer's response sink must call back into the loop, but the
	// loop's constructor needs the sequencer first; SetSink closes the
	// cycle once both exist.
	seq := sequencer.New(db, proxy, coord, cfg, logger, shmem, nil)
	loop := workloop.New(db, seq, coord, cfg, logger, inst.complete, spfState, inst.onSlotOccupancyChanged)
	seq.SetSink(loop.Response)

	inst.loop = loop
	return inst
}

// Start launches the work-loop goroutine. Must be called exactly once.
func (inst *Instance) Start() {
	go inst.loop.Run()
}

// Stop signals the work loop to exit after its current iteration.
func (inst *Instance) Stop() {
	inst.loop.Stop()
}

// Execute submits cmd and blocks until its terminal CommandResult is
// available or ctx is done. This is the synchronous façade the CLI and
// tests use; nothing in the core itself blocks like this.
func (inst *Instance) Execute(ctx context.Context, cmd types.Command) workloop.CommandResult {
	if cmd.ID == 0 {
		cmd.ID = inst.allocCmdID()
	}
	ch := make(chan workloop.CommandResult, 1)
	inst.mu.Lock()
	inst.pending[cmd.ID] = ch
	inst.mu.Unlock()

	inst.loop.Submit(cmd)

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		inst.mu.Lock()
		delete(inst.pending, cmd.ID)
		inst.mu.Unlock()
		return workloop.CommandResult{Cmd: cmd, Err: ctx.Err()}
	}
}

func (inst *Instance) allocCmdID() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.nextCmdID++
	return inst.nextCmdID
}

func (inst *Instance) complete(res workloop.CommandResult) {
	inst.mu.Lock()
	ch, ok := inst.pending[res.Cmd.ID]
	if ok {
		delete(inst.pending, res.Cmd.ID)
	}
	inst.mu.Unlock()
	if ok {
		ch <- res
	}
}

// onSlotOccupancyChanged votes for power the instant the table goes from
// empty to non-empty, and schedules a devote after
// cfg.PowerVoteReleaseDelay the instant it returns to empty, canceling
// any pending devote if new work arrives in the meantime (§5) — this
// amortizes vote/devote churn across back-to-back commands instead of
// toggling on every single one.
func (inst *Instance) onSlotOccupancyChanged(occupied int) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if occupied > 0 {
		if inst.releaseTimer != nil {
			inst.releaseTimer.Stop()
			inst.releaseTimer = nil
		}
		if !inst.voted {
			inst.power.Vote()
			inst.voted = true
		}
		return
	}

	if inst.voted && inst.releaseTimer == nil {
		inst.releaseTimer = time.AfterFunc(inst.cfg.PowerVoteReleaseDelay, func() {
			inst.mu.Lock()
			inst.voted = false
			inst.releaseTimer = nil
			inst.mu.Unlock()
			inst.power.Devote()
		})
	}
}

// DB exposes the graph database for read-only inspection (status
// reporting, tests). Mutation from outside the work-loop goroutine is
// not safe and not supported.
func (inst *Instance) DB() *graphdb.DB {
	return inst.db
}
