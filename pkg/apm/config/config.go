// Package config holds the process-wide configuration constants for the
// APM core (§6): slot-table width, queue depths, the command wall-clock
// threshold, and the power-manager delayed-release interval.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration of one APM instance.
type Config struct {
	// MaxParallelCmd bounds the number of concurrently active command
	// slots (component D). Compile-time constant in the original source;
	// here a configurable upper bound with the original's default.
	MaxParallelCmd int `yaml:"max_parallel_cmd"`

	// CmdQueueDepth and RspQueueDepth bound the two work-loop queues
	// (§4.1, §6). The response queue is typically sized larger since
	// containers may answer in bursts.
	CmdQueueDepth int `yaml:"cmd_queue_depth"`
	RspQueueDepth int `yaml:"rsp_queue_depth"`

	// CmdWallClockThreshold is the soft ceiling past which a completed
	// command's duration is logged as a warning (§4.2, §5). It is
	// advisory, never enforced as a timeout.
	CmdWallClockThreshold time.Duration `yaml:"cmd_wall_clock_threshold"`

	// CmdWallClockFatal makes exceeding the threshold an assertion
	// failure instead of a warning, mirroring the original's
	// "(configurably) assert if it exceeds a threshold" (§4.2).
	CmdWallClockFatal bool `yaml:"cmd_wall_clock_fatal"`

	// PowerVoteReleaseDelay is the amortization window for power-manager
	// devote after the last active command slot is freed (§5).
	PowerVoteReleaseDelay time.Duration `yaml:"power_vote_release_delay"`

	// MaxSortLoopIterations bounds the container-graph sorter's DFS
	// bail-out safety counter (§4.6).
	MaxSortLoopIterations int `yaml:"max_sort_loop_iterations"`
}

// Default returns the configuration used when no override file is
// supplied, matching the original source's defaults (MAX_PARALLEL_CMD and
// APM_MAX_SORT_LOOP_ITR) plus reasonable queue sizing.
func Default() Config {
	return Config{
		MaxParallelCmd:        8,
		CmdQueueDepth:         16,
		RspQueueDepth:         64,
		CmdWallClockThreshold: 50 * time.Millisecond,
		CmdWallClockFatal:     false,
		PowerVoteReleaseDelay: 40 * time.Millisecond,
		MaxSortLoopIterations: 500,
	}
}

// Load reads a YAML override file on top of Default(). A missing file is
// not an error — the caller gets Default() back unchanged, matching §6's
// "no on-disk files" requirement for the core itself (this is consumed by
// the ambient CLI/daemon entrypoints, not by the core at run time).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants Default() always satisfies but a YAML
// override might not.
func (c Config) Validate() error {
	if c.MaxParallelCmd <= 0 {
		return fmt.Errorf("config: max_parallel_cmd must be positive, got %d", c.MaxParallelCmd)
	}
	if c.CmdQueueDepth <= 0 {
		return fmt.Errorf("config: cmd_queue_depth must be positive, got %d", c.CmdQueueDepth)
	}
	if c.RspQueueDepth <= 0 {
		return fmt.Errorf("config: rsp_queue_depth must be positive, got %d", c.RspQueueDepth)
	}
	if c.MaxSortLoopIterations <= 0 {
		return fmt.Errorf("config: max_sort_loop_iterations must be positive, got %d", c.MaxSortLoopIterations)
	}
	return nil
}
