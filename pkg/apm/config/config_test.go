package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel_cmd: 16\ncmd_wall_clock_fatal: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxParallelCmd)
	assert.True(t, cfg.CmdWallClockFatal)
	assert.Equal(t, Default().CmdQueueDepth, cfg.CmdQueueDepth, "fields absent from the override keep their default")
}

func TestValidateRejectsNonPositiveFields(t *testing.T) {
	cases := []Config{
		{MaxParallelCmd: 0, CmdQueueDepth: 1, RspQueueDepth: 1, MaxSortLoopIterations: 1},
		{MaxParallelCmd: 1, CmdQueueDepth: 0, RspQueueDepth: 1, MaxSortLoopIterations: 1},
		{MaxParallelCmd: 1, CmdQueueDepth: 1, RspQueueDepth: 0, MaxSortLoopIterations: 1},
		{MaxParallelCmd: 1, CmdQueueDepth: 1, RspQueueDepth: 1, MaxSortLoopIterations: 0},
	}
	for _, c := range cases {
		assert.Error(t, c.Validate())
	}
}

func TestLoadRejectsInvalidOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel_cmd: -1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultMatchesOriginalAdvisoryThreshold(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, Default().CmdWallClockThreshold)
}
