package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	config := Default()
	require.NoError(t, config.Validate())
	assert.Equal(t, 10, config.MaxTasksPerVM)
	assert.Equal(t, 10, config.MaxVMsPerMachine)
	assert.Equal(t, uint64(8), config.VMMemoryOverhead)
	assert.Equal(t, 15*time.Minute, config.MigrationMinRemaining)
	assert.Equal(t, 100, config.ConsolidationEveryNCompletions)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := map[string]func(*SchedulingConfig){
		"zero max tasks per vm":      func(c *SchedulingConfig) { c.MaxTasksPerVM = 0 },
		"zero max vms per machine":   func(c *SchedulingConfig) { c.MaxVMsPerMachine = 0 },
		"no room for an active tier": func(c *SchedulingConfig) { c.InitialStandbyFraction = 0.6; c.InitialOffFraction = 0.4 },
		"inverted prio thresholds":   func(c *SchedulingConfig) { c.HighPriorityThreshold = 0.7 },
		"zero migration floor":       func(c *SchedulingConfig) { c.MigrationMinRemaining = 0 },
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			config := Default()
			corrupt(&config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestFromFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
maxTasksPerVM: 4
maxVMsPerMachine: 5
migrationMinRemaining: 20m
initialStandbyFraction: 0.25
initialOffFraction: 0.25
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	config, err := FromFilePath(path)
	require.NoError(t, err)
	assert.Equal(t, 4, config.MaxTasksPerVM)
	assert.Equal(t, 5, config.MaxVMsPerMachine)
	assert.Equal(t, 20*time.Minute, config.MigrationMinRemaining)
	assert.Equal(t, 0.25, config.InitialStandbyFraction)
	// Keys not present keep their defaults.
	assert.Equal(t, uint64(8), config.VMMemoryOverhead)
	assert.Equal(t, 0.2, config.HighPriorityThreshold)
}

func TestFromFilePathRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxTasksPerVM: 0\n"), 0o644))
	_, err := FromFilePath(path)
	assert.Error(t, err)
}
