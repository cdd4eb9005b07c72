package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// SchedulingConfig contains the tunables of the placement, power and
// consolidation policies.
type SchedulingConfig struct {
	// Maximum number of tasks a single VM will run concurrently.
	MaxTasksPerVM int `validate:"required,gt=0"`
	// Maximum number of VMs attached to a single machine.
	MaxVMsPerMachine int `validate:"required,gt=0"`
	// Memory reserved for each VM on top of its tasks' demand, in memory units.
	VMMemoryOverhead uint64 `validate:"required"`
	// Fraction of each CPU family initially parked in the Standby tier (S2).
	InitialStandbyFraction float64 `validate:"gte=0,lt=1"`
	// Fraction of each CPU family initially put in the Off tier (S5).
	InitialOffFraction float64 `validate:"gte=0,lt=1"`
	// Number of Standby machines the power controller tries to keep available
	// per CPU family.
	StandbyReserve int `validate:"gte=0"`
	// A VM is only migrated if its projected remaining run time exceeds this.
	// Migrating shorter-lived VMs costs more than it saves.
	MigrationMinRemaining time.Duration `validate:"required"`
	// Tasks whose remaining fraction of their completion budget drops below
	// HighPriorityThreshold are raised to HIGH priority; below
	// MidPriorityThreshold, to MID.
	HighPriorityThreshold float64 `validate:"gt=0,lt=1"`
	MidPriorityThreshold  float64 `validate:"gt=0,lt=1"`
	// Consolidation also runs from TaskComplete every this many completions.
	ConsolidationEveryNCompletions int `validate:"required,gt=0"`
	// Active machines whose utilization sits below this are drained by the
	// second consolidation pass and considered for core slow-down.
	LowUtilizationThreshold float64 `validate:"gte=0,lt=1"`
	// If true, the SLA-warning path may raise host cores to P0 and the
	// periodic sweep may lower idle hosts' cores.
	EnablePerfScaling bool
}

// Default returns the configuration used when no config file is given.
func Default() SchedulingConfig {
	return SchedulingConfig{
		MaxTasksPerVM:                  10,
		MaxVMsPerMachine:               10,
		VMMemoryOverhead:               8,
		InitialStandbyFraction:         0.4,
		InitialOffFraction:             0.4,
		StandbyReserve:                 1,
		MigrationMinRemaining:          15 * time.Minute,
		HighPriorityThreshold:          0.2,
		MidPriorityThreshold:           0.5,
		ConsolidationEveryNCompletions: 100,
		LowUtilizationThreshold:        0.25,
		EnablePerfScaling:              true,
	}
}

func (c SchedulingConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.WithStack(err)
	}
	if c.InitialStandbyFraction+c.InitialOffFraction >= 1 {
		return errors.Errorf(
			"initialStandbyFraction (%v) and initialOffFraction (%v) must leave room for an Active tier",
			c.InitialStandbyFraction, c.InitialOffFraction,
		)
	}
	if c.HighPriorityThreshold >= c.MidPriorityThreshold {
		return errors.Errorf(
			"highPriorityThreshold (%v) must be below midPriorityThreshold (%v)",
			c.HighPriorityThreshold, c.MidPriorityThreshold,
		)
	}
	return nil
}

// FromFilePath reads a SchedulingConfig from a YAML file, filling any keys
// not present from Default.
func FromFilePath(filePath string) (SchedulingConfig, error) {
	config := Default()
	v := viper.New()
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return config, errors.WithMessagef(err, "failed to read SchedulingConfig %s", filePath)
	}
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHooks())); err != nil {
		return config, errors.WithMessagef(err, "failed to unmarshal SchedulingConfig %s", filePath)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
