package power_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/power"
	"github.com/greensched/greensched/internal/scheduler/simapi"
	"github.com/greensched/greensched/internal/scheduler/testfixtures"
)

func newHarness(t *testing.T, config configuration.SchedulingConfig, n int) (*power.Controller, *fleet.Fleet, *testfixtures.TestCluster) {
	t.Helper()
	specs := make([]testfixtures.MachineSpec, n)
	for i := range specs {
		specs[i] = testfixtures.MachineSpec{
			Family:      simapi.X86,
			NumCores:    1,
			MemorySize:  64,
			Performance: []uint64{1000},
			SleepPower:  []uint64{100, 50, 25, 12, 6, 1},
		}
	}
	tc := testfixtures.NewTestCluster(specs...)
	f, err := fleet.New(config)
	require.NoError(t, err)
	for i := range specs {
		info, err := tc.GetMachineInfo(simapi.MachineID(i))
		require.NoError(t, err)
		_, err = f.AddMachine(info)
		require.NoError(t, err)
	}
	return power.NewController(f, tc, config), f, tc
}

func TestApplyInitialSplit(t *testing.T) {
	config := configuration.Default()
	controller, f, tc := newHarness(t, config, 10)
	ctx := testfixtures.Context()

	require.NoError(t, controller.ApplyInitialSplit(ctx, tc))

	assert.Equal(t, 2, f.TierCount(simapi.X86, simapi.TierActive))
	assert.Equal(t, 4, f.TierCount(simapi.X86, simapi.TierStandby))
	assert.Equal(t, 4, f.TierCount(simapi.X86, simapi.TierOff))

	// The active machines were already at S0; only the other eight got a
	// state change request.
	assert.Len(t, tc.PendingStateChanges(), 8)
	for _, machine := range f.MachinesOfTier(simapi.X86, simapi.TierStandby) {
		assert.True(t, machine.ChangingState)
		assert.Contains(t, tc.Calls, fmt.Sprintf("SetMachineState(%d, S2)", machine.ID))
	}
	for _, machine := range f.MachinesOfTier(simapi.X86, simapi.TierOff) {
		assert.Contains(t, tc.Calls, fmt.Sprintf("SetMachineState(%d, S5)", machine.ID))
	}
	for _, machine := range f.MachinesOfTier(simapi.X86, simapi.TierActive) {
		assert.False(t, machine.ChangingState)
	}
}

func TestApplyInitialSplitKeepsOneActive(t *testing.T) {
	config := configuration.Default()
	config.InitialStandbyFraction = 0.5
	config.InitialOffFraction = 0.4
	controller, f, tc := newHarness(t, config, 2)
	ctx := testfixtures.Context()

	require.NoError(t, controller.ApplyInitialSplit(ctx, tc))
	assert.GreaterOrEqual(t, f.TierCount(simapi.X86, simapi.TierActive), 1)
}

func TestPromoteStandbyWakesBestAndTopsUpReserve(t *testing.T) {
	config := configuration.Default()
	config.StandbyReserve = 1
	controller, f, tc := newHarness(t, config, 3)
	ctx := testfixtures.Context()
	require.NoError(t, f.SetTier(1, simapi.TierStandby))
	require.NoError(t, f.SetTier(2, simapi.TierOff))

	promoted, err := controller.PromoteStandby(ctx, simapi.X86)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Contains(t, tc.Calls, "SetMachineState(1, S0)")

	woken, err := f.MachineByID(1)
	require.NoError(t, err)
	assert.Equal(t, simapi.TierActive, woken.Tier)
	assert.True(t, woken.ChangingState)

	// Standby dropped below the reserve, so the off machine backfills it.
	assert.Contains(t, tc.Calls, "SetMachineState(2, S2)")
	backfill, err := f.MachineByID(2)
	require.NoError(t, err)
	assert.Equal(t, simapi.TierStandby, backfill.Tier)

	// Nothing left to promote.
	promoted, err = controller.PromoteStandby(ctx, simapi.X86)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestMaybeDemote(t *testing.T) {
	config := configuration.Default()
	config.StandbyReserve = 0
	controller, f, tc := newHarness(t, config, 2)
	ctx := testfixtures.Context()

	// A machine with a VM is never demoted.
	_, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	demoted, err := controller.MaybeDemote(ctx, 0)
	require.NoError(t, err)
	assert.False(t, demoted)

	// Nor one with an in-flight migration targeting it.
	_, err = f.AddMachine(simapi.MachineInfo{
		ID: 2, Family: simapi.X86, NumCores: 1, MemorySize: 64,
		Performance: []uint64{1000}, SleepPower: []uint64{100},
	})
	require.NoError(t, err)
	require.NoError(t, f.BeginMigration(0, 2))
	demoted, err = controller.MaybeDemote(ctx, 2)
	require.NoError(t, err)
	assert.False(t, demoted)

	// An idle machine is parked at S2.
	demoted, err = controller.MaybeDemote(ctx, 1)
	require.NoError(t, err)
	assert.True(t, demoted)
	assert.Contains(t, tc.Calls, "SetMachineState(1, S2)")
	parked, err := f.MachineByID(1)
	require.NoError(t, err)
	assert.Equal(t, simapi.TierStandby, parked.Tier)

	// Mid state change it cannot be demoted again.
	demoted, err = controller.MaybeDemote(ctx, 1)
	require.NoError(t, err)
	assert.False(t, demoted)
}

func TestTrimStandby(t *testing.T) {
	config := configuration.Default()
	config.StandbyReserve = 1
	config.InitialStandbyFraction = 0.25
	config.InitialOffFraction = 0.25
	controller, f, tc := newHarness(t, config, 4)
	ctx := testfixtures.Context()
	for _, id := range []simapi.MachineID{1, 2, 3} {
		require.NoError(t, f.SetTier(id, simapi.TierStandby))
	}

	// Target is floor(4 * 0.25) = 1, so two standby machines get parked at
	// S5, worst ranked first.
	require.NoError(t, controller.TrimStandby(ctx, simapi.X86))
	assert.Equal(t, 1, f.TierCount(simapi.X86, simapi.TierStandby))
	assert.Equal(t, 2, f.TierCount(simapi.X86, simapi.TierOff))
	assert.Contains(t, tc.Calls, "SetMachineState(3, S5)")
	assert.Contains(t, tc.Calls, "SetMachineState(2, S5)")
}
