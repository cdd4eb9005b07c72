package priority_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/priority"
	"github.com/greensched/greensched/internal/scheduler/simapi"
	"github.com/greensched/greensched/internal/scheduler/testfixtures"
)

func TestForSLA(t *testing.T) {
	assert.Equal(t, simapi.HighPriority, priority.ForSLA(simapi.SLA0))
	assert.Equal(t, simapi.MidPriority, priority.ForSLA(simapi.SLA1))
	assert.Equal(t, simapi.LowPriority, priority.ForSLA(simapi.SLA2))
	assert.Equal(t, simapi.LowPriority, priority.ForSLA(simapi.SLA3))
}

func newHarness(t *testing.T) (*priority.Controller, *fleet.Fleet, *testfixtures.TestCluster) {
	t.Helper()
	config := configuration.Default()
	tc := testfixtures.NewTestCluster(testfixtures.MachineSpec{
		Family: simapi.X86, NumCores: 1, MemorySize: 64,
		Performance: []uint64{1000}, SleepPower: []uint64{100},
	})
	f, err := fleet.New(config)
	require.NoError(t, err)
	info, err := tc.GetMachineInfo(0)
	require.NoError(t, err)
	_, err = f.AddMachine(info)
	require.NoError(t, err)
	return priority.NewController(f, tc, config), f, tc
}

func place(t *testing.T, f *fleet.Fleet, tc *testfixtures.TestCluster, task simapi.TaskInfo, vmID simapi.VMID) {
	t.Helper()
	tc.AddTask(task)
	_, err := f.AssignTask(task, vmID, simapi.LowPriority)
	require.NoError(t, err)
}

func TestSweepEscalatesByBudgetBurn(t *testing.T) {
	controller, f, tc := newHarness(t)
	ctx := testfixtures.Context()
	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)

	// Budget of 100 seconds each, all arrived at t=0.
	for i, sla := range []simapi.SLAClass{simapi.SLA0, simapi.SLA1, simapi.SLA2} {
		place(t, f, tc, simapi.TaskInfo{
			ID: simapi.TaskID(i), Family: simapi.X86, VMType: simapi.Linux, SLA: sla,
			Memory: 1, TotalInstructions: 1_000_000,
			Arrival: 0, TargetCompletion: 100_000_000,
		}, vm.ID)
	}

	// Early in the budget everything runs LOW.
	require.NoError(t, controller.Sweep(ctx, 10_000_000))
	for i := 0; i < 3; i++ {
		task, err := f.TaskByID(simapi.TaskID(i))
		require.NoError(t, err)
		assert.Equal(t, simapi.LowPriority, task.Priority)
	}

	// 60% burnt: 40% remaining is below the MID threshold.
	require.NoError(t, controller.Sweep(ctx, 60_000_000))
	task, err := f.TaskByID(0)
	require.NoError(t, err)
	assert.Equal(t, simapi.MidPriority, task.Priority)
	assert.Contains(t, tc.Calls, "SetTaskPriority(0, MID)")

	// 90% burnt: 10% remaining is below the HIGH threshold.
	require.NoError(t, controller.Sweep(ctx, 90_000_000))
	task, err = f.TaskByID(0)
	require.NoError(t, err)
	assert.Equal(t, simapi.HighPriority, task.Priority)
	assert.Contains(t, tc.Calls, "SetTaskPriority(0, HIGH)")
}

func TestSweepFloorsSLA3ToLow(t *testing.T) {
	controller, f, tc := newHarness(t)
	ctx := testfixtures.Context()
	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	place(t, f, tc, simapi.TaskInfo{
		ID: 7, Family: simapi.X86, VMType: simapi.Linux, SLA: simapi.SLA3,
		Memory: 1, TotalInstructions: 1_000_000,
		Arrival: 0, TargetCompletion: 100_000_000,
	}, vm.ID)

	// Even with 99% of the budget burnt, SLA3 stays LOW.
	require.NoError(t, controller.Sweep(ctx, 99_000_000))
	task, err := f.TaskByID(7)
	require.NoError(t, err)
	assert.Equal(t, simapi.LowPriority, task.Priority)
}

func TestSweepOnlyActuatesOnChange(t *testing.T) {
	controller, f, tc := newHarness(t)
	ctx := testfixtures.Context()
	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	place(t, f, tc, simapi.TaskInfo{
		ID: 1, Family: simapi.X86, VMType: simapi.Linux, SLA: simapi.SLA2,
		Memory: 1, TotalInstructions: 1_000_000,
		Arrival: 0, TargetCompletion: 100_000_000,
	}, vm.ID)

	require.NoError(t, controller.Sweep(ctx, 10_000_000))
	calls := len(tc.Calls)
	require.NoError(t, controller.Sweep(ctx, 11_000_000))
	assert.Len(t, tc.Calls, calls)
}
