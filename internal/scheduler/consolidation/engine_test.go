package consolidation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/consolidation"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/power"
	"github.com/greensched/greensched/internal/scheduler/simapi"
	"github.com/greensched/greensched/internal/scheduler/testfixtures"
)

type harness struct {
	engine *consolidation.Engine
	fleet  *fleet.Fleet
	tc     *testfixtures.TestCluster
}

func newHarness(t *testing.T, config configuration.SchedulingConfig, specs ...testfixtures.MachineSpec) *harness {
	t.Helper()
	tc := testfixtures.NewTestCluster(specs...)
	f, err := fleet.New(config)
	require.NoError(t, err)
	for i := range specs {
		info, err := tc.GetMachineInfo(simapi.MachineID(i))
		require.NoError(t, err)
		_, err = f.AddMachine(info)
		require.NoError(t, err)
	}
	powerController := power.NewController(f, tc, config)
	return &harness{
		engine: consolidation.NewEngine(f, tc, tc, powerController, config),
		fleet:  f,
		tc:     tc,
	}
}

// putVM creates a VM on a machine in both the oracle and the fleet model, so
// that the actuator accepts a later migration of it.
func (h *harness) putVM(t *testing.T, machineID simapi.MachineID) *fleet.VM {
	t.Helper()
	vmID, err := h.tc.CreateVM(simapi.Linux, simapi.X86)
	require.NoError(t, err)
	require.NoError(t, h.tc.AttachVM(vmID, machineID))
	vm, err := h.fleet.CreateVM(vmID, simapi.Linux, simapi.X86, machineID)
	require.NoError(t, err)
	return vm
}

// putTask registers a task with the oracle and assigns it to a VM in the
// fleet model.
func (h *harness) putTask(t *testing.T, task simapi.TaskInfo, vmID simapi.VMID) {
	t.Helper()
	h.tc.AddTask(task)
	_, err := h.fleet.AssignTask(task, vmID, simapi.LowPriority)
	require.NoError(t, err)
}

// efficientAndInefficient is a pair of X86 machines: id 0 efficient (10), id
// 1 inefficient (4) but with eight cores.
func efficientAndInefficient() []testfixtures.MachineSpec {
	return []testfixtures.MachineSpec{
		{
			Family: simapi.X86, NumCores: 1, MemorySize: 64,
			Performance: []uint64{1000, 800}, SleepPower: []uint64{100, 50, 25, 12, 6, 1},
		},
		{
			Family: simapi.X86, NumCores: 8, MemorySize: 64,
			Performance: []uint64{400, 320}, SleepPower: []uint64{100, 50, 25, 12, 6, 1},
		},
	}
}

func TestConsolidationMigratesLongRunningVM(t *testing.T) {
	config := configuration.Default()
	h := newHarness(t, config, efficientAndInefficient()...)
	ctx := testfixtures.Context()

	vm := h.putVM(t, 1)
	// ~25 minutes of work left on the inefficient host; fits the efficient
	// host at 80% utilization.
	h.putTask(t, simapi.TaskInfo{
		ID: 0, Family: simapi.X86, VMType: simapi.Linux, Memory: 4,
		TotalInstructions: 4_800_000_000_000, Arrival: 0, TargetCompletion: 6_000_000_000,
	}, vm.ID)

	migrated, err := h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)
	assert.Contains(t, h.tc.Calls, "MigrateVM(0, 0)")
	assert.True(t, vm.Migrating)
	assert.Equal(t, simapi.MachineID(0), vm.Machine)

	// The emptied source is parked.
	source, err := h.fleet.MachineByID(1)
	require.NoError(t, err)
	assert.Equal(t, simapi.TierStandby, source.Tier)
	assert.Contains(t, h.tc.Calls, "SetMachineState(1, S2)")
	assert.NoError(t, h.fleet.CheckInvariants())
}

func TestConsolidationSkipsShortLivedVM(t *testing.T) {
	config := configuration.Default()
	h := newHarness(t, config, efficientAndInefficient()...)
	ctx := testfixtures.Context()

	vm, err := h.fleet.CreateVM(0, simapi.Linux, simapi.X86, 1)
	require.NoError(t, err)
	// Well under the migration floor; moving it would cost more than it saves.
	h.putTask(t, simapi.TaskInfo{
		ID: 0, Family: simapi.X86, VMType: simapi.Linux, Memory: 4,
		TotalInstructions: 480_000_000, Arrival: 0, TargetCompletion: 6_000_000_000,
	}, vm.ID)

	migrated, err := h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, migrated)
	assert.False(t, vm.Migrating)
	assert.Equal(t, simapi.MachineID(1), vm.Machine)
}

func TestConsolidationSkipsMigratingVMAndBusySink(t *testing.T) {
	config := configuration.Default()
	h := newHarness(t, config, efficientAndInefficient()...)
	ctx := testfixtures.Context()

	vm, err := h.fleet.CreateVM(0, simapi.Linux, simapi.X86, 1)
	require.NoError(t, err)
	h.putTask(t, simapi.TaskInfo{
		ID: 0, Family: simapi.X86, VMType: simapi.Linux, Memory: 4,
		TotalInstructions: 4_800_000_000_000, Arrival: 0, TargetCompletion: 6_000_000_000,
	}, vm.ID)

	// A sink mid state change takes nothing.
	require.NoError(t, h.fleet.MarkStateChanging(0))
	migrated, err := h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, migrated)
	require.NoError(t, h.fleet.MarkStateChangeDone(0))

	// A VM already on the move is not picked again.
	require.NoError(t, h.fleet.BeginMigration(vm.ID, 0))
	migrated, err = h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, migrated)
}

func TestDrainLowUtilization(t *testing.T) {
	config := configuration.Default()
	specs := []testfixtures.MachineSpec{
		{
			Family: simapi.X86, NumCores: 1, MemorySize: 64,
			Performance: []uint64{1000}, SleepPower: []uint64{100, 50, 25, 12, 6, 1},
		},
		{
			Family: simapi.X86, NumCores: 1, MemorySize: 64,
			Performance: []uint64{1000}, SleepPower: []uint64{100, 50, 25, 12, 6, 1},
		},
	}
	h := newHarness(t, config, specs...)
	ctx := testfixtures.Context()

	// Machine 0: a nearly idle VM with over 15 minutes of slack work.
	idle := h.putVM(t, 0)
	h.putTask(t, simapi.TaskInfo{
		ID: 0, Family: simapi.X86, VMType: simapi.Linux, Memory: 4,
		TotalInstructions: 1_000_000_000_000, Arrival: 0, TargetCompletion: 1_000_000_000_000_000,
	}, idle.ID)

	// Machine 1: busy.
	busy := h.putVM(t, 1)
	h.putTask(t, simapi.TaskInfo{
		ID: 1, Family: simapi.X86, VMType: simapi.Linux, Memory: 4,
		TotalInstructions: 5_000_000_000, Arrival: 0, TargetCompletion: 10_000_000,
	}, busy.ID)

	migrated, err := h.engine.DrainLowUtilization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)
	assert.True(t, idle.Migrating)
	assert.Equal(t, simapi.MachineID(1), idle.Machine)
	assert.NoError(t, h.fleet.CheckInvariants())
}
