package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greensched/greensched/internal/common/schederrors"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

func newTestFleet(t *testing.T) *Fleet {
	f, err := New(configuration.Default())
	require.NoError(t, err)
	return f
}

func machineInfo(id int, family simapi.CPUFamily, memory uint64) simapi.MachineInfo {
	return simapi.MachineInfo{
		ID:          simapi.MachineID(id),
		Family:      family,
		NumCores:    8,
		MemorySize:  memory,
		Performance: []uint64{1000, 800, 600, 400},
		SleepPower:  []uint64{100, 80, 40, 20, 10, 1},
	}
}

func taskInfo(id int, family simapi.CPUFamily, vmType simapi.VMType, memory uint64) simapi.TaskInfo {
	return simapi.TaskInfo{
		ID:                simapi.TaskID(id),
		Family:            family,
		VMType:            vmType,
		SLA:               simapi.SLA2,
		Memory:            memory,
		TotalInstructions: 1_000_000,
		Arrival:           0,
		TargetCompletion:  10_000_000,
	}
}

func TestFleet_AddMachineAndLookups(t *testing.T) {
	f := newTestFleet(t)
	for i := 0; i < 3; i++ {
		_, err := f.AddMachine(machineInfo(i, simapi.X86, 64))
		require.NoError(t, err)
	}
	_, err := f.AddMachine(machineInfo(3, simapi.ARM, 64))
	require.NoError(t, err)

	_, err = f.AddMachine(machineInfo(0, simapi.X86, 64))
	assert.Error(t, err)

	assert.Len(t, f.AllMachines(), 4)
	assert.Len(t, f.MachinesOfFamily(simapi.X86), 3)
	assert.Len(t, f.MachinesOfFamily(simapi.ARM), 1)
	assert.Len(t, f.MachinesOfFamily(simapi.POWER), 0)

	machine, err := f.MachineByID(1)
	require.NoError(t, err)
	assert.Equal(t, simapi.X86, machine.Family)
	assert.Equal(t, uint64(10), machine.Efficiency)
	assert.Equal(t, simapi.TierActive, machine.Tier)

	_, err = f.MachineByID(17)
	var notFound *schederrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	require.NoError(t, f.SetTier(1, simapi.TierStandby))
	assert.Len(t, f.MachinesOfTier(simapi.X86, simapi.TierActive), 2)
	assert.Len(t, f.MachinesOfTier(simapi.X86, simapi.TierStandby), 1)
	assert.Equal(t, 1, f.TierCount(simapi.X86, simapi.TierStandby))

	assert.NoError(t, f.CheckInvariants())
}

func TestFleet_AssignAndUnassignTask(t *testing.T) {
	f := newTestFleet(t)
	_, err := f.AddMachine(machineInfo(0, simapi.X86, 64))
	require.NoError(t, err)

	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)

	machine, err := f.MachineByID(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), f.MemoryUsed(machine))

	task, err := f.AssignTask(taskInfo(1, simapi.X86, simapi.Linux, 10), vm.ID, simapi.MidPriority)
	require.NoError(t, err)
	assert.Equal(t, simapi.VMID(0), task.VM)
	assert.Equal(t, uint64(10), vm.Memory)

	machine, err = f.MachineByID(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(18), f.MemoryUsed(machine))
	assert.Equal(t, uint64(46), f.FreeMemory(machine))
	assert.NoError(t, f.CheckInvariants())

	// A second arrival for the same id is rejected so callers can no-op it.
	_, err = f.AssignTask(taskInfo(1, simapi.X86, simapi.Linux, 10), vm.ID, simapi.MidPriority)
	assert.Error(t, err)

	removed, err := f.UnassignTask(1)
	require.NoError(t, err)
	assert.Equal(t, simapi.VMID(0), removed.VM)
	assert.Zero(t, vm.Memory)
	assert.Zero(t, vm.TaskCount())

	machine, err = f.MachineByID(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), f.MemoryUsed(machine))
	assert.NoError(t, f.CheckInvariants())

	_, err = f.UnassignTask(1)
	var notFound *schederrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestFleet_AssignTaskRejections(t *testing.T) {
	config := configuration.Default()
	config.MaxTasksPerVM = 1
	f, err := New(config)
	require.NoError(t, err)
	_, err = f.AddMachine(machineInfo(0, simapi.X86, 30))
	require.NoError(t, err)
	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)

	// Wrong VM type.
	_, err = f.AssignTask(taskInfo(1, simapi.X86, simapi.Win, 1), vm.ID, simapi.LowPriority)
	assert.Error(t, err)

	// Memory demand above what the machine has left.
	_, err = f.AssignTask(taskInfo(2, simapi.X86, simapi.Linux, 23), vm.ID, simapi.LowPriority)
	var capErr *schederrors.ErrCapacityExceeded
	assert.ErrorAs(t, err, &capErr)

	_, err = f.AssignTask(taskInfo(3, simapi.X86, simapi.Linux, 1), vm.ID, simapi.LowPriority)
	require.NoError(t, err)

	// Task count at the per-VM limit.
	_, err = f.AssignTask(taskInfo(4, simapi.X86, simapi.Linux, 1), vm.ID, simapi.LowPriority)
	assert.ErrorAs(t, err, &capErr)

	// The failed assignments changed nothing.
	assert.NoError(t, f.CheckInvariants())
	assert.Equal(t, 1, vm.TaskCount())
}

func TestFleet_VMLimitPerMachine(t *testing.T) {
	config := configuration.Default()
	config.MaxVMsPerMachine = 2
	f, err := New(config)
	require.NoError(t, err)
	_, err = f.AddMachine(machineInfo(0, simapi.X86, 64))
	require.NoError(t, err)

	_, err = f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	_, err = f.CreateVM(1, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	_, err = f.CreateVM(2, simapi.Linux, simapi.X86, 0)
	var capErr *schederrors.ErrCapacityExceeded
	assert.ErrorAs(t, err, &capErr)

	// Family mismatch is rejected outright.
	_, err = f.CreateVM(3, simapi.Linux, simapi.ARM, 0)
	assert.Error(t, err)
	assert.NoError(t, f.CheckInvariants())
}

func TestFleet_Migration(t *testing.T) {
	f := newTestFleet(t)
	_, err := f.AddMachine(machineInfo(0, simapi.X86, 64))
	require.NoError(t, err)
	_, err = f.AddMachine(machineInfo(1, simapi.X86, 64))
	require.NoError(t, err)

	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	_, err = f.AssignTask(taskInfo(1, simapi.X86, simapi.Linux, 4), vm.ID, simapi.LowPriority)
	require.NoError(t, err)

	require.NoError(t, f.BeginMigration(vm.ID, 1))
	assert.True(t, vm.Migrating)
	assert.Equal(t, simapi.MachineID(1), vm.Machine)

	source, err := f.MachineByID(0)
	require.NoError(t, err)
	assert.Zero(t, source.VMCount())
	sink, err := f.MachineByID(1)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.VMCount())
	assert.Equal(t, 1, sink.InboundMigrations)
	assert.NoError(t, f.CheckInvariants())

	// A migrating VM cannot be picked again.
	assert.Error(t, f.BeginMigration(vm.ID, 0))
	// And accepts no new tasks.
	_, err = f.AssignTask(taskInfo(2, simapi.X86, simapi.Linux, 4), vm.ID, simapi.LowPriority)
	assert.Error(t, err)

	migrated, err := f.CompleteMigration(vm.ID)
	require.NoError(t, err)
	assert.False(t, migrated.Migrating)
	sink, err = f.MachineByID(1)
	require.NoError(t, err)
	assert.Zero(t, sink.InboundMigrations)

	// The task rode along.
	task, err := f.TaskByID(1)
	require.NoError(t, err)
	assert.Equal(t, vm.ID, task.VM)
	assert.NoError(t, f.CheckInvariants())

	// A second completion for the same VM is stale.
	_, err = f.CompleteMigration(vm.ID)
	var stale *schederrors.ErrStaleCallback
	assert.ErrorAs(t, err, &stale)
}

func TestFleet_BeginMigrationRollsBackOnFullSink(t *testing.T) {
	config := configuration.Default()
	config.MaxVMsPerMachine = 1
	f, err := New(config)
	require.NoError(t, err)
	_, err = f.AddMachine(machineInfo(0, simapi.X86, 64))
	require.NoError(t, err)
	_, err = f.AddMachine(machineInfo(1, simapi.X86, 64))
	require.NoError(t, err)

	vm0, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	_, err = f.CreateVM(1, simapi.Linux, simapi.X86, 1)
	require.NoError(t, err)

	err = f.BeginMigration(vm0.ID, 1)
	require.Error(t, err)

	// The rejected migration is a no-op.
	assert.False(t, vm0.Migrating)
	assert.Equal(t, simapi.MachineID(0), vm0.Machine)
	source, err := f.MachineByID(0)
	require.NoError(t, err)
	assert.Equal(t, 1, source.VMCount())
	assert.NoError(t, f.CheckInvariants())
}

func TestFleet_StateChangeFlags(t *testing.T) {
	f := newTestFleet(t)
	_, err := f.AddMachine(machineInfo(0, simapi.X86, 64))
	require.NoError(t, err)

	require.NoError(t, f.MarkStateChanging(0))
	machine, err := f.MachineByID(0)
	require.NoError(t, err)
	assert.True(t, machine.ChangingState)

	// Double-issue is a bug, not a race.
	assert.Error(t, f.MarkStateChanging(0))

	require.NoError(t, f.MarkStateChangeDone(0))
	machine, err = f.MachineByID(0)
	require.NoError(t, err)
	assert.False(t, machine.ChangingState)

	var stale *schederrors.ErrStaleCallback
	assert.ErrorAs(t, f.MarkStateChangeDone(0), &stale)
}

func TestFleet_RemoveVM(t *testing.T) {
	f := newTestFleet(t)
	_, err := f.AddMachine(machineInfo(0, simapi.X86, 64))
	require.NoError(t, err)
	vm, err := f.CreateVM(0, simapi.Linux, simapi.X86, 0)
	require.NoError(t, err)
	_, err = f.AssignTask(taskInfo(1, simapi.X86, simapi.Linux, 4), vm.ID, simapi.LowPriority)
	require.NoError(t, err)

	assert.Error(t, f.RemoveVM(vm.ID))

	_, err = f.UnassignTask(1)
	require.NoError(t, err)
	require.NoError(t, f.RemoveVM(vm.ID))

	machine, err := f.MachineByID(0)
	require.NoError(t, err)
	assert.Zero(t, machine.VMCount())
	assert.Zero(t, f.MemoryUsed(machine))
	assert.NoError(t, f.CheckInvariants())
}
