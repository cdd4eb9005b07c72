package fleet

import (
	"golang.org/x/exp/maps"

	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// VM is the fleet model's record of one virtual machine.
type VM struct {
	ID     simapi.VMID
	Type   simapi.VMType
	Family simapi.CPUFamily
	// Machine the VM is attached to. During a migration this is the sink
	// machine: the fleet re-targets the VM when the migration is issued, not
	// when it completes.
	Machine simapi.MachineID
	// True iff a MigrateVM call has been issued for which no MigrationDone
	// has yet been received. A migrating VM accepts no new tasks and is not
	// chosen as a migration source.
	Migrating bool
	// Ids of the tasks currently assigned to the VM.
	Tasks map[simapi.TaskID]bool
	// Total memory demand of the VM's tasks, excluding the per-VM overhead.
	Memory uint64
}

// TaskCount returns the number of tasks assigned to the VM.
func (vm *VM) TaskCount() int {
	return len(vm.Tasks)
}

// TaskIDs returns the ids of the tasks assigned to the VM.
func (vm *VM) TaskIDs() []simapi.TaskID {
	return maps.Keys(vm.Tasks)
}

// Task is the fleet model's record of one live task. All fields except VM and
// Priority are fixed at arrival.
type Task struct {
	ID     simapi.TaskID
	Family simapi.CPUFamily
	VMType simapi.VMType
	SLA    simapi.SLAClass
	// Memory demand in memory units.
	Memory            uint64
	TotalInstructions uint64
	Arrival           simapi.Time
	TargetCompletion  simapi.Time
	GPUCapable        bool

	// VM the task is assigned to.
	VM simapi.VMID
	// Priority last written through the actuator.
	Priority simapi.Priority
}
