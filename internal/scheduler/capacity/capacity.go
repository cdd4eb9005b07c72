// Package capacity contains the pure predicates and projections the
// placement and consolidation engines use to decide whether a machine or VM
// can take more work, and the comparator that ranks machines for placement.
package capacity

import (
	"math"
	"time"

	"golang.org/x/exp/slices"

	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// CanHostTaskOnVM reports whether the VM can take the task: matching type and
// family, below the per-VM task limit, and not mid-migration.
func CanHostTaskOnVM(vm *fleet.VM, task simapi.TaskInfo, config configuration.SchedulingConfig) bool {
	return vm.Type == task.VMType &&
		vm.Family == task.Family &&
		vm.TaskCount() < config.MaxTasksPerVM &&
		!vm.Migrating
}

// CanCreateVMOn reports whether the machine can take a fresh VM for the task:
// below the per-machine VM limit, with memory left for the VM overhead plus
// the prospective task.
func CanCreateVMOn(f *fleet.Fleet, machine *fleet.Machine, task simapi.TaskInfo, config configuration.SchedulingConfig) bool {
	if machine.VMCount() >= config.MaxVMsPerMachine {
		return false
	}
	return f.FreeMemory(machine) >= config.VMMemoryOverhead+task.Memory
}

// CanHostVM reports whether the machine can take the given existing VM as a
// migration sink: same family, below the VM limit, memory left for the VM's
// demand plus overhead, and no state change in flight.
func CanHostVM(f *fleet.Fleet, machine *fleet.Machine, vm *fleet.VM, config configuration.SchedulingConfig) bool {
	if machine.ChangingState || machine.Family != vm.Family {
		return false
	}
	if machine.VMCount() >= config.MaxVMsPerMachine {
		return false
	}
	return f.FreeMemory(machine) >= vm.Memory+config.VMMemoryOverhead
}

// TaskRate returns the instruction rate, in instructions per microsecond, the
// task needs to finish its remaining work within its original completion
// budget. One MIPS is one instruction per microsecond, so rates divide
// directly by MIPS capacity.
func TaskRate(info simapi.TaskInfo) float64 {
	budget := info.TargetCompletion - info.Arrival
	if budget <= 0 {
		return math.Inf(1)
	}
	return float64(info.RemainingInstructions) / float64(budget)
}

// Utilization returns the fraction of the machine's instruction budget
// consumed by its current task set: each task's rate divided by the MIPS of
// the machine's current performance state across all cores, summed. Values
// above 1.0 mean the machine cannot meet every task's completion target.
func Utilization(f *fleet.Fleet, cluster simapi.Cluster, machine *fleet.Machine) (float64, error) {
	info, err := cluster.GetMachineInfo(machine.ID)
	if err != nil {
		return 0, err
	}
	mips := machineMIPS(machine, info.PState)
	if mips <= 0 {
		return math.Inf(1), nil
	}
	var sum float64
	vms, err := f.VMsOn(machine.ID)
	if err != nil {
		return 0, err
	}
	for _, vm := range vms {
		for _, taskID := range vm.TaskIDs() {
			taskInfo, err := cluster.GetTaskInfo(taskID)
			if err != nil {
				return 0, err
			}
			sum += TaskRate(taskInfo) / mips
		}
	}
	return sum, nil
}

// FitsOnMachine reports whether adding the task would keep the machine's
// projected utilization at or below 1.0.
func FitsOnMachine(f *fleet.Fleet, cluster simapi.Cluster, machine *fleet.Machine, task simapi.TaskInfo) (bool, error) {
	util, err := Utilization(f, cluster, machine)
	if err != nil {
		return false, err
	}
	info, err := cluster.GetMachineInfo(machine.ID)
	if err != nil {
		return false, err
	}
	mips := machineMIPS(machine, info.PState)
	if mips <= 0 {
		return false, nil
	}
	return util+TaskRate(task)/mips <= 1.0, nil
}

// VMFitsOnMachine reports whether taking the whole VM would keep the
// machine's projected utilization at or below 1.0.
func VMFitsOnMachine(f *fleet.Fleet, cluster simapi.Cluster, machine *fleet.Machine, vm *fleet.VM) (bool, error) {
	util, err := Utilization(f, cluster, machine)
	if err != nil {
		return false, err
	}
	info, err := cluster.GetMachineInfo(machine.ID)
	if err != nil {
		return false, err
	}
	mips := machineMIPS(machine, info.PState)
	if mips <= 0 {
		return false, nil
	}
	for _, taskID := range vm.TaskIDs() {
		taskInfo, err := cluster.GetTaskInfo(taskID)
		if err != nil {
			return false, err
		}
		util += TaskRate(taskInfo) / mips
	}
	return util <= 1.0, nil
}

// RemainingRunTime returns how long the VM's tasks would take to finish on
// the host running flat out: remaining instructions over MIPS at P0 across
// all cores.
func RemainingRunTime(cluster simapi.Cluster, host *fleet.Machine, vm *fleet.VM) (time.Duration, error) {
	mips := machineMIPS(host, simapi.P0)
	if mips <= 0 {
		return 0, nil
	}
	var remaining uint64
	for _, taskID := range vm.TaskIDs() {
		info, err := cluster.GetTaskInfo(taskID)
		if err != nil {
			return 0, err
		}
		remaining += info.RemainingInstructions
	}
	return time.Duration(float64(remaining)/mips) * time.Microsecond, nil
}

func machineMIPS(machine *fleet.Machine, pstate simapi.PerfState) float64 {
	if int(pstate) >= len(machine.Performance) {
		return 0
	}
	return float64(machine.Performance[pstate]) * float64(machine.NumCores)
}

// Less is the machine ranking contract: higher efficiency first, then Active
// before Standby before Off, then fewer VMs, then lower id.
func Less(a, b *fleet.Machine) bool {
	if a.Efficiency != b.Efficiency {
		return a.Efficiency > b.Efficiency
	}
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	if a.VMCount() != b.VMCount() {
		return a.VMCount() < b.VMCount()
	}
	return a.ID < b.ID
}

// Rank sorts machines by the Less contract, best candidate first.
func Rank(machines []*fleet.Machine) {
	slices.SortFunc(machines, Less)
}

// RankForTask sorts machines as Rank does, but between machines of equal
// efficiency and tier prefers hosts whose GPU presence matches the task's GPU
// capability, so GPU machines are held back for tasks that can use them.
func RankForTask(machines []*fleet.Machine, task simapi.TaskInfo) {
	slices.SortFunc(machines, func(a, b *fleet.Machine) bool {
		if a.Efficiency != b.Efficiency {
			return a.Efficiency > b.Efficiency
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.GPU != b.GPU {
			return (a.GPU == task.GPUCapable) && (b.GPU != task.GPUCapable)
		}
		if a.VMCount() != b.VMCount() {
			return a.VMCount() < b.VMCount()
		}
		return a.ID < b.ID
	})
}
