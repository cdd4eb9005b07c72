package simapi

// Cluster is the set of info oracles the simulator exposes to the scheduler.
// Lookups for unknown ids return an error; oracles never block.
type Cluster interface {
	MachineCount() int
	GetMachineInfo(id MachineID) (MachineInfo, error)
	GetVMInfo(id VMID) (VMInfo, error)
	GetTaskInfo(id TaskID) (TaskInfo, error)
	RequiredCPUFamily(id TaskID) (CPUFamily, error)
	RequiredVMType(id TaskID) (VMType, error)
	RequiredSLA(id TaskID) (SLAClass, error)
	GetTaskMemory(id TaskID) (uint64, error)
	IsSLAViolation(id TaskID) (bool, error)

	// GetSLAReport returns the percentage of tasks of the given class that
	// violated their SLA so far.
	GetSLAReport(class SLAClass) (float64, error)
	// GetClusterEnergy returns total energy consumed by the cluster so far,
	// in KW-hours.
	GetClusterEnergy() float64
}

// Actuator is the set of primitives through which the scheduler changes
// cluster state. All calls return immediately; MigrateVM and SetMachineState
// complete asynchronously, signalled by the MigrationDone and
// StateChangeComplete callbacks. Nothing issued can be cancelled.
type Actuator interface {
	CreateVM(vmType VMType, family CPUFamily) (VMID, error)
	AttachVM(vm VMID, machine MachineID) error
	AddTaskToVM(vm VMID, task TaskID, priority Priority) error
	RemoveTaskFromVM(vm VMID, task TaskID) error
	MigrateVM(vm VMID, target MachineID) error
	ShutdownVM(vm VMID) error
	SetMachineState(machine MachineID, state SleepState) error
	SetCorePerformance(machine MachineID, core int, state PerfState) error
	SetTaskPriority(task TaskID, priority Priority) error
}
