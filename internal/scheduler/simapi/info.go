package simapi

// MachineInfo is the simulator's view of a machine. The immutable attributes
// (family, cores, memory size, power and performance tables, GPU presence)
// never change after Init; the rest reflects the machine's live state at the
// time of the oracle call.
type MachineInfo struct {
	ID       MachineID
	Family   CPUFamily
	NumCores int
	// Total memory in memory units.
	MemorySize uint64
	// Memory currently in use, including per-VM overhead.
	MemoryUsed uint64
	// MIPS delivered by one core at each performance state, indexed by PerfState.
	// One MIPS is one instruction per microsecond of simulated time.
	Performance []uint64
	// Power drawn at each sleep state, indexed by SleepState.
	SleepPower []uint64
	GPU        bool

	ActiveTasks int
	ActiveVMs   int
	PState      PerfState
	SState      SleepState
}

// VMInfo is the simulator's view of a VM.
type VMInfo struct {
	ID          VMID
	Type        VMType
	Family      CPUFamily
	Machine     MachineID
	ActiveTasks []TaskID
}

// TaskInfo is the simulator's view of a task. Everything except
// RemainingInstructions and Priority is fixed at arrival.
type TaskInfo struct {
	ID                    TaskID
	Family                CPUFamily
	VMType                VMType
	SLA                   SLAClass
	// Memory demand in memory units.
	Memory                uint64
	TotalInstructions     uint64
	RemainingInstructions uint64
	Arrival               Time
	TargetCompletion      Time
	GPUCapable            bool
	Priority              Priority
}
