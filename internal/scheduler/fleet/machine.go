package fleet

import (
	"golang.org/x/exp/maps"

	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// Machine is the fleet model's record of one physical machine. The top block
// of fields is immutable after Init; the bottom block is owned and mutated by
// the scheduler core through Fleet mutators.
type Machine struct {
	ID       simapi.MachineID
	Family   simapi.CPUFamily
	NumCores int
	// Total memory in memory units.
	MemorySize uint64
	// MIPS per core, indexed by performance state.
	Performance []uint64
	// Power draw, indexed by sleep state.
	SleepPower []uint64
	GPU        bool
	// Integer MIPS at P0 over power at S0. Fixed at Init and used as the
	// primary sort key when ranking machines.
	Efficiency uint64

	// Tier the power controller has assigned the machine to.
	Tier simapi.Tier
	// True iff a SetMachineState call has been issued for which no
	// StateChangeComplete has yet been received.
	ChangingState bool
	// Number of in-flight migrations targeting this machine.
	InboundMigrations int
	// Ids of the VMs attached to this machine.
	VMs map[simapi.VMID]bool
}

// unsafeCopy returns a pointer to a new Machine; it is unsafe because it only
// makes shallow copies of the fields Fleet mutators never modify. The memdb
// table stores machines by pointer, so every mutation goes through a copy to
// keep earlier reads consistent.
func (machine *Machine) unsafeCopy() *Machine {
	return &Machine{
		ID:          machine.ID,
		Family:      machine.Family,
		NumCores:    machine.NumCores,
		MemorySize:  machine.MemorySize,
		Performance: machine.Performance,
		SleepPower:  machine.SleepPower,
		GPU:         machine.GPU,
		Efficiency:  machine.Efficiency,

		Tier:              machine.Tier,
		ChangingState:     machine.ChangingState,
		InboundMigrations: machine.InboundMigrations,
		VMs:               maps.Clone(machine.VMs),
	}
}

// VMCount returns the number of VMs attached to the machine.
func (machine *Machine) VMCount() int {
	return len(machine.VMs)
}

func efficiency(info simapi.MachineInfo) uint64 {
	if len(info.Performance) == 0 || len(info.SleepPower) == 0 || info.SleepPower[0] == 0 {
		return 0
	}
	return info.Performance[0] / info.SleepPower[0]
}
