// Package fleet holds the scheduler's in-memory model of the cluster:
// machines, VMs, tasks, the relationships between them, and the flags
// tracking in-flight asynchronous transitions. All components mutate the
// model exclusively through Fleet methods; every mutator either completes
// fully, leaving all model invariants intact, or returns an error having
// changed nothing.
package fleet

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/greensched/greensched/internal/common/schederrors"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

const machinesTable = "machines"

func fleetSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			machinesTable: {
				Name: machinesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"family": {
						Name:    "family",
						Indexer: &memdb.IntFieldIndex{Field: "Family"},
					},
					"family_tier": {
						Name: "family_tier",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "Family"},
								&memdb.IntFieldIndex{Field: "Tier"},
							},
						},
					},
				},
			},
		},
	}
}

// Fleet is the in-memory cluster model. Machines live in a memdb table so the
// placement and consolidation engines can scan them by family and tier; VMs
// and tasks are plain registries since the core is single-threaded and only
// ever looks them up by id.
//
// Machines returned by Fleet accessors are snapshots and must not be modified
// by callers; mutation goes through Fleet methods, which replace the stored
// record copy-on-write.
type Fleet struct {
	db     *memdb.MemDB
	config configuration.SchedulingConfig
	vms    map[simapi.VMID]*VM
	tasks  map[simapi.TaskID]*Task
}

func New(config configuration.SchedulingConfig) (*Fleet, error) {
	db, err := memdb.NewMemDB(fleetSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Fleet{
		db:     db,
		config: config,
		vms:    make(map[simapi.VMID]*VM),
		tasks:  make(map[simapi.TaskID]*Task),
	}, nil
}

// AddMachine registers a machine at Init. Machines start in the Active tier;
// the power controller applies the initial tiered split afterwards.
func (f *Fleet) AddMachine(info simapi.MachineInfo) (*Machine, error) {
	txn := f.db.Txn(true)
	defer txn.Abort()
	if existing, err := txn.First(machinesTable, "id", info.ID); err != nil {
		return nil, errors.WithStack(err)
	} else if existing != nil {
		return nil, errors.Errorf("machine %d already registered", info.ID)
	}
	machine := &Machine{
		ID:          info.ID,
		Family:      info.Family,
		NumCores:    info.NumCores,
		MemorySize:  info.MemorySize,
		Performance: slices.Clone(info.Performance),
		SleepPower:  slices.Clone(info.SleepPower),
		GPU:         info.GPU,
		Efficiency:  efficiency(info),
		Tier:        simapi.TierActive,
		VMs:         make(map[simapi.VMID]bool),
	}
	if err := txn.Insert(machinesTable, machine); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return machine, nil
}

// MachineByID returns the machine with the given id.
func (f *Fleet) MachineByID(id simapi.MachineID) (*Machine, error) {
	txn := f.db.Txn(false)
	raw, err := txn.First(machinesTable, "id", id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, &schederrors.ErrNotFound{Kind: "machine", ID: int(id)}
	}
	return raw.(*Machine), nil
}

// AllMachines returns every machine in the fleet in id order.
func (f *Fleet) AllMachines() []*Machine {
	txn := f.db.Txn(false)
	it, err := txn.Get(machinesTable, "id")
	if err != nil {
		panic(errors.WithStack(err))
	}
	var rv []*Machine
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rv = append(rv, raw.(*Machine))
	}
	return rv
}

// MachinesOfFamily returns every machine of the given CPU family.
func (f *Fleet) MachinesOfFamily(family simapi.CPUFamily) []*Machine {
	txn := f.db.Txn(false)
	it, err := txn.Get(machinesTable, "family", family)
	if err != nil {
		panic(errors.WithStack(err))
	}
	var rv []*Machine
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rv = append(rv, raw.(*Machine))
	}
	return rv
}

// MachinesOfTier returns every machine of the given CPU family in the given tier.
func (f *Fleet) MachinesOfTier(family simapi.CPUFamily, tier simapi.Tier) []*Machine {
	txn := f.db.Txn(false)
	it, err := txn.Get(machinesTable, "family_tier", family, tier)
	if err != nil {
		panic(errors.WithStack(err))
	}
	var rv []*Machine
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rv = append(rv, raw.(*Machine))
	}
	return rv
}

// TierCount returns the number of machines of the family in the tier.
func (f *Fleet) TierCount(family simapi.CPUFamily, tier simapi.Tier) int {
	return len(f.MachinesOfTier(family, tier))
}

// updateMachine replaces the stored machine record with a mutated copy.
func (f *Fleet) updateMachine(id simapi.MachineID, mutate func(*Machine) error) error {
	txn := f.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(machinesTable, "id", id)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return &schederrors.ErrNotFound{Kind: "machine", ID: int(id)}
	}
	machine := raw.(*Machine).unsafeCopy()
	if err := mutate(machine); err != nil {
		return err
	}
	if err := txn.Insert(machinesTable, machine); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// SetTier moves the machine into the given tier.
func (f *Fleet) SetTier(id simapi.MachineID, tier simapi.Tier) error {
	return f.updateMachine(id, func(machine *Machine) error {
		machine.Tier = tier
		return nil
	})
}

// MarkStateChanging records that a SetMachineState call has been issued for
// the machine. No placement, attachment or demotion may target the machine
// until MarkStateChangeDone.
func (f *Fleet) MarkStateChanging(id simapi.MachineID) error {
	return f.updateMachine(id, func(machine *Machine) error {
		if machine.ChangingState {
			return &schederrors.ErrInvariantViolation{
				Message: fmt.Sprintf("machine %d already has a state change in flight", id),
			}
		}
		machine.ChangingState = true
		return nil
	})
}

// MarkStateChangeDone clears the in-flight state change flag. Returns
// ErrStaleCallback if no state change was in flight.
func (f *Fleet) MarkStateChangeDone(id simapi.MachineID) error {
	stale := false
	err := f.updateMachine(id, func(machine *Machine) error {
		if !machine.ChangingState {
			stale = true
		}
		machine.ChangingState = false
		return nil
	})
	if err != nil {
		return err
	}
	if stale {
		return &schederrors.ErrStaleCallback{Kind: "machine", ID: int(id)}
	}
	return nil
}

// CreateVM registers a VM freshly created through the actuator and attaches
// it to the machine.
func (f *Fleet) CreateVM(id simapi.VMID, vmType simapi.VMType, family simapi.CPUFamily, machineID simapi.MachineID) (*VM, error) {
	if _, ok := f.vms[id]; ok {
		return nil, errors.Errorf("vm %d already registered", id)
	}
	vm := &VM{
		ID:      id,
		Type:    vmType,
		Family:  family,
		Machine: machineID,
		Tasks:   make(map[simapi.TaskID]bool),
	}
	if err := f.attach(vm, machineID); err != nil {
		return nil, err
	}
	f.vms[id] = vm
	return vm, nil
}

// attach adds the VM to the machine's VM set, enforcing family, VM-count and
// memory bounds.
func (f *Fleet) attach(vm *VM, machineID simapi.MachineID) error {
	machine, err := f.MachineByID(machineID)
	if err != nil {
		return err
	}
	if machine.Family != vm.Family {
		return errors.Errorf(
			"cannot attach %s vm %d to %s machine %d",
			vm.Family, vm.ID, machine.Family, machine.ID,
		)
	}
	if machine.VMCount() >= f.config.MaxVMsPerMachine {
		return &schederrors.ErrCapacityExceeded{
			MachineID: int(machineID),
			Message:   fmt.Sprintf("vm count is at the limit of %d", f.config.MaxVMsPerMachine),
		}
	}
	need := vm.Memory + f.config.VMMemoryOverhead
	if free := f.FreeMemory(machine); free < need {
		return &schederrors.ErrCapacityExceeded{
			MachineID: int(machineID),
			Message:   fmt.Sprintf("vm %d needs %d memory units but only %d are free", vm.ID, need, free),
		}
	}
	if err := f.updateMachine(machineID, func(machine *Machine) error {
		machine.VMs[vm.ID] = true
		return nil
	}); err != nil {
		return err
	}
	vm.Machine = machineID
	return nil
}

// detach removes the VM from the machine's VM set.
func (f *Fleet) detach(vm *VM, machineID simapi.MachineID) error {
	if vm.Machine != machineID {
		return errors.Errorf("vm %d is on machine %d, not machine %d", vm.ID, vm.Machine, machineID)
	}
	return f.updateMachine(machineID, func(machine *Machine) error {
		if !machine.VMs[vm.ID] {
			return &schederrors.ErrInvariantViolation{
				Message: fmt.Sprintf("machine %d does not list vm %d", machineID, vm.ID),
			}
		}
		delete(machine.VMs, vm.ID)
		return nil
	})
}

// BeginMigration re-targets the VM from its current machine to the sink:
// marks it migrating, detaches it from the source, attaches it to the sink
// and records the in-flight migration on the sink. Callers verify sink
// capacity beforehand; the capacity bounds are re-enforced here so a failed
// migration leaves the model unchanged.
func (f *Fleet) BeginMigration(vmID simapi.VMID, sink simapi.MachineID) error {
	vm, err := f.VMByID(vmID)
	if err != nil {
		return err
	}
	if vm.Migrating {
		return errors.Errorf("vm %d is already migrating", vmID)
	}
	source := vm.Machine
	if source == sink {
		return errors.Errorf("vm %d is already on machine %d", vmID, sink)
	}
	if err := f.detach(vm, source); err != nil {
		return err
	}
	if err := f.attach(vm, sink); err != nil {
		// Roll the detach back so a rejected migration is a no-op.
		if rbErr := f.updateMachine(source, func(machine *Machine) error {
			machine.VMs[vm.ID] = true
			return nil
		}); rbErr != nil {
			return multierror.Append(err, rbErr)
		}
		vm.Machine = source
		return err
	}
	vm.Migrating = true
	return f.updateMachine(sink, func(machine *Machine) error {
		machine.InboundMigrations++
		return nil
	})
}

// CompleteMigration clears the VM's migrating flag and the sink's in-flight
// count. Returns the VM so the caller can decide whether it is now empty.
func (f *Fleet) CompleteMigration(vmID simapi.VMID) (*VM, error) {
	vm, ok := f.vms[vmID]
	if !ok {
		return nil, &schederrors.ErrStaleCallback{Kind: "vm", ID: int(vmID)}
	}
	if !vm.Migrating {
		return nil, &schederrors.ErrStaleCallback{Kind: "vm", ID: int(vmID)}
	}
	vm.Migrating = false
	err := f.updateMachine(vm.Machine, func(machine *Machine) error {
		if machine.InboundMigrations <= 0 {
			return &schederrors.ErrInvariantViolation{
				Message: fmt.Sprintf("machine %d has no in-flight migrations to complete", vm.Machine),
			}
		}
		machine.InboundMigrations--
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vm, nil
}

// RemoveVM detaches an empty VM from its machine and deletes its record.
func (f *Fleet) RemoveVM(vmID simapi.VMID) error {
	vm, ok := f.vms[vmID]
	if !ok {
		return &schederrors.ErrNotFound{Kind: "vm", ID: int(vmID)}
	}
	if vm.TaskCount() > 0 {
		return errors.Errorf("vm %d still has %d tasks", vmID, vm.TaskCount())
	}
	if err := f.detach(vm, vm.Machine); err != nil {
		return err
	}
	delete(f.vms, vmID)
	return nil
}

// VMByID returns the VM with the given id.
func (f *Fleet) VMByID(id simapi.VMID) (*VM, error) {
	vm, ok := f.vms[id]
	if !ok {
		return nil, &schederrors.ErrNotFound{Kind: "vm", ID: int(id)}
	}
	return vm, nil
}

// VMsOn returns the VMs attached to the machine.
func (f *Fleet) VMsOn(machineID simapi.MachineID) ([]*VM, error) {
	machine, err := f.MachineByID(machineID)
	if err != nil {
		return nil, err
	}
	rv := make([]*VM, 0, machine.VMCount())
	for vmID := range machine.VMs {
		vm, ok := f.vms[vmID]
		if !ok {
			return nil, &schederrors.ErrInvariantViolation{
				Message: fmt.Sprintf("machine %d lists unknown vm %d", machineID, vmID),
			}
		}
		rv = append(rv, vm)
	}
	slices.SortFunc(rv, func(a, b *VM) bool { return a.ID < b.ID })
	return rv, nil
}

// AssignTask assigns a task to the VM, enforcing the VM-side and machine-side
// capacity bounds. A second arrival for an id already in the model is
// reported as a duplicate so the caller can treat it as a no-op.
func (f *Fleet) AssignTask(info simapi.TaskInfo, vmID simapi.VMID, priority simapi.Priority) (*Task, error) {
	if _, ok := f.tasks[info.ID]; ok {
		return nil, errors.Errorf("task %d is already assigned", info.ID)
	}
	vm, ok := f.vms[vmID]
	if !ok {
		return nil, &schederrors.ErrNotFound{Kind: "vm", ID: int(vmID)}
	}
	if vm.Migrating {
		return nil, errors.Errorf("vm %d is migrating and accepts no new tasks", vmID)
	}
	if vm.Type != info.VMType || vm.Family != info.Family {
		return nil, errors.Errorf(
			"task %d requires %s/%s but vm %d is %s/%s",
			info.ID, info.Family, info.VMType, vmID, vm.Family, vm.Type,
		)
	}
	if vm.TaskCount() >= f.config.MaxTasksPerVM {
		return nil, &schederrors.ErrCapacityExceeded{
			MachineID: int(vm.Machine),
			Message:   fmt.Sprintf("vm %d task count is at the limit of %d", vmID, f.config.MaxTasksPerVM),
		}
	}
	machine, err := f.MachineByID(vm.Machine)
	if err != nil {
		return nil, err
	}
	if free := f.FreeMemory(machine); free < info.Memory {
		return nil, &schederrors.ErrCapacityExceeded{
			MachineID: int(machine.ID),
			Message:   fmt.Sprintf("task %d needs %d memory units but only %d are free", info.ID, info.Memory, free),
		}
	}
	task := &Task{
		ID:                info.ID,
		Family:            info.Family,
		VMType:            info.VMType,
		SLA:               info.SLA,
		Memory:            info.Memory,
		TotalInstructions: info.TotalInstructions,
		Arrival:           info.Arrival,
		TargetCompletion:  info.TargetCompletion,
		GPUCapable:        info.GPUCapable,
		VM:                vmID,
		Priority:          priority,
	}
	vm.Tasks[task.ID] = true
	vm.Memory += task.Memory
	f.tasks[task.ID] = task
	return task, nil
}

// UnassignTask removes the task from its VM and deletes its record. Returns
// the removed task so the caller can inspect the VM it ran on.
func (f *Fleet) UnassignTask(taskID simapi.TaskID) (*Task, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, &schederrors.ErrNotFound{Kind: "task", ID: int(taskID)}
	}
	vm, ok := f.vms[task.VM]
	if !ok {
		return nil, &schederrors.ErrInvariantViolation{
			Message: fmt.Sprintf("task %d is assigned to unknown vm %d", taskID, task.VM),
		}
	}
	delete(vm.Tasks, taskID)
	vm.Memory -= task.Memory
	delete(f.tasks, taskID)
	return task, nil
}

// TaskByID returns the task with the given id.
func (f *Fleet) TaskByID(id simapi.TaskID) (*Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, &schederrors.ErrNotFound{Kind: "task", ID: int(id)}
	}
	return task, nil
}

// SetTaskPriority records the priority last written through the actuator.
func (f *Fleet) SetTaskPriority(id simapi.TaskID, priority simapi.Priority) error {
	task, ok := f.tasks[id]
	if !ok {
		return &schederrors.ErrNotFound{Kind: "task", ID: int(id)}
	}
	task.Priority = priority
	return nil
}

// LiveTasks returns every task currently assigned, in id order.
func (f *Fleet) LiveTasks() []*Task {
	rv := make([]*Task, 0, len(f.tasks))
	for _, task := range f.tasks {
		rv = append(rv, task)
	}
	slices.SortFunc(rv, func(a, b *Task) bool { return a.ID < b.ID })
	return rv
}

// AllVMs returns every VM in the fleet, in id order.
func (f *Fleet) AllVMs() []*VM {
	rv := make([]*VM, 0, len(f.vms))
	for _, vm := range f.vms {
		rv = append(rv, vm)
	}
	slices.SortFunc(rv, func(a, b *VM) bool { return a.ID < b.ID })
	return rv
}

// MemoryUsed returns the memory consumed on the machine: every attached VM's
// task demand plus the per-VM overhead.
func (f *Fleet) MemoryUsed(machine *Machine) uint64 {
	var used uint64
	for vmID := range machine.VMs {
		if vm, ok := f.vms[vmID]; ok {
			used += vm.Memory + f.config.VMMemoryOverhead
		}
	}
	return used
}

// FreeMemory returns the memory still available on the machine.
func (f *Fleet) FreeMemory(machine *Machine) uint64 {
	used := f.MemoryUsed(machine)
	if used >= machine.MemorySize {
		return 0
	}
	return machine.MemorySize - used
}

// CheckInvariants verifies every relationship redundantly stored in the
// model. It is called by tests after every event and returns all violations
// found, not just the first.
func (f *Fleet) CheckInvariants() error {
	var result *multierror.Error
	violation := func(format string, args ...interface{}) {
		result = multierror.Append(result, &schederrors.ErrInvariantViolation{
			Message: fmt.Sprintf(format, args...),
		})
	}
	machines := f.AllMachines()
	machinesByID := make(map[simapi.MachineID]*Machine, len(machines))
	for _, machine := range machines {
		machinesByID[machine.ID] = machine
		if machine.Tier != simapi.TierActive && machine.Tier != simapi.TierStandby && machine.Tier != simapi.TierOff {
			violation("machine %d has invalid tier %d", machine.ID, machine.Tier)
		}
		if machine.VMCount() > f.config.MaxVMsPerMachine {
			violation("machine %d has %d vms, above the limit of %d", machine.ID, machine.VMCount(), f.config.MaxVMsPerMachine)
		}
		if used := f.MemoryUsed(machine); used > machine.MemorySize {
			violation("machine %d uses %d of %d memory units", machine.ID, used, machine.MemorySize)
		}
		if machine.InboundMigrations < 0 {
			violation("machine %d has negative in-flight migrations", machine.ID)
		}
		for vmID := range machine.VMs {
			vm, ok := f.vms[vmID]
			if !ok {
				violation("machine %d lists unknown vm %d", machine.ID, vmID)
				continue
			}
			if vm.Machine != machine.ID {
				violation("machine %d lists vm %d but the vm points at machine %d", machine.ID, vmID, vm.Machine)
			}
		}
	}
	for _, vm := range f.vms {
		machine, ok := machinesByID[vm.Machine]
		if !ok {
			violation("vm %d is attached to unknown machine %d", vm.ID, vm.Machine)
			continue
		}
		if !machine.VMs[vm.ID] {
			violation("vm %d points at machine %d but the machine does not list it", vm.ID, machine.ID)
		}
		if vm.Family != machine.Family {
			violation("%s vm %d is attached to %s machine %d", vm.Family, vm.ID, machine.Family, machine.ID)
		}
		if vm.TaskCount() > f.config.MaxTasksPerVM {
			violation("vm %d has %d tasks, above the limit of %d", vm.ID, vm.TaskCount(), f.config.MaxTasksPerVM)
		}
		var demand uint64
		for taskID := range vm.Tasks {
			task, ok := f.tasks[taskID]
			if !ok {
				violation("vm %d lists unknown task %d", vm.ID, taskID)
				continue
			}
			if task.VM != vm.ID {
				violation("vm %d lists task %d but the task points at vm %d", vm.ID, taskID, task.VM)
			}
			demand += task.Memory
		}
		if demand != vm.Memory {
			violation("vm %d caches %d memory units of demand but its tasks sum to %d", vm.ID, vm.Memory, demand)
		}
	}
	for _, task := range f.tasks {
		vm, ok := f.vms[task.VM]
		if !ok {
			violation("task %d is assigned to unknown vm %d", task.ID, task.VM)
			continue
		}
		if !vm.Tasks[task.ID] {
			violation("task %d points at vm %d but the vm does not list it", task.ID, task.VM)
		}
		if task.Family != vm.Family {
			violation("%s task %d is assigned to %s vm %d", task.Family, task.ID, vm.Family, vm.ID)
		}
	}
	return result.ErrorOrNil()
}
