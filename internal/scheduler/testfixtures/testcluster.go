// Package testfixtures provides an in-memory stand-in for the cluster
// simulator: it implements the info oracles and actuators the core consumes
// and lets tests (and the trace replay command) apply completions explicitly,
// mirroring how the real simulator delivers them as later events.
package testfixtures

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// MachineSpec describes one machine of a test cluster.
type MachineSpec struct {
	Family      simapi.CPUFamily
	NumCores    int
	MemorySize  uint64
	Performance []uint64
	SleepPower  []uint64
	GPU         bool
}

type machineState struct {
	spec       MachineSpec
	sstate     simapi.SleepState
	pstate     simapi.PerfState
	memoryUsed uint64
	vms        map[simapi.VMID]bool
}

type vmState struct {
	id       simapi.VMID
	vmType   simapi.VMType
	family   simapi.CPUFamily
	machine  simapi.MachineID
	attached bool
	tasks    map[simapi.TaskID]bool
}

type taskState struct {
	info     simapi.TaskInfo
	vm       simapi.VMID
	placed   bool
	violated bool
}

// TestCluster is an in-memory cluster. MigrateVM and SetMachineState are
// recorded as pending and only take effect when the test calls
// FinishMigration or FinishStateChange, modelling the asynchronous completion
// callbacks of the real simulator.
type TestCluster struct {
	// Memory the simulator charges per VM on attach.
	VMOverhead uint64

	machines []*machineState
	vms      map[simapi.VMID]*vmState
	tasks    map[simapi.TaskID]*taskState
	nextVM   simapi.VMID

	pendingMigrations  map[simapi.VMID]simapi.MachineID
	pendingStateChange map[simapi.MachineID]simapi.SleepState

	energyKWh float64
	// Actuator invocations in order, for assertions on what the core did.
	Calls []string
}

func NewTestCluster(specs ...MachineSpec) *TestCluster {
	tc := &TestCluster{
		VMOverhead:         8,
		vms:                make(map[simapi.VMID]*vmState),
		tasks:              make(map[simapi.TaskID]*taskState),
		pendingMigrations:  make(map[simapi.VMID]simapi.MachineID),
		pendingStateChange: make(map[simapi.MachineID]simapi.SleepState),
	}
	for _, spec := range specs {
		tc.machines = append(tc.machines, &machineState{
			spec:   spec,
			sstate: simapi.S0,
			pstate: simapi.P0,
			vms:    make(map[simapi.VMID]bool),
		})
	}
	return tc
}

// AddTask registers a task with the simulator so the oracles can answer for
// it. Call before delivering the NewTask event to the scheduler.
func (tc *TestCluster) AddTask(info simapi.TaskInfo) {
	if info.RemainingInstructions == 0 {
		info.RemainingInstructions = info.TotalInstructions
	}
	tc.tasks[info.ID] = &taskState{info: info}
}

func (tc *TestCluster) record(format string, args ...interface{}) {
	tc.Calls = append(tc.Calls, fmt.Sprintf(format, args...))
}

// --- simapi.Cluster ---

func (tc *TestCluster) MachineCount() int {
	return len(tc.machines)
}

func (tc *TestCluster) machine(id simapi.MachineID) (*machineState, error) {
	if int(id) < 0 || int(id) >= len(tc.machines) {
		return nil, errors.Errorf("unknown machine %d", id)
	}
	return tc.machines[id], nil
}

func (tc *TestCluster) GetMachineInfo(id simapi.MachineID) (simapi.MachineInfo, error) {
	m, err := tc.machine(id)
	if err != nil {
		return simapi.MachineInfo{}, err
	}
	activeTasks := 0
	for vmID := range m.vms {
		activeTasks += len(tc.vms[vmID].tasks)
	}
	return simapi.MachineInfo{
		ID:          id,
		Family:      m.spec.Family,
		NumCores:    m.spec.NumCores,
		MemorySize:  m.spec.MemorySize,
		MemoryUsed:  m.memoryUsed,
		Performance: slices.Clone(m.spec.Performance),
		SleepPower:  slices.Clone(m.spec.SleepPower),
		GPU:         m.spec.GPU,
		ActiveTasks: activeTasks,
		ActiveVMs:   len(m.vms),
		PState:      m.pstate,
		SState:      m.sstate,
	}, nil
}

func (tc *TestCluster) GetVMInfo(id simapi.VMID) (simapi.VMInfo, error) {
	vm, ok := tc.vms[id]
	if !ok {
		return simapi.VMInfo{}, errors.Errorf("unknown vm %d", id)
	}
	tasks := maps.Keys(vm.tasks)
	slices.Sort(tasks)
	return simapi.VMInfo{
		ID:          vm.id,
		Type:        vm.vmType,
		Family:      vm.family,
		Machine:     vm.machine,
		ActiveTasks: tasks,
	}, nil
}

func (tc *TestCluster) task(id simapi.TaskID) (*taskState, error) {
	task, ok := tc.tasks[id]
	if !ok {
		return nil, errors.Errorf("unknown task %d", id)
	}
	return task, nil
}

func (tc *TestCluster) GetTaskInfo(id simapi.TaskID) (simapi.TaskInfo, error) {
	task, err := tc.task(id)
	if err != nil {
		return simapi.TaskInfo{}, err
	}
	return task.info, nil
}

func (tc *TestCluster) RequiredCPUFamily(id simapi.TaskID) (simapi.CPUFamily, error) {
	task, err := tc.task(id)
	if err != nil {
		return 0, err
	}
	return task.info.Family, nil
}

func (tc *TestCluster) RequiredVMType(id simapi.TaskID) (simapi.VMType, error) {
	task, err := tc.task(id)
	if err != nil {
		return 0, err
	}
	return task.info.VMType, nil
}

func (tc *TestCluster) RequiredSLA(id simapi.TaskID) (simapi.SLAClass, error) {
	task, err := tc.task(id)
	if err != nil {
		return 0, err
	}
	return task.info.SLA, nil
}

func (tc *TestCluster) GetTaskMemory(id simapi.TaskID) (uint64, error) {
	task, err := tc.task(id)
	if err != nil {
		return 0, err
	}
	return task.info.Memory, nil
}

func (tc *TestCluster) IsSLAViolation(id simapi.TaskID) (bool, error) {
	task, err := tc.task(id)
	if err != nil {
		return false, err
	}
	return task.violated, nil
}

func (tc *TestCluster) GetSLAReport(class simapi.SLAClass) (float64, error) {
	total := 0
	violated := 0
	for _, task := range tc.tasks {
		if task.info.SLA != class {
			continue
		}
		total++
		if task.violated {
			violated++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return 100 * float64(violated) / float64(total), nil
}

func (tc *TestCluster) GetClusterEnergy() float64 {
	return tc.energyKWh
}

// --- simapi.Actuator ---

func (tc *TestCluster) CreateVM(vmType simapi.VMType, family simapi.CPUFamily) (simapi.VMID, error) {
	id := tc.nextVM
	tc.nextVM++
	tc.vms[id] = &vmState{
		id:     id,
		vmType: vmType,
		family: family,
		tasks:  make(map[simapi.TaskID]bool),
	}
	tc.record("CreateVM(%s, %s) = %d", vmType, family, id)
	return id, nil
}

func (tc *TestCluster) AttachVM(vmID simapi.VMID, machineID simapi.MachineID) error {
	vm, ok := tc.vms[vmID]
	if !ok {
		return errors.Errorf("unknown vm %d", vmID)
	}
	m, err := tc.machine(machineID)
	if err != nil {
		return err
	}
	if vm.attached {
		return errors.Errorf("vm %d is already attached to machine %d", vmID, vm.machine)
	}
	vm.machine = machineID
	vm.attached = true
	m.vms[vmID] = true
	m.memoryUsed += tc.VMOverhead
	tc.record("AttachVM(%d, %d)", vmID, machineID)
	return nil
}

func (tc *TestCluster) AddTaskToVM(vmID simapi.VMID, taskID simapi.TaskID, priority simapi.Priority) error {
	vm, ok := tc.vms[vmID]
	if !ok {
		return errors.Errorf("unknown vm %d", vmID)
	}
	task, err := tc.task(taskID)
	if err != nil {
		return err
	}
	if task.placed {
		return errors.Errorf("task %d is already on vm %d", taskID, task.vm)
	}
	vm.tasks[taskID] = true
	task.vm = vmID
	task.placed = true
	task.info.Priority = priority
	if vm.attached {
		tc.machines[vm.machine].memoryUsed += task.info.Memory
	}
	tc.record("AddTaskToVM(%d, %d, %s)", vmID, taskID, priority)
	return nil
}

func (tc *TestCluster) RemoveTaskFromVM(vmID simapi.VMID, taskID simapi.TaskID) error {
	vm, ok := tc.vms[vmID]
	if !ok {
		return errors.Errorf("unknown vm %d", vmID)
	}
	if !vm.tasks[taskID] {
		return errors.Errorf("task %d is not on vm %d", taskID, vmID)
	}
	tc.removeTask(vm, taskID)
	tc.record("RemoveTaskFromVM(%d, %d)", vmID, taskID)
	return nil
}

func (tc *TestCluster) removeTask(vm *vmState, taskID simapi.TaskID) {
	task := tc.tasks[taskID]
	delete(vm.tasks, taskID)
	task.placed = false
	if vm.attached {
		tc.machines[vm.machine].memoryUsed -= task.info.Memory
	}
}

func (tc *TestCluster) MigrateVM(vmID simapi.VMID, target simapi.MachineID) error {
	vm, ok := tc.vms[vmID]
	if !ok {
		return errors.Errorf("unknown vm %d", vmID)
	}
	if !vm.attached {
		return errors.Errorf("vm %d is not attached", vmID)
	}
	if _, err := tc.machine(target); err != nil {
		return err
	}
	if _, ok := tc.pendingMigrations[vmID]; ok {
		return errors.Errorf("vm %d is already migrating", vmID)
	}
	tc.pendingMigrations[vmID] = target
	tc.record("MigrateVM(%d, %d)", vmID, target)
	return nil
}

func (tc *TestCluster) ShutdownVM(vmID simapi.VMID) error {
	vm, ok := tc.vms[vmID]
	if !ok {
		return errors.Errorf("unknown vm %d", vmID)
	}
	if vm.attached {
		m := tc.machines[vm.machine]
		delete(m.vms, vmID)
		m.memoryUsed -= tc.VMOverhead
		for taskID := range vm.tasks {
			m.memoryUsed -= tc.tasks[taskID].info.Memory
		}
	}
	delete(tc.vms, vmID)
	delete(tc.pendingMigrations, vmID)
	tc.record("ShutdownVM(%d)", vmID)
	return nil
}

func (tc *TestCluster) SetMachineState(machineID simapi.MachineID, state simapi.SleepState) error {
	if _, err := tc.machine(machineID); err != nil {
		return err
	}
	if _, ok := tc.pendingStateChange[machineID]; ok {
		return errors.Errorf("machine %d already has a state change in flight", machineID)
	}
	tc.pendingStateChange[machineID] = state
	tc.record("SetMachineState(%d, %s)", machineID, state)
	return nil
}

func (tc *TestCluster) SetCorePerformance(machineID simapi.MachineID, core int, state simapi.PerfState) error {
	m, err := tc.machine(machineID)
	if err != nil {
		return err
	}
	if core < 0 || core >= m.spec.NumCores {
		return errors.Errorf("machine %d has no core %d", machineID, core)
	}
	m.pstate = state
	tc.record("SetCorePerformance(%d, %d, %s)", machineID, core, state)
	return nil
}

func (tc *TestCluster) SetTaskPriority(taskID simapi.TaskID, priority simapi.Priority) error {
	task, err := tc.task(taskID)
	if err != nil {
		return err
	}
	task.info.Priority = priority
	tc.record("SetTaskPriority(%d, %s)", taskID, priority)
	return nil
}

// --- test-side drivers ---

// CompleteTask removes the task from its VM, as the simulator does when a
// task finishes. Deliver the TaskComplete event to the scheduler afterwards.
func (tc *TestCluster) CompleteTask(taskID simapi.TaskID) error {
	task, err := tc.task(taskID)
	if err != nil {
		return err
	}
	if task.placed {
		tc.removeTask(tc.vms[task.vm], taskID)
	}
	task.info.RemainingInstructions = 0
	return nil
}

// SetRemainingInstructions overrides the task's remaining work, so tests can
// make a VM look long- or short-lived to the migration policy.
func (tc *TestCluster) SetRemainingInstructions(taskID simapi.TaskID, remaining uint64) error {
	task, err := tc.task(taskID)
	if err != nil {
		return err
	}
	task.info.RemainingInstructions = remaining
	return nil
}

// MarkSLAViolated records the task as having violated its SLA.
func (tc *TestCluster) MarkSLAViolated(taskID simapi.TaskID) error {
	task, err := tc.task(taskID)
	if err != nil {
		return err
	}
	task.violated = true
	return nil
}

// SetEnergy sets the figure GetClusterEnergy reports.
func (tc *TestCluster) SetEnergy(kwh float64) {
	tc.energyKWh = kwh
}

// PendingMigrations returns the VMs with an unfinished migration, in id order.
func (tc *TestCluster) PendingMigrations() []simapi.VMID {
	ids := maps.Keys(tc.pendingMigrations)
	slices.Sort(ids)
	return ids
}

// PendingStateChanges returns the machines with an unfinished state change,
// in id order.
func (tc *TestCluster) PendingStateChanges() []simapi.MachineID {
	ids := maps.Keys(tc.pendingStateChange)
	slices.Sort(ids)
	return ids
}

// FinishMigration applies a pending migration: the VM and its tasks' memory
// move to the target machine. Deliver the MigrationDone event afterwards.
func (tc *TestCluster) FinishMigration(vmID simapi.VMID) error {
	target, ok := tc.pendingMigrations[vmID]
	if !ok {
		return errors.Errorf("vm %d has no migration in flight", vmID)
	}
	vm := tc.vms[vmID]
	moved := tc.VMOverhead
	for taskID := range vm.tasks {
		moved += tc.tasks[taskID].info.Memory
	}
	source := tc.machines[vm.machine]
	delete(source.vms, vmID)
	source.memoryUsed -= moved
	sink := tc.machines[target]
	sink.vms[vmID] = true
	sink.memoryUsed += moved
	vm.machine = target
	delete(tc.pendingMigrations, vmID)
	return nil
}

// FinishStateChange applies a pending machine state change. Deliver the
// StateChangeComplete event afterwards.
func (tc *TestCluster) FinishStateChange(machineID simapi.MachineID) error {
	state, ok := tc.pendingStateChange[machineID]
	if !ok {
		return errors.Errorf("machine %d has no state change in flight", machineID)
	}
	tc.machines[machineID].sstate = state
	delete(tc.pendingStateChange, machineID)
	return nil
}
