// Package placement decides where newly arrived tasks run. Placement walks
// machines in ranked order, reusing an existing VM when it can and creating
// one when it must; when no Active machine fits, it wakes capacity through
// the power controller and parks the task on a retry queue until the wake-up
// completes.
package placement

import (
	"github.com/pkg/errors"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/common/schederrors"
	"github.com/greensched/greensched/internal/common/slices"
	"github.com/greensched/greensched/internal/scheduler/capacity"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/power"
	"github.com/greensched/greensched/internal/scheduler/priority"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

type Engine struct {
	fleet    *fleet.Fleet
	cluster  simapi.Cluster
	actuator simapi.Actuator
	power    *power.Controller
	config   configuration.SchedulingConfig
	queue    *RetryQueue
}

func NewEngine(
	f *fleet.Fleet,
	cluster simapi.Cluster,
	actuator simapi.Actuator,
	powerController *power.Controller,
	config configuration.SchedulingConfig,
) *Engine {
	return &Engine{
		fleet:    f,
		cluster:  cluster,
		actuator: actuator,
		power:    powerController,
		config:   config,
		queue:    NewRetryQueue(),
	}
}

// Queue exposes the retry queue for inspection by tests and metrics.
func (e *Engine) Queue() *RetryQueue {
	return e.queue
}

// Place attempts to place the task on an Active machine of the required CPU
// family. If no Active machine fits, capacity is woken asynchronously and the
// task queued for retry; Place never blocks waiting for a state change.
// Reports whether the task is now running on a VM.
func (e *Engine) Place(ctx *schedcontext.Context, now simapi.Time, taskID simapi.TaskID) (bool, error) {
	if _, err := e.fleet.TaskByID(taskID); err == nil {
		// Duplicate delivery of an already placed task is a no-op.
		ctx.Log.WithField("task", taskID).Info("task is already placed, ignoring duplicate arrival")
		return true, nil
	}
	task, err := e.cluster.GetTaskInfo(taskID)
	if err != nil {
		return false, errors.WithMessagef(err, "cannot place task %d", taskID)
	}
	prio := priority.ForSLA(task.SLA)

	candidates := e.activeCandidates(task)
	for _, machine := range candidates {
		placed, err := e.tryMachine(ctx, machine, task, prio)
		if err != nil {
			return false, err
		}
		if placed {
			return true, nil
		}
	}
	return false, e.wakeCapacityFor(ctx, now, task)
}

// activeCandidates returns the Active machines of the task's family that are
// not mid state change, best ranked first.
func (e *Engine) activeCandidates(task simapi.TaskInfo) []*fleet.Machine {
	rv := slices.Filter(e.fleet.MachinesOfTier(task.Family, simapi.TierActive), func(machine *fleet.Machine) bool {
		return !machine.ChangingState
	})
	capacity.RankForTask(rv, task)
	return rv
}

// tryMachine attempts to put the task on the machine, first on an existing
// compatible VM, then on a fresh one.
func (e *Engine) tryMachine(ctx *schedcontext.Context, machine *fleet.Machine, task simapi.TaskInfo, prio simapi.Priority) (bool, error) {
	if e.fleet.FreeMemory(machine) < task.Memory {
		return false, nil
	}
	fits, err := capacity.FitsOnMachine(e.fleet, e.cluster, machine, task)
	if err != nil {
		return false, err
	}
	if !fits {
		return false, nil
	}

	vms, err := e.fleet.VMsOn(machine.ID)
	if err != nil {
		return false, err
	}
	for _, vm := range vms {
		if !capacity.CanHostTaskOnVM(vm, task, e.config) {
			continue
		}
		return true, e.addTask(ctx, vm, task, prio)
	}

	if !capacity.CanCreateVMOn(e.fleet, machine, task, e.config) {
		return false, nil
	}
	vm, err := e.createVM(ctx, machine, task)
	if err != nil {
		return false, err
	}
	return true, e.addTask(ctx, vm, task, prio)
}

func (e *Engine) createVM(ctx *schedcontext.Context, machine *fleet.Machine, task simapi.TaskInfo) (*fleet.VM, error) {
	vmID, err := e.actuator.CreateVM(task.VMType, task.Family)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s/%s vm", task.Family, task.VMType)
	}
	if err := e.actuator.AttachVM(vmID, machine.ID); err != nil {
		return nil, errors.WithMessagef(err, "failed to attach vm %d to machine %d", vmID, machine.ID)
	}
	vm, err := e.fleet.CreateVM(vmID, task.VMType, task.Family, machine.ID)
	if err != nil {
		return nil, err
	}
	ctx.Log.WithField("vm", vmID).Debugf("created %s/%s vm on machine %d", task.Family, task.VMType, machine.ID)
	return vm, nil
}

func (e *Engine) addTask(ctx *schedcontext.Context, vm *fleet.VM, task simapi.TaskInfo, prio simapi.Priority) error {
	if err := e.actuator.AddTaskToVM(vm.ID, task.ID, prio); err != nil {
		return errors.WithMessagef(err, "failed to add task %d to vm %d", task.ID, vm.ID)
	}
	if _, err := e.fleet.AssignTask(task, vm.ID, prio); err != nil {
		return err
	}
	ctx.Log.WithField("task", task.ID).Debugf(
		"placed on vm %d on machine %d with priority %s", vm.ID, vm.Machine, prio,
	)
	return nil
}

// wakeCapacityFor queues the task and wakes capacity for it: first the
// best-ranked Standby machine of the family, else an Off machine brought up
// to Standby. If the family has no machines anywhere the placement is
// unsatisfiable; the task stays queued and the condition is logged loudly.
func (e *Engine) wakeCapacityFor(ctx *schedcontext.Context, now simapi.Time, task simapi.TaskInfo) error {
	e.queue.Enqueue(now, task.ID)

	if len(e.fleet.MachinesOfFamily(task.Family)) == 0 {
		// The task stays queued; the condition is surfaced so the caller can
		// account for it, but it is not a handler failure.
		err := &schederrors.ErrUnsatisfiablePlacement{
			TaskID:      int(task.ID),
			Requirement: "no machine of family " + task.Family.String() + " exists in the fleet",
		}
		ctx.Log.WithField("task", task.ID).Error(err.Error())
		return err
	}

	promoted, err := e.power.PromoteStandby(ctx, task.Family)
	if err != nil {
		return err
	}
	if promoted {
		ctx.Log.WithField("task", task.ID).Debug("queued awaiting standby wake-up")
		return nil
	}
	if e.fleet.TierCount(task.Family, simapi.TierStandby) > 0 {
		// Standby machines exist but are already mid transition; the queued
		// task rides the wake-up that is in flight.
		ctx.Log.WithField("task", task.ID).Debug("queued awaiting in-flight state change")
		return nil
	}
	promoted, err = e.power.PromoteOff(ctx, task.Family)
	if err != nil {
		return err
	}
	if promoted {
		ctx.Log.WithField("task", task.ID).Debug("queued awaiting off -> standby promotion")
		return nil
	}
	ctx.Log.WithField("task", task.ID).Info("no capacity can be woken, task stays queued")
	return nil
}

// DrainRetryQueue re-attempts every queued task in arrival order. Tasks that
// still do not fit are re-queued with their original enqueue time. Tasks the
// simulator no longer knows about are dropped.
func (e *Engine) DrainRetryQueue(ctx *schedcontext.Context, now simapi.Time) (int, error) {
	placed := 0
	for _, entry := range e.queue.Snapshot() {
		e.queue.Remove(entry.TaskID)
		if _, err := e.cluster.GetTaskInfo(entry.TaskID); err != nil {
			ctx.Log.WithField("task", entry.TaskID).Info("dropping queued task no longer known to the simulator")
			continue
		}
		ok, err := e.Place(ctx, entry.Enqueued, entry.TaskID)
		if err != nil {
			var unsat *schederrors.ErrUnsatisfiablePlacement
			if errors.As(err, &unsat) {
				// Still impossible; the task was re-queued above.
				continue
			}
			return placed, err
		}
		if ok {
			placed++
		} else {
			// Preserve the original position in the retry order.
			e.queue.Enqueue(entry.Enqueued, entry.TaskID)
		}
	}
	return placed, nil
}
