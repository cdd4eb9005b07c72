// Package scheduler wires the fleet model, placement, power, consolidation
// and priority components together and adapts the simulator's event
// callbacks onto them. Execution is single-threaded and cooperative: every
// handler runs to completion before the next event is delivered, and nothing
// here ever blocks waiting for simulator state. Work that depends on an
// in-flight state change or migration is queued and picked up when the
// matching completion callback arrives.
package scheduler

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/common/schederrors"
	commonslices "github.com/greensched/greensched/internal/common/slices"
	"github.com/greensched/greensched/internal/scheduler/capacity"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/consolidation"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/placement"
	"github.com/greensched/greensched/internal/scheduler/power"
	"github.com/greensched/greensched/internal/scheduler/priority"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// Scheduler is the scheduler core. One exported method per simulator
// callback; all cluster reads go through the info oracles and all writes
// through the actuator.
type Scheduler struct {
	config        configuration.SchedulingConfig
	cluster       simapi.Cluster
	actuator      simapi.Actuator
	fleet         *fleet.Fleet
	placement     *placement.Engine
	power         *power.Controller
	consolidation *consolidation.Engine
	priority      *priority.Controller
	metrics       *Metrics
	sink          Sink

	// Completions seen since consolidation last ran from TaskComplete.
	completions int
}

func New(
	config configuration.SchedulingConfig,
	cluster simapi.Cluster,
	actuator simapi.Actuator,
	sink Sink,
	registerer prometheus.Registerer,
) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	f, err := fleet.New(config)
	if err != nil {
		return nil, err
	}
	powerController := power.NewController(f, actuator, config)
	return &Scheduler{
		config:        config,
		cluster:       cluster,
		actuator:      actuator,
		fleet:         f,
		placement:     placement.NewEngine(f, cluster, actuator, powerController, config),
		power:         powerController,
		consolidation: consolidation.NewEngine(f, cluster, actuator, powerController, config),
		priority:      priority.NewController(f, actuator, config),
		metrics:       NewMetrics(registerer),
		sink:          sink,
	}, nil
}

// Fleet exposes the fleet model for tests.
func (s *Scheduler) Fleet() *fleet.Fleet {
	return s.fleet
}

// RetryQueue exposes the placement retry queue for tests.
func (s *Scheduler) RetryQueue() *placement.RetryQueue {
	return s.placement.Queue()
}

// Init builds the fleet model from the simulator's machine inventory and
// applies the initial tiered split.
func (s *Scheduler) Init(ctx *schedcontext.Context) error {
	count := s.cluster.MachineCount()
	infos := make([]simapi.MachineInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := s.cluster.GetMachineInfo(simapi.MachineID(i))
		if err != nil {
			return errors.WithMessagef(err, "failed to inventory machine %d", i)
		}
		if _, err := s.fleet.AddMachine(info); err != nil {
			return err
		}
		infos = append(infos, info)
	}
	ctx.Log.Infof("initialized fleet model with %d machines", count)
	byFamily := commonslices.GroupByFunc(infos, func(info simapi.MachineInfo) simapi.CPUFamily {
		return info.Family
	})
	for _, family := range simapi.CPUFamilies {
		ctx.Log.Debugf("%s: %d machines", family, len(byFamily[family]))
	}
	return s.power.ApplyInitialSplit(ctx, s.cluster)
}

// NewTask places a newly arrived task, or queues it and wakes capacity when
// no Active machine fits.
func (s *Scheduler) NewTask(ctx *schedcontext.Context, now simapi.Time, taskID simapi.TaskID) error {
	ctx = schedcontext.WithLogField(ctx, "task", taskID)
	placed, err := s.placement.Place(ctx, now, taskID)
	if err != nil {
		var unsat *schederrors.ErrUnsatisfiablePlacement
		if errors.As(err, &unsat) {
			s.metrics.unsatisfiablePlacements.Inc()
			s.metrics.tasksQueued.Inc()
			s.metrics.retryQueueLength.Set(float64(s.placement.Queue().Len()))
			return nil
		}
		return err
	}
	if placed {
		s.metrics.tasksPlaced.Inc()
	} else {
		s.metrics.tasksQueued.Inc()
	}
	s.metrics.retryQueueLength.Set(float64(s.placement.Queue().Len()))
	return nil
}

// TaskComplete removes the task from the model, frees its VM if it emptied,
// retries queued tasks against the freed capacity and periodically triggers
// consolidation.
func (s *Scheduler) TaskComplete(ctx *schedcontext.Context, now simapi.Time, taskID simapi.TaskID) error {
	ctx = schedcontext.WithLogField(ctx, "task", taskID)
	if s.placement.Queue().Remove(taskID) {
		// The task finished without ever being placed by us; nothing to undo.
		ctx.Log.Info("completed task was still queued, dropping it")
		return nil
	}
	task, err := s.fleet.UnassignTask(taskID)
	if err != nil {
		var notFound *schederrors.ErrNotFound
		if errors.As(err, &notFound) {
			ctx.Log.Info("completion for unknown task, ignoring")
			return nil
		}
		return err
	}
	s.metrics.tasksCompleted.Inc()

	if _, err := s.placement.DrainRetryQueue(ctx, now); err != nil {
		return err
	}
	s.metrics.retryQueueLength.Set(float64(s.placement.Queue().Len()))

	if err := s.shutdownIfEmpty(ctx, task.VM); err != nil {
		return err
	}

	s.completions++
	if s.completions >= s.config.ConsolidationEveryNCompletions {
		s.completions = 0
		migrated, err := s.consolidation.Run(ctx)
		s.metrics.migrationsStarted.Add(float64(migrated))
		if err != nil {
			return err
		}
	}
	return nil
}

// MigrationDone clears the VM's migration flags. A VM whose tasks all
// completed mid-migration arrives empty and is shut down here.
func (s *Scheduler) MigrationDone(ctx *schedcontext.Context, now simapi.Time, vmID simapi.VMID) error {
	ctx = schedcontext.WithLogField(ctx, "vm", vmID)
	vm, err := s.fleet.CompleteMigration(vmID)
	if err != nil {
		var stale *schederrors.ErrStaleCallback
		if errors.As(err, &stale) {
			ctx.Log.Info("migration completion for unknown or idle vm, ignoring")
			return nil
		}
		return err
	}
	s.metrics.migrationsCompleted.Inc()
	ctx.Log.Debugf("migration complete on machine %d", vm.Machine)
	return s.shutdownIfEmpty(ctx, vmID)
}

// StateChangeComplete clears the machine's changingState flag and retries
// queued tasks, which may now fit on the woken machine.
func (s *Scheduler) StateChangeComplete(ctx *schedcontext.Context, now simapi.Time, machineID simapi.MachineID) error {
	ctx = schedcontext.WithLogField(ctx, "machine", machineID)
	if err := s.fleet.MarkStateChangeDone(machineID); err != nil {
		var stale *schederrors.ErrStaleCallback
		var notFound *schederrors.ErrNotFound
		if errors.As(err, &stale) || errors.As(err, &notFound) {
			ctx.Log.Info("state change completion without a matching request, ignoring")
			return nil
		}
		return err
	}
	s.metrics.stateChangesCompleted.Inc()
	if _, err := s.placement.DrainRetryQueue(ctx, now); err != nil {
		return err
	}
	s.metrics.retryQueueLength.Set(float64(s.placement.Queue().Len()))
	return nil
}

// MemoryWarning relieves an overcommitted machine by migrating its biggest
// VM to the least loaded compatible Active machine. Overcommit is recoverable:
// if no target exists the condition is logged and the scheduler carries on.
func (s *Scheduler) MemoryWarning(ctx *schedcontext.Context, now simapi.Time, machineID simapi.MachineID) error {
	ctx = schedcontext.WithLogField(ctx, "machine", machineID)
	s.metrics.memoryWarnings.Inc()
	machine, err := s.fleet.MachineByID(machineID)
	if err != nil {
		var notFound *schederrors.ErrNotFound
		if errors.As(err, &notFound) {
			ctx.Log.Info("memory warning for unknown machine, ignoring")
			return nil
		}
		return err
	}
	ctx.Log.Warnf("memory overcommit: %d of %d units in use", s.fleet.MemoryUsed(machine), machine.MemorySize)

	vms, err := s.fleet.VMsOn(machineID)
	if err != nil {
		return err
	}
	var victim *fleet.VM
	for _, vm := range vms {
		if vm.Migrating {
			continue
		}
		if victim == nil || vm.Memory > victim.Memory {
			victim = vm
		}
	}
	if victim == nil {
		ctx.Log.Warn("no migratable vm to relieve memory pressure")
		return nil
	}
	sink, err := s.leastLoadedSink(victim, machineID, nil)
	if err != nil {
		return err
	}
	if sink == nil {
		ctx.Log.Warn("no machine can absorb the overcommitted vm, continuing")
		return nil
	}
	return s.migrate(ctx, victim, sink.ID)
}

// SLAWarning reacts to a task at risk of missing its target: move its VM to a
// less loaded host when that is viable, otherwise raise the task to HIGH and
// push the host's cores to full speed.
func (s *Scheduler) SLAWarning(ctx *schedcontext.Context, now simapi.Time, taskID simapi.TaskID) error {
	ctx = schedcontext.WithLogField(ctx, "task", taskID)
	s.metrics.slaWarnings.Inc()
	task, err := s.fleet.TaskByID(taskID)
	if err != nil {
		var notFound *schederrors.ErrNotFound
		if errors.As(err, &notFound) {
			// Still queued or already gone; there is no VM to act on.
			ctx.Log.Info("sla warning for a task not currently placed, ignoring")
			return nil
		}
		return err
	}
	vm, err := s.fleet.VMByID(task.VM)
	if err != nil {
		return err
	}
	host, err := s.fleet.MachineByID(vm.Machine)
	if err != nil {
		return err
	}

	if !vm.Migrating {
		remaining, err := capacity.RemainingRunTime(s.cluster, host, vm)
		if err != nil {
			return err
		}
		if remaining > s.config.MigrationMinRemaining {
			hostUtil, err := capacity.Utilization(s.fleet, s.cluster, host)
			if err != nil {
				return err
			}
			sink, err := s.leastLoadedSink(vm, host.ID, &hostUtil)
			if err != nil {
				return err
			}
			if sink != nil {
				return s.migrate(ctx, vm, sink.ID)
			}
		}
	}

	if task.Priority != simapi.HighPriority {
		if err := s.actuator.SetTaskPriority(taskID, simapi.HighPriority); err != nil {
			return err
		}
		if err := s.fleet.SetTaskPriority(taskID, simapi.HighPriority); err != nil {
			return err
		}
		ctx.Log.Debug("raised task to HIGH priority")
	}
	if s.config.EnablePerfScaling {
		return s.setCores(ctx, host, simapi.P0)
	}
	return nil
}

// PeriodicCheck is the housekeeping tick: re-prioritize tasks, retry queued
// placements, consolidate, and park whatever ended up idle.
func (s *Scheduler) PeriodicCheck(ctx *schedcontext.Context, now simapi.Time) error {
	if err := s.priority.Sweep(ctx, now); err != nil {
		return err
	}
	if _, err := s.placement.DrainRetryQueue(ctx, now); err != nil {
		return err
	}
	s.metrics.retryQueueLength.Set(float64(s.placement.Queue().Len()))

	migrated, err := s.consolidation.Run(ctx)
	s.metrics.migrationsStarted.Add(float64(migrated))
	if err != nil {
		return err
	}
	migrated, err = s.consolidation.DrainLowUtilization(ctx)
	s.metrics.migrationsStarted.Add(float64(migrated))
	if err != nil {
		return err
	}

	for _, family := range simapi.CPUFamilies {
		for _, machine := range s.fleet.MachinesOfTier(family, simapi.TierActive) {
			if _, err := s.power.MaybeDemote(ctx, machine.ID); err != nil {
				return err
			}
		}
		if err := s.power.TrimStandby(ctx, family); err != nil {
			return err
		}
	}
	if s.config.EnablePerfScaling {
		if err := s.relaxCores(ctx); err != nil {
			return err
		}
	}
	s.updateTierGauges()
	return nil
}

// SimulationComplete shuts every VM down, parks every machine at S5 and
// emits the terminal SLA and energy report.
func (s *Scheduler) SimulationComplete(ctx *schedcontext.Context, now simapi.Time) error {
	var result *multierror.Error
	for _, task := range s.fleet.LiveTasks() {
		if _, err := s.fleet.UnassignTask(task.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, vm := range s.fleet.AllVMs() {
		if err := s.actuator.ShutdownVM(vm.ID); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "failed to shut down vm %d", vm.ID))
		}
		if err := s.fleet.RemoveVM(vm.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, machine := range s.fleet.AllMachines() {
		if err := s.actuator.SetMachineState(machine.ID, simapi.S5); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "failed to power down machine %d", machine.ID))
			continue
		}
		if err := s.fleet.SetTier(machine.ID, simapi.TierOff); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		ctx.Log.WithError(err).Error("shutdown sweep finished with errors")
	}

	report := Report{
		Time:          now,
		SLAViolations: make(map[simapi.SLAClass]float64),
		EnergyKWh:     s.cluster.GetClusterEnergy(),
	}
	for _, class := range []simapi.SLAClass{simapi.SLA0, simapi.SLA1, simapi.SLA2} {
		pct, err := s.cluster.GetSLAReport(class)
		if err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		report.SLAViolations[class] = pct
	}
	if err := s.sink.Write(report); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// shutdownIfEmpty destroys the VM if nothing runs on it any more. VMs that
// are mid-migration are left alone; MigrationDone calls back in here.
func (s *Scheduler) shutdownIfEmpty(ctx *schedcontext.Context, vmID simapi.VMID) error {
	vm, err := s.fleet.VMByID(vmID)
	if err != nil {
		var notFound *schederrors.ErrNotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if vm.TaskCount() > 0 || vm.Migrating {
		return nil
	}
	host := vm.Machine
	if err := s.actuator.ShutdownVM(vmID); err != nil {
		return errors.WithMessagef(err, "failed to shut down vm %d", vmID)
	}
	if err := s.fleet.RemoveVM(vmID); err != nil {
		return err
	}
	ctx.Log.Debugf("shut down empty vm %d on machine %d", vmID, host)
	_, err = s.power.MaybeDemote(ctx, host)
	return err
}

// migrate re-targets the VM in the fleet model and issues the actuator call.
func (s *Scheduler) migrate(ctx *schedcontext.Context, vm *fleet.VM, sinkID simapi.MachineID) error {
	source := vm.Machine
	if err := s.fleet.BeginMigration(vm.ID, sinkID); err != nil {
		return err
	}
	if err := s.actuator.MigrateVM(vm.ID, sinkID); err != nil {
		return errors.WithMessagef(err, "failed to migrate vm %d from machine %d to machine %d", vm.ID, source, sinkID)
	}
	s.metrics.migrationsStarted.Inc()
	ctx.Log.Debugf("migrating vm %d from machine %d to machine %d", vm.ID, source, sinkID)
	return nil
}

// leastLoadedSink returns the lowest-utilization Active machine of the VM's
// family, excluding the machine it is leaving, that can host it. If maxUtil
// is non-nil only machines strictly below it qualify.
func (s *Scheduler) leastLoadedSink(vm *fleet.VM, exclude simapi.MachineID, maxUtil *float64) (*fleet.Machine, error) {
	var best *fleet.Machine
	bestUtil := 0.0
	for _, machine := range s.fleet.MachinesOfTier(vm.Family, simapi.TierActive) {
		if machine.ID == exclude || machine.ChangingState {
			continue
		}
		if !capacity.CanHostVM(s.fleet, machine, vm, s.config) {
			continue
		}
		fits, err := capacity.VMFitsOnMachine(s.fleet, s.cluster, machine, vm)
		if err != nil {
			return nil, err
		}
		if !fits {
			continue
		}
		util, err := capacity.Utilization(s.fleet, s.cluster, machine)
		if err != nil {
			return nil, err
		}
		if maxUtil != nil && util >= *maxUtil {
			continue
		}
		if best == nil || util < bestUtil {
			best = machine
			bestUtil = util
		}
	}
	return best, nil
}

// setCores pushes every core of the machine to the given performance state.
func (s *Scheduler) setCores(ctx *schedcontext.Context, machine *fleet.Machine, state simapi.PerfState) error {
	info, err := s.cluster.GetMachineInfo(machine.ID)
	if err != nil {
		return err
	}
	if info.PState == state {
		return nil
	}
	for core := 0; core < machine.NumCores; core++ {
		if err := s.actuator.SetCorePerformance(machine.ID, core, state); err != nil {
			return errors.WithMessagef(err, "failed to set core %d of machine %d to %s", core, machine.ID, state)
		}
	}
	ctx.Log.Debugf("set machine %d cores to %s", machine.ID, state)
	return nil
}

// relaxCores slows down Active machines that are lightly loaded and run only
// LOW priority work; nothing on them is in a hurry.
func (s *Scheduler) relaxCores(ctx *schedcontext.Context) error {
	for _, family := range simapi.CPUFamilies {
		for _, machine := range s.fleet.MachinesOfTier(family, simapi.TierActive) {
			if machine.ChangingState || machine.VMCount() == 0 {
				continue
			}
			util, err := capacity.Utilization(s.fleet, s.cluster, machine)
			if err != nil {
				return err
			}
			if util >= s.config.LowUtilizationThreshold {
				continue
			}
			lowOnly, err := s.hostsOnlyLowPriorityTasks(machine)
			if err != nil {
				return err
			}
			if !lowOnly {
				continue
			}
			if err := s.setCores(ctx, machine, simapi.P2); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) hostsOnlyLowPriorityTasks(machine *fleet.Machine) (bool, error) {
	vms, err := s.fleet.VMsOn(machine.ID)
	if err != nil {
		return false, err
	}
	for _, vm := range vms {
		for _, taskID := range vm.TaskIDs() {
			task, err := s.fleet.TaskByID(taskID)
			if err != nil {
				return false, err
			}
			if task.Priority != simapi.LowPriority {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *Scheduler) updateTierGauges() {
	for _, family := range simapi.CPUFamilies {
		for _, tier := range simapi.Tiers {
			s.metrics.machinesByTier.
				WithLabelValues(family.String(), tier.String()).
				Set(float64(s.fleet.TierCount(family, tier)))
		}
	}
}
