// Package consolidation rebalances VMs onto the most energy-efficient
// machines so the power controller can park the machines it empties. Each
// pass walks one CPU family: the more efficient half of the fleet absorbs
// VMs, the less efficient half is drained, least efficient machines first.
package consolidation

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/scheduler/capacity"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/power"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

type Engine struct {
	fleet    *fleet.Fleet
	cluster  simapi.Cluster
	actuator simapi.Actuator
	power    *power.Controller
	config   configuration.SchedulingConfig
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
	}
}

// Run performs one consolidation pass over every CPU family. Returns the
// number of migrations issued.
func (e *Engine) Run(ctx *schedcontext.Context) (int, error) {
	migrated := 0
	for _, family := range simapi.CPUFamilies {
		n, err := e.consolidateFamily(ctx, family)
		migrated += n
		if err != nil {
			return migrated, err
		}
	}
	return migrated, nil
}

// consolidateFamily drains the least efficient machines of the family into
// the most efficient ones. The ranked list is split in half: the top half is
// the sink pool, the bottom half the source pool. VMs move from the source
// cursor to the sink cursor until one side runs out; whichever ran out
// advances.
func (e *Engine) consolidateFamily(ctx *schedcontext.Context, family simapi.CPUFamily) (int, error) {
	machines := e.fleet.MachinesOfFamily(family)
	if len(machines) < 2 {
		return 0, nil
	}
	capacity.Rank(machines)
	half := len(machines) / 2

	migrated := 0
	ki := 0
	si := len(machines) - 1
	for si >= half && ki < half {
		sink, err := e.fleet.MachineByID(machines[ki].ID)
		if err != nil {
			return migrated, err
		}
		if sink.Tier != simapi.TierActive || sink.ChangingState || sink.VMCount() >= e.config.MaxVMsPerMachine {
			ki++
			continue
		}
		source, err := e.fleet.MachineByID(machines[si].ID)
		if err != nil {
			return migrated, err
		}
		vm, err := e.pickMigratable(source, sink)
		if err != nil {
			return migrated, err
		}
		if vm == nil {
			// Nothing left worth moving off this source.
			si--
			continue
		}
		if err := e.migrate(ctx, vm, sink.ID); err != nil {
			return migrated, err
		}
		migrated++
		if err := e.demoteIfEmpty(ctx, source.ID); err != nil {
			return migrated, err
		}
	}
	return migrated, nil
}

// pickMigratable returns a VM on the source worth moving to the sink, or nil.
// A VM is migratable if it is not already migrating and its projected
// remaining run time exceeds the configured floor; shorter VMs would finish
// before the migration pays for itself.
func (e *Engine) pickMigratable(source, sink *fleet.Machine) (*fleet.VM, error) {
	vms, err := e.fleet.VMsOn(source.ID)
	if err != nil {
		return nil, err
	}
	// Walk from the most recently created VM, as the original drain order.
	slices.SortFunc(vms, func(a, b *fleet.VM) bool { return a.ID > b.ID })
	for _, vm := range vms {
		if vm.Migrating {
			continue
		}
		remaining, err := capacity.RemainingRunTime(e.cluster, source, vm)
		if err != nil {
			return nil, err
		}
		if remaining <= e.config.MigrationMinRemaining {
			continue
		}
		if !capacity.CanHostVM(e.fleet, sink, vm, e.config) {
			continue
		}
		fits, err := capacity.VMFitsOnMachine(e.fleet, e.cluster, sink, vm)
		if err != nil {
			return nil, err
		}
		if fits {
			return vm, nil
		}
	}
	return nil, nil
}

// migrate re-targets the VM in the fleet model and issues the actuator call.
func (e *Engine) migrate(ctx *schedcontext.Context, vm *fleet.VM, sink simapi.MachineID) error {
	source := vm.Machine
	if err := e.fleet.BeginMigration(vm.ID, sink); err != nil {
		return err
	}
	if err := e.actuator.MigrateVM(vm.ID, sink); err != nil {
		return errors.WithMessagef(err, "failed to migrate vm %d from machine %d to machine %d", vm.ID, source, sink)
	}
	ctx.Log.WithField("vm", vm.ID).Debugf("migrating from machine %d to machine %d", source, sink)
	return nil
}

// demoteIfEmpty asks the power controller to park the machine if draining
// emptied it.
func (e *Engine) demoteIfEmpty(ctx *schedcontext.Context, machineID simapi.MachineID) error {
	machine, err := e.fleet.MachineByID(machineID)
	if err != nil {
		return err
	}
	if machine.VMCount() > 0 {
		return nil
	}
	_, err = e.power.MaybeDemote(ctx, machineID)
	return err
}
