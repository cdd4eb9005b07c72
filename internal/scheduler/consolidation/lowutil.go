package consolidation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/scheduler/capacity"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// DrainLowUtilization is the second consolidation pass: it drains Active
// machines running well below the rest of their family, regardless of which
// efficiency half they sit in, so nearly idle hosts do not stay powered for a
// handful of tasks. Returns the number of migrations issued.
func (e *Engine) DrainLowUtilization(ctx *schedcontext.Context) (int, error) {
	migrated := 0
	for _, family := range simapi.CPUFamilies {
		n, err := e.drainFamilyLowUtilization(ctx, family)
		migrated += n
		if err != nil {
			return migrated, err
		}
	}
	return migrated, nil
}

func (e *Engine) drainFamilyLowUtilization(ctx *schedcontext.Context, family simapi.CPUFamily) (int, error) {
	var actives []*fleet.Machine
	for _, machine := range e.fleet.MachinesOfTier(family, simapi.TierActive) {
		if !machine.ChangingState {
			actives = append(actives, machine)
		}
	}
	if len(actives) < 2 {
		return 0, nil
	}
	utilByID := make(map[simapi.MachineID]float64, len(actives))
	utils := make([]float64, 0, len(actives))
	for _, machine := range actives {
		util, err := capacity.Utilization(e.fleet, e.cluster, machine)
		if err != nil {
			return 0, err
		}
		utilByID[machine.ID] = util
		utils = append(utils, util)
	}
	threshold := e.lowUtilizationThreshold(utils)

	migrated := 0
	for _, source := range actives {
		if utilByID[source.ID] >= threshold || source.VMCount() == 0 {
			continue
		}
		n, err := e.drainMachine(ctx, source, utilByID)
		migrated += n
		if err != nil {
			return migrated, err
		}
		if err := e.demoteIfEmpty(ctx, source.ID); err != nil {
			return migrated, err
		}
	}
	return migrated, nil
}

// drainMachine tries to move every VM on the source to a busier Active
// machine of the same family.
func (e *Engine) drainMachine(ctx *schedcontext.Context, source *fleet.Machine, utilByID map[simapi.MachineID]float64) (int, error) {
	vms, err := e.fleet.VMsOn(source.ID)
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, vm := range vms {
		if vm.Migrating {
			continue
		}
		remaining, err := capacity.RemainingRunTime(e.cluster, source, vm)
		if err != nil {
			return migrated, err
		}
		if remaining <= e.config.MigrationMinRemaining {
			continue
		}
		sink, err := e.busiestViableSink(vm, utilByID[source.ID], utilByID)
		if err != nil {
			return migrated, err
		}
		if sink == nil {
			continue
		}
		if err := e.migrate(ctx, vm, sink.ID); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}

// busiestViableSink returns the highest-utilization Active machine above the
// source's utilization that can still host the VM, or nil.
func (e *Engine) busiestViableSink(vm *fleet.VM, sourceUtil float64, utilByID map[simapi.MachineID]float64) (*fleet.Machine, error) {
	var best *fleet.Machine
	bestUtil := sourceUtil
	for _, machine := range e.fleet.MachinesOfTier(vm.Family, simapi.TierActive) {
		util, ok := utilByID[machine.ID]
		if !ok || util <= bestUtil {
			continue
		}
		if !capacity.CanHostVM(e.fleet, machine, vm, e.config) {
			continue
		}
		fits, err := capacity.VMFitsOnMachine(e.fleet, e.cluster, machine, vm)
		if err != nil {
			return nil, err
		}
		if !fits {
			continue
		}
		best = machine
		bestUtil = util
	}
	return best, nil
}

// lowUtilizationThreshold picks the utilization below which a machine counts
// as a drain candidate: the configured ceiling, tightened to one standard
// deviation below the family mean when the family is busy enough for that to
// be the stricter bound.
func (e *Engine) lowUtilizationThreshold(utils []float64) float64 {
	threshold := e.config.LowUtilizationThreshold
	if len(utils) < 2 {
		return threshold
	}
	mean, std := stat.MeanStdDev(utils, nil)
	if adaptive := mean - std; !math.IsNaN(adaptive) && adaptive >= 0 && adaptive < threshold {
		threshold = adaptive
	}
	return threshold
}
