// Package power maintains the Active/Standby/Off tiers and issues the
// machine state changes that move machines between them. State changes
// complete asynchronously: every request marks the machine changingState and
// moves its tier optimistically; the flag clears when the simulator delivers
// StateChangeComplete.
package power

import (
	"math"

	"github.com/pkg/errors"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/common/slices"
	"github.com/greensched/greensched/internal/scheduler/capacity"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// Controller owns tier membership. Promotion requests wake machines on
// demand; demotion is conservative and only parks machines that are provably
// idle.
type Controller struct {
	fleet    *fleet.Fleet
	actuator simapi.Actuator
	config   configuration.SchedulingConfig
}

func NewController(f *fleet.Fleet, actuator simapi.Actuator, config configuration.SchedulingConfig) *Controller {
	return &Controller{
		fleet:    f,
		actuator: actuator,
		config:   config,
	}
}

// sleepStateForTier maps a tier to the sleep state machines in it sit at.
func sleepStateForTier(tier simapi.Tier) simapi.SleepState {
	switch tier {
	case simapi.TierActive:
		return simapi.S0
	case simapi.TierStandby:
		return simapi.S2
	default:
		return simapi.S5
	}
}

// requestTier issues the state change that moves the machine into the tier
// and updates the model optimistically.
func (c *Controller) requestTier(ctx *schedcontext.Context, machine *fleet.Machine, tier simapi.Tier) error {
	if machine.ChangingState {
		return errors.Errorf("machine %d already has a state change in flight", machine.ID)
	}
	state := sleepStateForTier(tier)
	if err := c.actuator.SetMachineState(machine.ID, state); err != nil {
		return errors.WithMessagef(err, "failed to request %s for machine %d", state, machine.ID)
	}
	if err := c.fleet.MarkStateChanging(machine.ID); err != nil {
		return err
	}
	ctx.Log.WithField("machine", machine.ID).Debugf("requested %s, moving %s -> %s", state, machine.Tier, tier)
	return c.fleet.SetTier(machine.ID, tier)
}

// ApplyInitialSplit distributes each CPU family over the tiers by efficiency
// rank: the configured standby and off fractions of the family, each rounded
// down, go to Standby (S2) and Off (S5), the least efficient last; the rest,
// at least one machine, stays Active (the top fifth with the default
// fractions). The split is advisory; the controller moves machines between
// tiers on demand afterwards.
func (c *Controller) ApplyInitialSplit(ctx *schedcontext.Context, cluster simapi.Cluster) error {
	for _, family := range simapi.CPUFamilies {
		machines := c.fleet.MachinesOfFamily(family)
		if len(machines) == 0 {
			continue
		}
		capacity.Rank(machines)
		n := len(machines)
		standbyCount := int(math.Floor(float64(n) * c.config.InitialStandbyFraction))
		offCount := int(math.Floor(float64(n) * c.config.InitialOffFraction))
		activeCount := n - standbyCount - offCount
		if activeCount < 1 {
			activeCount = 1
			if standbyCount > 0 {
				standbyCount--
			} else {
				offCount--
			}
		}
		for i, machine := range machines {
			var tier simapi.Tier
			switch {
			case i < activeCount:
				tier = simapi.TierActive
			case i < activeCount+standbyCount:
				tier = simapi.TierStandby
			default:
				tier = simapi.TierOff
			}
			info, err := cluster.GetMachineInfo(machine.ID)
			if err != nil {
				return err
			}
			if info.SState == sleepStateForTier(tier) {
				// Already in the right state; a tier move suffices.
				if err := c.fleet.SetTier(machine.ID, tier); err != nil {
					return err
				}
				continue
			}
			if err := c.requestTier(ctx, machine, tier); err != nil {
				return err
			}
		}
		ctx.Log.WithField("family", family).Infof(
			"initial split: %d active, %d standby, %d off", activeCount, standbyCount, offCount,
		)
	}
	return nil
}

// PromoteStandby wakes the best-ranked eligible Standby machine of the family
// to Active (S0). Reports whether a wake-up was issued. Whenever the standby
// pool drops below the configured reserve, an Off machine is brought up to
// Standby to replace it.
func (c *Controller) PromoteStandby(ctx *schedcontext.Context, family simapi.CPUFamily) (bool, error) {
	machine := c.bestEligible(family, simapi.TierStandby)
	if machine == nil {
		return false, nil
	}
	if err := c.requestTier(ctx, machine, simapi.TierActive); err != nil {
		return false, err
	}
	if c.fleet.TierCount(family, simapi.TierStandby) < c.config.StandbyReserve {
		if _, err := c.PromoteOff(ctx, family); err != nil {
			return true, err
		}
	}
	return true, nil
}

// PromoteOff brings the best-ranked eligible Off machine of the family up to
// Standby (S2). Reports whether a promotion was issued.
func (c *Controller) PromoteOff(ctx *schedcontext.Context, family simapi.CPUFamily) (bool, error) {
	machine := c.bestEligible(family, simapi.TierOff)
	if machine == nil {
		return false, nil
	}
	if err := c.requestTier(ctx, machine, simapi.TierStandby); err != nil {
		return false, err
	}
	return true, nil
}

// MaybeDemote parks an Active machine at Standby (S2) if it is provably
// idle: no VMs, no in-flight migrations targeting it, no state change in
// flight. Reports whether a demotion was issued.
func (c *Controller) MaybeDemote(ctx *schedcontext.Context, machineID simapi.MachineID) (bool, error) {
	machine, err := c.fleet.MachineByID(machineID)
	if err != nil {
		return false, err
	}
	if machine.Tier != simapi.TierActive ||
		machine.ChangingState ||
		machine.VMCount() > 0 ||
		machine.InboundMigrations > 0 {
		return false, nil
	}
	if err := c.requestTier(ctx, machine, simapi.TierStandby); err != nil {
		return false, err
	}
	if c.fleet.TierCount(machine.Family, simapi.TierStandby) < c.config.StandbyReserve {
		if _, err := c.PromoteOff(ctx, machine.Family); err != nil {
			return true, err
		}
	}
	return true, nil
}

// standbyTarget is the standby pool size the controller trims back to: the
// family's initial standby allotment, never below the reserve.
func (c *Controller) standbyTarget(family simapi.CPUFamily) int {
	n := len(c.fleet.MachinesOfFamily(family))
	target := int(math.Floor(float64(n) * c.config.InitialStandbyFraction))
	if target < c.config.StandbyReserve {
		target = c.config.StandbyReserve
	}
	return target
}

// TrimStandby demotes Standby machines in excess of the standby target to Off
// (S5), least efficient first. Demotions grow the standby pool over time;
// this is how it shrinks back. Called from the periodic sweep.
func (c *Controller) TrimStandby(ctx *schedcontext.Context, family simapi.CPUFamily) error {
	for c.fleet.TierCount(family, simapi.TierStandby) > c.standbyTarget(family) {
		machine := c.worstEligible(family, simapi.TierStandby)
		if machine == nil {
			return nil
		}
		if err := c.requestTier(ctx, machine, simapi.TierOff); err != nil {
			return err
		}
	}
	return nil
}

// bestEligible returns the best-ranked machine of the family in the tier with
// no state change in flight, or nil.
func (c *Controller) bestEligible(family simapi.CPUFamily, tier simapi.Tier) *fleet.Machine {
	machines := c.eligible(family, tier)
	if len(machines) == 0 {
		return nil
	}
	capacity.Rank(machines)
	return machines[0]
}

// worstEligible returns the worst-ranked idle machine of the family in the
// tier, or nil.
func (c *Controller) worstEligible(family simapi.CPUFamily, tier simapi.Tier) *fleet.Machine {
	machines := c.eligible(family, tier)
	machines = filterIdle(machines)
	if len(machines) == 0 {
		return nil
	}
	capacity.Rank(machines)
	return machines[len(machines)-1]
}

func (c *Controller) eligible(family simapi.CPUFamily, tier simapi.Tier) []*fleet.Machine {
	return slices.Filter(c.fleet.MachinesOfTier(family, tier), func(machine *fleet.Machine) bool {
		return !machine.ChangingState
	})
}

func filterIdle(machines []*fleet.Machine) []*fleet.Machine {
	return slices.Filter(machines, func(machine *fleet.Machine) bool {
		return machine.VMCount() == 0 && machine.InboundMigrations == 0
	})
}
