// Package priority rewrites per-task priority as tasks burn through their
// completion budgets.
package priority

import (
	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/fleet"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// ForSLA maps an SLA class to the priority a task starts at: the strictest
// class runs HIGH, SLA1 runs MID, everything else LOW.
func ForSLA(class simapi.SLAClass) simapi.Priority {
	switch class {
	case simapi.SLA0:
		return simapi.HighPriority
	case simapi.SLA1:
		return simapi.MidPriority
	default:
		return simapi.LowPriority
	}
}

// Controller escalates task priorities as deadlines approach. Priorities are
// always written through the actuator, never inferred from simulator state.
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

// Sweep recomputes the priority of every live task from the fraction of its
// completion budget still remaining. SLA3 tasks carry no completion guarantee
// and are floored to LOW.
func (c *Controller) Sweep(ctx *schedcontext.Context, now simapi.Time) error {
	for _, task := range c.fleet.LiveTasks() {
		want := c.priorityFor(task, now)
		if want == task.Priority {
			continue
		}
		if err := c.actuator.SetTaskPriority(task.ID, want); err != nil {
			return err
		}
		if err := c.fleet.SetTaskPriority(task.ID, want); err != nil {
			return err
		}
		ctx.Log.WithField("task", task.ID).Debugf("priority %s -> %s", task.Priority, want)
	}
	return nil
}

func (c *Controller) priorityFor(task *fleet.Task, now simapi.Time) simapi.Priority {
	if task.SLA == simapi.SLA3 {
		return simapi.LowPriority
	}
	budget := task.TargetCompletion - task.Arrival
	if budget <= 0 {
		return simapi.HighPriority
	}
	elapsed := now - task.Arrival
	fracRemaining := 1 - float64(elapsed)/float64(budget)
	switch {
	case fracRemaining < c.config.HighPriorityThreshold:
		return simapi.HighPriority
	case fracRemaining < c.config.MidPriorityThreshold:
		return simapi.MidPriority
	default:
		return simapi.LowPriority
	}
}
