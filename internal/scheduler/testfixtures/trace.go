package testfixtures

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/scheduler"
	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// Event types a trace may contain.
const (
	EventNewTask            = "newTask"
	EventTaskComplete       = "taskComplete"
	EventPeriodicCheck      = "periodicCheck"
	EventMemoryWarning      = "memoryWarning"
	EventSLAWarning         = "slaWarning"
	EventSettle             = "settle"
	EventSimulationComplete = "simulationComplete"
)

// TraceSpec is a replayable event trace over a declared cluster. Traces are
// how scheduler behaviour is exercised without the real simulator: arrivals
// and completions are scripted, and the settle event stands in for the
// simulator finishing whatever migrations and state changes are in flight.
type TraceSpec struct {
	Name     string
	Machines []MachineSpec
	Events   []EventSpec
}

// EventSpec is one scripted event.
type EventSpec struct {
	// Simulated time of the event in microseconds.
	Time int64
	Type string
	// Task definition, for newTask events.
	Task *TaskSpec
	// Task the event refers to, for taskComplete and slaWarning events.
	TaskID simapi.TaskID
	// Machine the event refers to, for memoryWarning events.
	MachineID simapi.MachineID
}

// TaskSpec declares a task arriving in a trace.
type TaskSpec struct {
	ID           simapi.TaskID
	Family       simapi.CPUFamily
	VMType       simapi.VMType
	SLA          simapi.SLAClass
	Memory       uint64
	Instructions uint64
	// Completion target in microseconds of simulated time.
	TargetCompletion int64
	GPUCapable       bool
}

// TraceFromFilePath reads a TraceSpec from a YAML file.
func TraceFromFilePath(filePath string) (*TraceSpec, error) {
	trace := &TraceSpec{}
	v := viper.New()
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WithMessagef(err, "failed to read trace %s", filePath)
	}
	err := v.Unmarshal(trace, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to unmarshal trace %s", filePath)
	}
	if err := validateTrace(trace); err != nil {
		return nil, err
	}
	return trace, nil
}

func validateTrace(trace *TraceSpec) error {
	if len(trace.Machines) == 0 {
		return errors.New("trace declares no machines")
	}
	for i, event := range trace.Events {
		switch event.Type {
		case EventNewTask:
			if event.Task == nil {
				return errors.Errorf("event %d: newTask without a task definition", i)
			}
		case EventTaskComplete, EventPeriodicCheck, EventMemoryWarning, EventSLAWarning, EventSettle, EventSimulationComplete:
		default:
			return errors.Errorf("event %d: unknown type %q", i, event.Type)
		}
	}
	return nil
}

// Replay builds a test cluster from the trace, registers a scheduler on it
// and delivers the scripted events in order. The simulation-complete report
// goes to the scheduler's sink; if the trace does not script one, it is
// delivered at the end.
func Replay(ctx *schedcontext.Context, sched *scheduler.Scheduler, tc *TestCluster, trace *TraceSpec) error {
	if err := sched.Init(ctx); err != nil {
		return err
	}
	sawComplete := false
	var last simapi.Time
	for _, event := range trace.Events {
		now := simapi.Time(event.Time)
		last = now
		var err error
		switch event.Type {
		case EventNewTask:
			tc.AddTask(simapi.TaskInfo{
				ID:                event.Task.ID,
				Family:            event.Task.Family,
				VMType:            event.Task.VMType,
				SLA:               event.Task.SLA,
				Memory:            event.Task.Memory,
				TotalInstructions: event.Task.Instructions,
				Arrival:           now,
				TargetCompletion:  simapi.Time(event.Task.TargetCompletion),
				GPUCapable:        event.Task.GPUCapable,
			})
			err = sched.NewTask(ctx, now, event.Task.ID)
		case EventTaskComplete:
			if err = tc.CompleteTask(event.TaskID); err == nil {
				err = sched.TaskComplete(ctx, now, event.TaskID)
			}
		case EventPeriodicCheck:
			err = sched.PeriodicCheck(ctx, now)
		case EventMemoryWarning:
			err = sched.MemoryWarning(ctx, now, event.MachineID)
		case EventSLAWarning:
			err = sched.SLAWarning(ctx, now, event.TaskID)
		case EventSettle:
			err = settle(ctx, sched, tc, now)
		case EventSimulationComplete:
			sawComplete = true
			err = sched.SimulationComplete(ctx, now)
		}
		if err != nil {
			return errors.WithMessagef(err, "replay failed at %s event at time %d", event.Type, event.Time)
		}
	}
	if !sawComplete {
		return sched.SimulationComplete(ctx, last)
	}
	return nil
}

// settle finishes every in-flight migration and state change and delivers
// their completion callbacks, looping until nothing is pending: completing a
// state change can make the scheduler issue new work.
func settle(ctx *schedcontext.Context, sched *scheduler.Scheduler, tc *TestCluster, now simapi.Time) error {
	for {
		migrations := tc.PendingMigrations()
		stateChanges := tc.PendingStateChanges()
		if len(migrations) == 0 && len(stateChanges) == 0 {
			return nil
		}
		for _, vmID := range migrations {
			if err := tc.FinishMigration(vmID); err != nil {
				return err
			}
			if err := sched.MigrationDone(ctx, now, vmID); err != nil {
				return err
			}
		}
		for _, machineID := range stateChanges {
			if err := tc.FinishStateChange(machineID); err != nil {
				return err
			}
			if err := sched.StateChangeComplete(ctx, now, machineID); err != nil {
				return err
			}
		}
	}
}
