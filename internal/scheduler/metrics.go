package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "greensched"
	subsystem = "scheduler"
)

// Metrics tracks what the scheduler has done. Counters only ever move in the
// event handlers so they reflect exactly the simulator's delivery order.
type Metrics struct {
	tasksPlaced             prometheus.Counter
	tasksQueued             prometheus.Counter
	tasksCompleted          prometheus.Counter
	unsatisfiablePlacements prometheus.Counter
	migrationsStarted       prometheus.Counter
	migrationsCompleted     prometheus.Counter
	stateChangesCompleted   prometheus.Counter
	memoryWarnings          prometheus.Counter
	slaWarnings             prometheus.Counter
	retryQueueLength        prometheus.Gauge
	machinesByTier          *prometheus.GaugeVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_placed_total",
			Help: "Number of tasks placed on a VM.",
		}),
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_queued_total",
			Help: "Number of task arrivals parked on the retry queue.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_completed_total",
			Help: "Number of task completions processed.",
		}),
		unsatisfiablePlacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "unsatisfiable_placements_total",
			Help: "Number of placements for which no machine in the fleet can ever qualify.",
		}),
		migrationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "migrations_started_total",
			Help: "Number of VM migrations issued.",
		}),
		migrationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "migrations_completed_total",
			Help: "Number of VM migrations completed by the simulator.",
		}),
		stateChangesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "state_changes_completed_total",
			Help: "Number of machine state changes completed by the simulator.",
		}),
		memoryWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "memory_warnings_total",
			Help: "Number of machine memory overcommit warnings received.",
		}),
		slaWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sla_warnings_total",
			Help: "Number of task SLA warnings received.",
		}),
		retryQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retry_queue_length",
			Help: "Tasks currently waiting for capacity.",
		}),
		machinesByTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "machines_by_tier",
			Help: "Machines per CPU family and tier.",
		}, []string{"family", "tier"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.tasksPlaced,
			m.tasksQueued,
			m.tasksCompleted,
			m.unsatisfiablePlacements,
			m.migrationsStarted,
			m.migrationsCompleted,
			m.stateChangesCompleted,
			m.memoryWarnings,
			m.slaWarnings,
			m.retryQueueLength,
			m.machinesByTier,
		)
	}
	return m
}
