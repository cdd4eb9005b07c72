package scheduler

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// Report is the terminal summary emitted when the simulation completes.
type Report struct {
	// Simulated time at which the run finished.
	Time simapi.Time
	// Violation percentage per SLA class. SLA3 carries no guarantee and is
	// omitted by contract.
	SLAViolations map[simapi.SLAClass]float64
	// Total cluster energy in KW-hours.
	EnergyKWh float64
}

// Sink receives the terminal report.
type Sink interface {
	Write(report Report) error
}

// WriterSink formats the report for a human, one line per figure.
type WriterSink struct {
	Out io.Writer
}

func (s WriterSink) Write(report Report) error {
	w := s.Out
	if _, err := fmt.Fprintln(w, "SLA violation report"); err != nil {
		return errors.WithStack(err)
	}
	for _, class := range []simapi.SLAClass{simapi.SLA0, simapi.SLA1, simapi.SLA2} {
		if _, err := fmt.Fprintf(w, "%s: %v%%\n", class, report.SLAViolations[class]); err != nil {
			return errors.WithStack(err)
		}
	}
	if _, err := fmt.Fprintf(w, "Total Energy %vKW-Hour\n", report.EnergyKWh); err != nil {
		return errors.WithStack(err)
	}
	_, err := fmt.Fprintf(w, "Simulation run finished in %v seconds\n", report.Time.Seconds())
	return errors.WithStack(err)
}

// LogSink writes the report through the logger.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Write(report Report) error {
	s.Log.WithFields(logrus.Fields{
		"sla0":      report.SLAViolations[simapi.SLA0],
		"sla1":      report.SLAViolations[simapi.SLA1],
		"sla2":      report.SLAViolations[simapi.SLA2],
		"energyKWh": report.EnergyKWh,
		"seconds":   report.Time.Seconds(),
	}).Info("simulation complete")
	return nil
}
