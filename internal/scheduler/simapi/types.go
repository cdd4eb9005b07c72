// Package simapi defines the types and interfaces shared between the
// scheduler core and the discrete-event cluster simulator driving it.
// The simulator owns the authoritative cluster state; the core reads it
// through Cluster and acts on it through Actuator.
package simapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MachineID identifies a machine. Ids are dense integers assigned by the
// simulator, stable for the lifetime of a run.
type MachineID int

// VMID identifies a virtual machine. Ids are allocated monotonically by
// CreateVM.
type VMID int

// TaskID identifies a task.
type TaskID int

// Time is a simulation timestamp in microseconds since the start of the run.
type Time int64

// Seconds returns the timestamp as seconds since the start of the run.
func (t Time) Seconds() float64 {
	return float64(t) / 1e6
}

// Sub returns the duration elapsed between u and t.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t-u) * time.Microsecond
}

// Add returns the timestamp d after t.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d/time.Microsecond)
}

// CPUFamily is the processor family of a machine, VM or task requirement.
// A VM and its host machine must agree on the family.
type CPUFamily int

const (
	X86 CPUFamily = iota
	ARM
	POWER
	RISCV
)

// CPUFamilies lists all families in id order.
var CPUFamilies = []CPUFamily{X86, ARM, POWER, RISCV}

func (f CPUFamily) String() string {
	switch f {
	case X86:
		return "X86"
	case ARM:
		return "ARM"
	case POWER:
		return "POWER"
	case RISCV:
		return "RISCV"
	}
	return fmt.Sprintf("CPUFamily(%d)", int(f))
}

// ParseCPUFamily converts a family name as it appears in cluster specs and
// traces into a CPUFamily.
func ParseCPUFamily(s string) (CPUFamily, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "X86":
		return X86, nil
	case "ARM":
		return ARM, nil
	case "POWER":
		return POWER, nil
	case "RISCV":
		return RISCV, nil
	}
	return 0, errors.Errorf("unknown CPU family %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler so families can be given
// by name in YAML specs.
func (f *CPUFamily) UnmarshalText(text []byte) error {
	parsed, err := ParseCPUFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// VMType is the virtual machine flavour a task requires.
type VMType int

const (
	Linux VMType = iota
	LinuxRT
	Win
	Aix
)

func (t VMType) String() string {
	switch t {
	case Linux:
		return "LINUX"
	case LinuxRT:
		return "LINUX_RT"
	case Win:
		return "WIN"
	case Aix:
		return "AIX"
	}
	return fmt.Sprintf("VMType(%d)", int(t))
}

// ParseVMType converts a VM type name into a VMType.
func ParseVMType(s string) (VMType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LINUX":
		return Linux, nil
	case "LINUX_RT":
		return LinuxRT, nil
	case "WIN":
		return Win, nil
	case "AIX":
		return Aix, nil
	}
	return 0, errors.Errorf("unknown VM type %q", s)
}

func (t *VMType) UnmarshalText(text []byte) error {
	parsed, err := ParseVMType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SLAClass is the service-level agreement class of a task.
// SLA0 is the strictest; SLA3 carries no completion guarantee.
type SLAClass int

const (
	SLA0 SLAClass = iota
	SLA1
	SLA2
	SLA3
)

func (c SLAClass) String() string {
	return fmt.Sprintf("SLA%d", int(c))
}

// ParseSLAClass converts an SLA class name ("SLA0".."SLA3") into an SLAClass.
func ParseSLAClass(s string) (SLAClass, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SLA0":
		return SLA0, nil
	case "SLA1":
		return SLA1, nil
	case "SLA2":
		return SLA2, nil
	case "SLA3":
		return SLA3, nil
	}
	return 0, errors.Errorf("unknown SLA class %q", s)
}

func (c *SLAClass) UnmarshalText(text []byte) error {
	parsed, err := ParseSLAClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Priority is the scheduling priority of a task on its VM.
type Priority int

const (
	LowPriority Priority = iota
	MidPriority
	HighPriority
)

func (p Priority) String() string {
	switch p {
	case LowPriority:
		return "LOW"
	case MidPriority:
		return "MID"
	case HighPriority:
		return "HIGH"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// SleepState is the machine power state. S0 is fully on; deeper states draw
// less power and take longer to leave.
type SleepState int

const (
	S0 SleepState = iota
	S1
	S2
	S3
	S4
	S5
)

func (s SleepState) String() string {
	return fmt.Sprintf("S%d", int(s))
}

// PerfState is the per-core performance state. P0 is the fastest.
type PerfState int

const (
	P0 PerfState = iota
	P1
	P2
	P3
)

func (p PerfState) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Tier is the scheduler-assigned role of a machine. Every machine sits in
// exactly one tier; Active machines run workloads at S0, Standby machines
// wait at S2 ready to be woken, Off machines sleep at S5.
type Tier int

const (
	TierActive Tier = iota
	TierStandby
	TierOff
)

// Tiers lists all tiers in promotion order, most available first.
var Tiers = []Tier{TierActive, TierStandby, TierOff}

func (t Tier) String() string {
	switch t {
	case TierActive:
		return "Active"
	case TierStandby:
		return "Standby"
	case TierOff:
		return "Off"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}
