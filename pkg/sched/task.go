// Package sched implements the deterministic, single-core EDF scheduler
// at the heart of the control core.
//
// A fixed table of periodic tasks is registered before the tick source
// is armed. Each tick the scheduler dispatches the ready task with the
// earliest absolute deadline; ties break to the lowest task index. Tasks
// run to completion - the only preemption in the system is the
// hardware-level emergency stop, which lives in pkg/safety.
package sched

import (
	"errors"

	"rtcontrol/pkg/tick"
)

// Common errors
var (
	ErrTableFull   = errors.New("sched: task table full")
	ErrArmed       = errors.New("sched: registration closed, scheduler armed")
	ErrNotArmed    = errors.New("sched: scheduler not armed")
	ErrBadPeriod   = errors.New("sched: task period must be positive")
	ErrBadDeadline = errors.New("sched: relative deadline exceeds period")
	ErrNilBody     = errors.New("sched: task body is nil")
	ErrBadTaskID   = errors.New("sched: task id out of range")
)

// MaxTasks is the fixed size of the task table.
const MaxTasks = 8

// TaskFunc is a task body. It must run to completion without blocking;
// the scheduler will not preempt it.
type TaskFunc func(now tick.Ticks)

// Priority is the informational priority class of a task. Dispatch
// order is decided by deadlines, not by this value.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority class name; unknown names map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	case "idle":
		return PriorityIdle
	default:
		return PriorityNormal
	}
}

// TaskState tracks where a task is in its activation cycle.
type TaskState int

const (
	StateReady TaskState = iota
	StateRunning
	StateWaiting
	StateSuspended
)

func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Descriptor describes one periodic task at registration time.
type Descriptor struct {
	Name     string
	Priority Priority

	// PeriodMicros is the activation period. Required.
	PeriodMicros uint64

	// DeadlineMicros is the relative deadline. Zero means the deadline
	// equals the period; it must never exceed the period.
	DeadlineMicros uint64

	// Enabled is the initial enable state.
	Enabled bool

	// Critical marks the task for watchdog supervision.
	Critical bool

	Fn TaskFunc
}

// tcb is the task control block: one periodic task's timing contract
// and runtime history. Guarded by the scheduler mutex.
type tcb struct {
	id       int
	name     string
	priority Priority
	state    TaskState

	period   tick.Ticks // activation period
	deadline tick.Ticks // relative deadline, <= period

	nextRun   tick.Ticks // absolute next activation
	lastStart tick.Ticks

	execMicros  uint64 // last observed execution time
	worstMicros uint64
	totalMicros uint64

	runs         uint64
	misses       uint64
	consecMisses uint64

	enabled  bool
	critical bool

	fn TaskFunc
}

// absDeadline is the task's current absolute deadline.
func (t *tcb) absDeadline() tick.Ticks {
	return t.nextRun + t.deadline
}

// TaskStats is the exported, read-only view of one TCB.
type TaskStats struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Priority string `json:"priority"`
	State    string `json:"state"`

	PeriodTicks   tick.Ticks `json:"period_ticks"`
	DeadlineTicks tick.Ticks `json:"deadline_ticks"`
	NextRun       tick.Ticks `json:"next_run"`
	LastStart     tick.Ticks `json:"last_start"`

	RunCount          uint64 `json:"run_count"`
	DeadlineMisses    uint64 `json:"deadline_misses"`
	ConsecutiveMisses uint64 `json:"consecutive_misses"`
	LastExecMicros    uint64 `json:"last_exec_us"`
	WorstCaseMicros   uint64 `json:"worst_case_us"`
	TotalMicros       uint64 `json:"total_us"`
	AvgMicros         uint64 `json:"avg_us"`

	Enabled  bool `json:"enabled"`
	Critical bool `json:"critical"`
}

func (t *tcb) stats() TaskStats {
	st := TaskStats{
		ID:                t.id,
		Name:              t.name,
		Priority:          t.priority.String(),
		State:             t.state.String(),
		PeriodTicks:       t.period,
		DeadlineTicks:     t.deadline,
		NextRun:           t.nextRun,
		LastStart:         t.lastStart,
		RunCount:          t.runs,
		DeadlineMisses:    t.misses,
		ConsecutiveMisses: t.consecMisses,
		LastExecMicros:    t.execMicros,
		WorstCaseMicros:   t.worstMicros,
		TotalMicros:       t.totalMicros,
		Enabled:           t.enabled,
		Critical:          t.critical,
	}
	if t.runs > 0 {
		st.AvgMicros = t.totalMicros / t.runs
	}
	return st
}
