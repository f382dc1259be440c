// Scheduler metrics collector
//
// Derives CPU utilization, worst-case response time and idle ratio from
// scheduler statistics on a slow period. Utilization is windowed over
// the interval since the previous collection so it reflects recent load
// rather than the lifetime average.
//
// Copyright (C) 2026  Realtime Control Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"

	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/tick"
)

// Snapshot is the derived, read-only metrics view. Diagnostics only; no
// task may depend on it for control decisions.
type Snapshot struct {
	Time time.Time `json:"time"`
	Tick tick.Ticks `json:"tick"`

	// CPUUtilization is 100*(1 - idle/total) over the last window.
	CPUUtilization float64 `json:"cpu_utilization"`

	TotalTicks     uint64 `json:"total_ticks"`
	IdleTicks      uint64 `json:"idle_ticks"`
	Dispatches     uint64 `json:"dispatches"`
	OverheadMicros uint64 `json:"overhead_us"`

	// MaxExecMicros approximates worst-case response time.
	MaxExecMicros uint64 `json:"max_exec_us"`

	ActiveTasks      int    `json:"active_tasks"`
	DeadlineMisses   uint64 `json:"deadline_misses"`
	EmergencyStopped bool   `json:"emergency_stopped"`
}

// StopState is the part of the safety controller the collector reports.
type StopState interface {
	Stopped() bool
}

// Collector recomputes the snapshot from scheduler statistics. It is
// itself registered as a slow periodic task.
type Collector struct {
	sched   *sched.Scheduler
	counter *tick.Counter
	stop    StopState

	mu        sync.Mutex
	snap      Snapshot
	lastTotal uint64
	lastIdle  uint64

	registry *Registry
	utilization *Gauge
	idleTicks   *Counter
	totalTicks  *Counter
	misses      *Counter
	worstCase   *Gauge
	activeTasks *Gauge
	taskRuns    *Counter
	taskWorst   *Gauge
}

// NewCollector creates a collector publishing into the given registry.
func NewCollector(s *sched.Scheduler, counter *tick.Counter, stop StopState, reg *Registry) *Collector {
	c := &Collector{
		sched:    s,
		counter:  counter,
		stop:     stop,
		registry: reg,

		utilization: NewGauge("rtcontrol_cpu_utilization_percent",
			"Windowed CPU utilization over the last collection interval", ""),
		idleTicks: NewCounter("rtcontrol_idle_ticks_total",
			"Scheduler ticks with no ready task", ""),
		totalTicks: NewCounter("rtcontrol_ticks_total",
			"Scheduler ticks processed", ""),
		misses: NewCounter("rtcontrol_deadline_misses_total",
			"Deadline misses per task", "task"),
		worstCase: NewGauge("rtcontrol_worst_case_exec_us",
			"Maximum observed single-task execution time in microseconds", ""),
		activeTasks: NewGauge("rtcontrol_active_tasks",
			"Number of enabled tasks", ""),
		taskRuns: NewCounter("rtcontrol_task_runs_total",
			"Task invocations per task", "task"),
		taskWorst: NewGauge("rtcontrol_task_worst_case_us",
			"Per-task worst observed execution time in microseconds", "task"),
	}
	if reg != nil {
		reg.MustRegister(c.utilization, c.idleTicks, c.totalTicks,
			c.misses, c.worstCase, c.activeTasks, c.taskRuns, c.taskWorst)
	}
	return c
}

// Run is the periodic task body.
func (c *Collector) Run(now tick.Ticks) {
	c.Collect(now)
}

// Collect recomputes the snapshot at the given tick.
func (c *Collector) Collect(now tick.Ticks) Snapshot {
	stats := c.sched.Stats()
	tasks := c.sched.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	totalDelta := stats.TotalTicks - c.lastTotal
	idleDelta := stats.IdleTicks - c.lastIdle
	c.lastTotal = stats.TotalTicks
	c.lastIdle = stats.IdleTicks

	util := 0.0
	if totalDelta > 0 {
		util = 100.0 * (1.0 - float64(idleDelta)/float64(totalDelta))
	}

	var missTotal uint64
	for _, t := range tasks {
		missTotal += t.DeadlineMisses
		c.misses.Set(t.Name, t.DeadlineMisses)
		c.taskRuns.Set(t.Name, t.RunCount)
		c.taskWorst.Set(t.Name, float64(t.WorstCaseMicros))
	}

	c.snap = Snapshot{
		Time:             time.Now(),
		Tick:             now,
		CPUUtilization:   util,
		TotalTicks:       stats.TotalTicks,
		IdleTicks:        stats.IdleTicks,
		Dispatches:       stats.Dispatches,
		OverheadMicros:   stats.OverheadMicros,
		MaxExecMicros:    stats.MaxExecMicros,
		ActiveTasks:      stats.ActiveTasks,
		DeadlineMisses:   missTotal,
		EmergencyStopped: c.stop != nil && c.stop.Stopped(),
	}

	c.utilization.Set("", util)
	c.idleTicks.Set("", stats.IdleTicks)
	c.totalTicks.Set("", stats.TotalTicks)
	c.worstCase.Set("", float64(stats.MaxExecMicros))
	c.activeTasks.Set("", float64(stats.ActiveTasks))

	return c.snap
}

// Latest returns the most recent snapshot.
func (c *Collector) Latest() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}
