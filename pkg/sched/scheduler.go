package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rtcontrol/pkg/log"
	"rtcontrol/pkg/tick"
)

// Config holds scheduler tuning.
type Config struct {
	// MissLimit is the number of consecutive deadline misses after
	// which a task is disabled. Zero means misses are counted and
	// logged but never acted on.
	MissLimit uint64
}

// Stats is the scheduler's own bookkeeping, consumed by the metrics
// collector and the status layer.
type Stats struct {
	TotalTicks     uint64 `json:"total_ticks"`
	IdleTicks      uint64 `json:"idle_ticks"`
	Dispatches     uint64 `json:"dispatches"`
	Reentries      uint64 `json:"reentries"`
	OverheadMicros uint64 `json:"overhead_us"`
	MaxExecMicros  uint64 `json:"max_exec_us"`
	ActiveTasks    int    `json:"active_tasks"`
}

// Scheduler owns the task table and runs EDF dispatch once per tick.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*tcb
	armed bool

	counter *tick.Counter
	cfg     Config
	logger  *log.Logger

	// dispatching guards against re-entering dispatch from a tick that
	// arrives while a task body is still executing. Such ticks only
	// advance the counter.
	dispatching atomic.Bool
	reentries   atomic.Uint64

	idleFn TaskFunc

	// execNow measures task execution time in microseconds. Injectable
	// for tests; defaults to the process monotonic clock.
	execNow func() uint64

	stats struct {
		totalTicks     uint64
		idleTicks      uint64
		dispatches     uint64
		overheadMicros uint64
		maxExecMicros  uint64
	}
}

// New creates a scheduler bound to the given tick counter.
func New(cfg Config, counter *tick.Counter, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	epoch := time.Now()
	return &Scheduler{
		counter: counter,
		cfg:     cfg,
		logger:  logger.WithPrefix("sched"),
		execNow: func() uint64 {
			return uint64(time.Since(epoch) / time.Microsecond)
		},
	}
}

// SetExecClock replaces the execution-time clock. Tests only.
func (s *Scheduler) SetExecClock(fn func() uint64) {
	s.execNow = fn
}

// SetIdleTask installs the body dispatched when no task is ready.
func (s *Scheduler) SetIdleTask(fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleFn = fn
}

// Register adds a task to the table. Must be called before Arm; the
// table is fixed afterwards. Returns the task id, which is also its
// EDF tie-break index.
func (s *Scheduler) Register(d Descriptor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		return -1, ErrArmed
	}
	if len(s.tasks) >= MaxTasks {
		return -1, ErrTableFull
	}
	if d.Fn == nil {
		return -1, fmt.Errorf("%w: %s", ErrNilBody, d.Name)
	}
	if d.PeriodMicros == 0 {
		return -1, fmt.Errorf("%w: %s", ErrBadPeriod, d.Name)
	}
	if d.DeadlineMicros == 0 {
		d.DeadlineMicros = d.PeriodMicros
	}
	if d.DeadlineMicros > d.PeriodMicros {
		return -1, fmt.Errorf("%w: %s: deadline %dus > period %dus",
			ErrBadDeadline, d.Name, d.DeadlineMicros, d.PeriodMicros)
	}

	t := &tcb{
		id:       len(s.tasks),
		name:     d.Name,
		priority: d.Priority,
		state:    StateReady,
		period:   s.counter.FromMicros(d.PeriodMicros),
		deadline: s.counter.FromMicros(d.DeadlineMicros),
		nextRun:  0, // ready at the first tick
		enabled:  d.Enabled,
		critical: d.Critical,
		fn:       d.Fn,
	}
	s.tasks = append(s.tasks, t)

	s.logger.Info("task registered", log.Fields{
		"id":       t.id,
		"name":     t.name,
		"period":   t.period,
		"deadline": t.deadline,
		"enabled":  t.enabled,
		"critical": t.critical,
	})
	return t.id, nil
}

// Arm seals the task table. Call once, before the tick source is armed.
func (s *Scheduler) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return ErrArmed
	}
	s.armed = true
	s.logger.Info("scheduler armed", log.Fields{"tasks": len(s.tasks)})
	return nil
}

// ScheduleTick runs one EDF scheduling pass at the given tick. This is
// the tick source's handler. A tick that arrives while a task body is
// still running increments the counter (in pkg/tick) but does not
// re-enter dispatch.
func (s *Scheduler) ScheduleTick(now tick.Ticks) {
	if !s.dispatching.CompareAndSwap(false, true) {
		s.reentries.Add(1)
		return
	}
	defer s.dispatching.Store(false)

	selectStart := s.execNow()

	s.mu.Lock()
	s.stats.totalTicks++

	// Earliest-deadline-first over the ready set. Strict less-than
	// keeps ties on the lowest task index.
	best := -1
	var bestDeadline tick.Ticks
	for i, t := range s.tasks {
		if !t.enabled || t.nextRun > now {
			continue
		}
		t.state = StateReady
		d := t.absDeadline()
		if best < 0 || d < bestDeadline {
			best = i
			bestDeadline = d
		}
	}

	if best < 0 {
		s.stats.idleTicks++
		idle := s.idleFn
		s.stats.overheadMicros += s.execNow() - selectStart
		s.mu.Unlock()
		if idle != nil {
			idle(now)
		}
		return
	}

	t := s.tasks[best]
	t.state = StateRunning
	t.lastStart = now
	fn := t.fn
	s.stats.dispatches++
	s.stats.overheadMicros += s.execNow() - selectStart
	s.mu.Unlock()

	// The body runs outside the table lock so it can enable or disable
	// other tasks, and so status readers are never blocked behind it.
	start := s.execNow()
	fn(now)
	elapsed := s.execNow() - start

	s.mu.Lock()
	s.finish(t, elapsed)
	s.mu.Unlock()
}

// finish applies post-execution bookkeeping to a TCB. Caller holds mu.
func (s *Scheduler) finish(t *tcb, elapsedMicros uint64) {
	t.execMicros = elapsedMicros
	t.totalMicros += elapsedMicros
	t.runs++
	if elapsedMicros > t.worstMicros {
		t.worstMicros = elapsedMicros
	}
	if elapsedMicros > s.stats.maxExecMicros {
		s.stats.maxExecMicros = elapsedMicros
	}

	if elapsedMicros > s.counter.Micros(t.deadline) {
		t.misses++
		t.consecMisses++
		s.logger.Warn("deadline miss", log.Fields{
			"task":        t.name,
			"exec_us":     elapsedMicros,
			"deadline_us": s.counter.Micros(t.deadline),
			"misses":      t.misses,
		})
		if s.cfg.MissLimit > 0 && t.consecMisses >= s.cfg.MissLimit {
			t.enabled = false
			t.state = StateSuspended
			s.logger.Error("task disabled after sustained overrun", log.Fields{
				"task":   t.name,
				"misses": t.consecMisses,
			})
			return
		}
	} else {
		t.consecMisses = 0
	}

	// Phase-preserving re-arm: the next activation advances by the
	// period from the previous activation, never from "now".
	t.nextRun += t.period
	t.state = StateWaiting
}

// Enable re-enables future activations of a task. Its next activation
// is realigned to the current tick so a long-disabled task does not
// replay every missed period.
func (s *Scheduler) Enable(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.tasks) {
		return fmt.Errorf("%w: %d", ErrBadTaskID, id)
	}
	t := s.tasks[id]
	if !t.enabled {
		t.enabled = true
		t.consecMisses = 0
		now := s.counter.Now()
		if t.nextRun < now {
			t.nextRun = now
		}
		t.state = StateReady
	}
	return nil
}

// Disable suppresses future activations. A running invocation is never
// cancelled; only the next activation is affected.
func (s *Scheduler) Disable(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.tasks) {
		return fmt.Errorf("%w: %d", ErrBadTaskID, id)
	}
	t := s.tasks[id]
	if t.enabled {
		t.enabled = false
		t.state = StateSuspended
	}
	return nil
}

// Snapshot returns a copy of every task's statistics.
func (s *Scheduler) Snapshot() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.stats()
	}
	return out
}

// Stats returns the scheduler-level statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, t := range s.tasks {
		if t.enabled {
			active++
		}
	}
	return Stats{
		TotalTicks:     s.stats.totalTicks,
		IdleTicks:      s.stats.idleTicks,
		Dispatches:     s.stats.dispatches,
		Reentries:      s.reentries.Load(),
		OverheadMicros: s.stats.overheadMicros,
		MaxExecMicros:  s.stats.maxExecMicros,
		ActiveTasks:    active,
	}
}

// CriticalTaskIDs returns the ids registered with Critical set, for
// watchdog supervision.
func (s *Scheduler) CriticalTaskIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for _, t := range s.tasks {
		if t.critical {
			ids = append(ids, t.id)
		}
	}
	return ids
}

// TaskByName looks up a task id by its registered name.
func (s *Scheduler) TaskByName(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t.id, true
		}
	}
	return -1, false
}

// TaskLastStart implements safety.Liveness.
func (s *Scheduler) TaskLastStart(id int) (tick.Ticks, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.tasks) {
		return 0, false
	}
	return s.tasks[id].lastStart, true
}

// TaskPeriod implements safety.Liveness.
func (s *Scheduler) TaskPeriod(id int) (tick.Ticks, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.tasks) {
		return 0, false
	}
	return s.tasks[id].period, true
}

// TaskEnabled implements safety.Liveness.
func (s *Scheduler) TaskEnabled(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.tasks) {
		return false
	}
	return s.tasks[id].enabled
}
