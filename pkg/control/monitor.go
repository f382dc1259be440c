package control

import (
	"sync"

	"rtcontrol/pkg/log"
	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/tick"
)

// Monitor is the 100ms system monitor. It maintains its own windowed
// utilization estimate (independent of the metrics collector, which is
// observational by contract), mirrors sensor faults into the status
// word, and sheds low-priority tasks under sustained overload.
//
// Shedding uses a high/low watermark pair rather than a single
// threshold so a utilization value hovering at the boundary cannot
// flap tasks on and off every run.
type Monitor struct {
	sched  *sched.Scheduler
	filter *sensor.Filter
	word   *StatusWord
	logger *log.Logger

	// Tasks disabled under overload, re-enabled after recovery.
	shedIDs []int
	high    float64
	low     float64

	mu        sync.Mutex
	lastTotal uint64
	lastIdle  uint64
	util      float64
	shedding  bool
}

// NewMonitor creates the monitor task body. shedIDs may be empty to
// disable load shedding.
func NewMonitor(s *sched.Scheduler, filter *sensor.Filter, word *StatusWord, shedIDs []int, highWater, lowWater float64, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		sched:   s,
		filter:  filter,
		word:    word,
		logger:  logger.WithPrefix("monitor"),
		shedIDs: shedIDs,
		high:    highWater,
		low:     lowWater,
	}
}

// Run executes one monitoring pass.
func (m *Monitor) Run(now tick.Ticks) {
	stats := m.sched.Stats()

	m.mu.Lock()
	totalDelta := stats.TotalTicks - m.lastTotal
	idleDelta := stats.IdleTicks - m.lastIdle
	m.lastTotal = stats.TotalTicks
	m.lastIdle = stats.IdleTicks
	if totalDelta > 0 {
		m.util = 100.0 * (1.0 - float64(idleDelta)/float64(totalDelta))
	}
	util := m.util
	shedding := m.shedding
	m.mu.Unlock()

	if m.word != nil && m.filter != nil {
		m.word.SetSensorBits(m.filter.FaultWord())
	}

	if len(m.shedIDs) == 0 {
		return
	}
	if !shedding && util > m.high {
		for _, id := range m.shedIDs {
			_ = m.sched.Disable(id)
		}
		m.mu.Lock()
		m.shedding = true
		m.mu.Unlock()
		m.logger.Warn("overload: shedding low-priority tasks", log.Fields{
			"utilization": util,
			"tasks":       m.shedIDs,
		})
	} else if shedding && util < m.low {
		for _, id := range m.shedIDs {
			_ = m.sched.Enable(id)
		}
		m.mu.Lock()
		m.shedding = false
		m.mu.Unlock()
		m.logger.Info("load recovered: low-priority tasks resumed", log.Fields{
			"utilization": util,
		})
	}
}

// Utilization returns the monitor's windowed utilization estimate.
func (m *Monitor) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.util
}

// Shedding reports whether load shedding is currently active.
func (m *Monitor) Shedding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shedding
}

// Diagnostic is the 1s diagnostic task: it flags any task whose average
// execution time has crept past a fraction of its relative deadline.
type Diagnostic struct {
	sched   *sched.Scheduler
	counter *tick.Counter
	word    *StatusWord
	logger  *log.Logger

	// warnPct is the percentage of the deadline at which a task's
	// average runtime raises its warning bit.
	warnPct uint64

	mu     sync.Mutex
	warned map[int]bool
}

// NewDiagnostic creates the diagnostic task body. warnPct defaults to
// 80 when zero.
func NewDiagnostic(s *sched.Scheduler, counter *tick.Counter, word *StatusWord, warnPct uint64, logger *log.Logger) *Diagnostic {
	if warnPct == 0 {
		warnPct = 80
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Diagnostic{
		sched:   s,
		counter: counter,
		word:    word,
		logger:  logger.WithPrefix("diag"),
		warnPct: warnPct,
		warned:  make(map[int]bool),
	}
}

// Run executes one diagnostic pass.
func (d *Diagnostic) Run(now tick.Ticks) {
	for _, t := range d.sched.Snapshot() {
		if t.RunCount == 0 {
			continue
		}
		deadlineMicros := d.counter.Micros(t.DeadlineTicks)
		warn := t.AvgMicros > deadlineMicros*d.warnPct/100

		if d.word != nil {
			d.word.SetTaskWarn(t.ID, warn)
		}

		d.mu.Lock()
		changed := d.warned[t.ID] != warn
		d.warned[t.ID] = warn
		d.mu.Unlock()

		if changed && warn {
			d.logger.Warn("task runtime approaching deadline", log.Fields{
				"task":        t.Name,
				"avg_us":      t.AvgMicros,
				"deadline_us": deadlineMicros,
			})
		}
	}
}
