package safety

import (
	"sync/atomic"

	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/tick"
)

// Liveness exposes the task timing the supervisor inspects. Implemented
// by the scheduler.
type Liveness interface {
	TaskLastStart(id int) (tick.Ticks, bool)
	TaskPeriod(id int) (tick.Ticks, bool)
	TaskEnabled(id int) bool
}

// Supervisor is the watchdog supervisor task body. Each run it checks
// that every monitored critical task started recently; the external
// hardware watchdog is serviced only when all of them are healthy and
// the stop flag is clear. Withholding service lets the hardware reset
// the system - the ultimate fail-safe against a wedged scheduler.
type Supervisor struct {
	wd       hal.WatchdogTimer
	ctrl     *Controller
	tasks    Liveness
	critical []int
	logger   *log.Logger

	serviced atomic.Uint64
	withheld atomic.Uint64
	lastSick atomic.Int32 // last unhealthy task id, -1 = none
}

// NewSupervisor creates a supervisor monitoring the given critical task
// ids.
func NewSupervisor(wd hal.WatchdogTimer, ctrl *Controller, tasks Liveness, critical []int, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	s := &Supervisor{
		wd:       wd,
		ctrl:     ctrl,
		tasks:    tasks,
		critical: critical,
		logger:   logger.WithPrefix("watchdog"),
	}
	s.lastSick.Store(-1)
	return s
}

// Run is the periodic task body.
func (s *Supervisor) Run(now tick.Ticks) {
	s.Check(now)
}

// Check evaluates liveness at the given tick and services the hardware
// watchdog iff all monitored tasks are healthy and the stop flag is
// clear. Returns whether service was performed.
func (s *Supervisor) Check(now tick.Ticks) bool {
	sick := -1
	for _, id := range s.critical {
		if !s.healthy(id, now) {
			sick = id
			break
		}
	}

	if sick < 0 && !s.ctrl.Stopped() {
		s.wd.Service()
		s.serviced.Add(1)
		s.lastSick.Store(-1)
		return true
	}

	s.withheld.Add(1)
	s.lastSick.Store(int32(sick))
	s.logger.Warn("watchdog service withheld", log.Fields{
		"unhealthy_task": sick,
		"stopped":        s.ctrl.Stopped(),
		"tick":           now,
	})
	return false
}

// healthy reports whether a monitored task started within twice its
// period. Disabled tasks are not expected to run.
func (s *Supervisor) healthy(id int, now tick.Ticks) bool {
	if !s.tasks.TaskEnabled(id) {
		return true
	}
	last, ok := s.tasks.TaskLastStart(id)
	if !ok {
		return false
	}
	period, ok := s.tasks.TaskPeriod(id)
	if !ok || period == 0 {
		return false
	}
	return now-last <= 2*period
}

// ServiceCount returns how many supervisor runs serviced the watchdog.
func (s *Supervisor) ServiceCount() uint64 {
	return s.serviced.Load()
}

// WithheldCount returns how many supervisor runs withheld service.
func (s *Supervisor) WithheldCount() uint64 {
	return s.withheld.Load()
}

// LastUnhealthy returns the task id that last caused service to be
// withheld, or -1.
func (s *Supervisor) LastUnhealthy() int {
	return int(s.lastSick.Load())
}
