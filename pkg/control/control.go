// Package control provides the standard periodic task bodies that run
// on the scheduler: the proportional control loop, sensor acquisition,
// system monitoring, diagnostics, the status frame builder and the
// heartbeat.
//
// Task bodies never block and never call each other; they communicate
// through the sensor filter's read-only snapshots and the status word.
package control

import (
	"sync/atomic"

	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/tick"
)

// Status word bit layout: one bit per faulted sensor channel in the low
// byte, one runtime-warning bit per task starting at bit 8.
const taskWarnShift = 8

// StatusWord is the shared system status bitmask. Written by the
// monitor and diagnostic tasks, read by the communication task and the
// status layer.
type StatusWord struct {
	bits atomic.Uint32
}

// Load returns the current word.
func (w *StatusWord) Load() uint32 {
	return w.bits.Load()
}

// SetSensorBits replaces the low byte with the filter's fault mask.
func (w *StatusWord) SetSensorBits(mask uint16) {
	for {
		old := w.bits.Load()
		next := (old &^ 0xFF) | uint32(mask&0xFF)
		if w.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetTaskWarn sets or clears the runtime-warning bit for a task id.
func (w *StatusWord) SetTaskWarn(id int, on bool) {
	if id < 0 || id >= 32-taskWarnShift {
		return
	}
	bit := uint32(1) << uint(taskWarnShift+id)
	for {
		old := w.bits.Load()
		next := old &^ bit
		if on {
			next = old | bit
		}
		if w.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// StopState is the slice of the safety controller the tasks consult.
type StopState interface {
	Stopped() bool
}

// Loop is the 1ms proportional control loop: it tracks a setpoint on
// one filtered sensor channel and drives one actuator channel.
type Loop struct {
	filter *sensor.Filter
	acts   *hal.Actuators
	stop   StopState

	sensorCh int
	outputCh int
	setpoint int32
	gainDiv  int32

	lastOutput   atomic.Int32
	invalidReads atomic.Uint64
}

// NewLoop creates the control loop task body.
func NewLoop(filter *sensor.Filter, acts *hal.Actuators, stop StopState, sensorCh, outputCh int, setpoint uint16, gainDivisor uint16) *Loop {
	div := int32(gainDivisor)
	if div == 0 {
		div = 1
	}
	return &Loop{
		filter:   filter,
		acts:     acts,
		stop:     stop,
		sensorCh: sensorCh,
		outputCh: outputCh,
		setpoint: int32(setpoint),
		gainDiv:  div,
	}
}

// Run executes one control step. While the stop flag is latched the
// loop does nothing at all; the actuator gateway would suppress the
// write anyway, but the controller must not keep integrating either.
func (l *Loop) Run(now tick.Ticks) {
	if l.stop != nil && l.stop.Stopped() {
		return
	}

	value, valid := l.filter.Sample(l.sensorCh)
	if !valid {
		// Hold the last good value; the filter already does.
		l.invalidReads.Add(1)
	}

	err := l.setpoint - int32(value)
	out := err / l.gainDiv
	if out > 32767 {
		out = 32767
	} else if out < -32768 {
		out = -32768
	}

	_ = l.acts.Write(l.outputCh, int16(out))
	l.lastOutput.Store(out)
}

// LastOutput returns the most recent control output.
func (l *Loop) LastOutput() int16 {
	return int16(l.lastOutput.Load())
}

// InvalidReads returns how many steps ran on a held (invalid) sample.
func (l *Loop) InvalidReads() uint64 {
	return l.invalidReads.Load()
}

// Acquisition is the 10ms sensor acquisition task: it reads every raw
// input channel into the filter and disables the control loop while its
// process-value channel is faulted.
type Acquisition struct {
	filter *sensor.Filter
	inputs []hal.Input
	sched  *sched.Scheduler
	logger *log.Logger

	// guardCh is the channel whose persistent fault suspends ownerID.
	guardCh int
	ownerID int

	readErrors atomic.Uint64
	suspended  bool
}

// NewAcquisition creates the acquisition task body. ownerID is the
// control-loop task suspended while guardCh is faulted; pass -1 to
// disable the escalation.
func NewAcquisition(filter *sensor.Filter, inputs []hal.Input, s *sched.Scheduler, guardCh, ownerID int, logger *log.Logger) *Acquisition {
	if logger == nil {
		logger = log.Default()
	}
	return &Acquisition{
		filter:  filter,
		inputs:  inputs,
		sched:   s,
		logger:  logger.WithPrefix("acquire"),
		guardCh: guardCh,
		ownerID: ownerID,
	}
}

// Run reads all channels once and applies the fault escalation.
func (a *Acquisition) Run(now tick.Ticks) {
	n := len(a.inputs)
	if a.filter.ChannelCount() < n {
		n = a.filter.ChannelCount()
	}
	for ch := 0; ch < n; ch++ {
		raw, err := a.inputs[ch].Read()
		if err != nil {
			a.readErrors.Add(1)
			continue
		}
		a.filter.Push(ch, raw)
	}

	if a.ownerID < 0 || a.sched == nil {
		return
	}
	faulted := a.filter.Faulted(a.guardCh)
	if faulted && !a.suspended {
		a.suspended = true
		_ = a.sched.Disable(a.ownerID)
		a.logger.Error("process channel faulted, control loop suspended", log.Fields{
			"channel": a.guardCh,
			"task":    a.ownerID,
		})
	} else if !faulted && a.suspended {
		a.suspended = false
		_ = a.sched.Enable(a.ownerID)
		a.logger.Info("process channel recovered, control loop resumed", log.Fields{
			"channel": a.guardCh,
			"task":    a.ownerID,
		})
	}
}

// ReadErrors returns the number of failed raw reads.
func (a *Acquisition) ReadErrors() uint64 {
	return a.readErrors.Load()
}

// Heartbeat is the user-interface heartbeat: it toggles a state bit
// each run so an external layer can render liveness.
type Heartbeat struct {
	state atomic.Bool
	beats atomic.Uint64
}

// Run toggles the heartbeat.
func (h *Heartbeat) Run(now tick.Ticks) {
	h.state.Store(!h.state.Load())
	h.beats.Add(1)
}

// State returns the current heartbeat phase.
func (h *Heartbeat) State() bool {
	return h.state.Load()
}

// Beats returns the total number of heartbeat toggles.
func (h *Heartbeat) Beats() uint64 {
	return h.beats.Load()
}
