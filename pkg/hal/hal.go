// Package hal abstracts the hardware the control core touches: analog
// and digital channels, the external hardware watchdog, and the
// emergency-stop input line.
//
// The core depends only on function-style hooks supplied by the hardware
// layer; register access lives outside this module. A simulated board is
// provided for the host binary and tests.
package hal

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Common errors
var (
	ErrBadChannel   = errors.New("hal: channel index out of range")
	ErrNilHook      = errors.New("hal: nil channel hook")
	ErrOutputLocked = errors.New("hal: outputs suppressed by stop flag")
)

// ReadFunc reads one input channel and returns its raw value.
type ReadFunc func() (uint16, error)

// WriteFunc drives one output channel.
type WriteFunc func(value int16) error

// Input describes one sensor channel supplied by the hardware layer.
type Input struct {
	Name string
	Read ReadFunc
}

// Output describes one actuator channel. SafeValue is the value the
// channel must carry in the emergency-stop state.
type Output struct {
	Name      string
	Write     WriteFunc
	SafeValue int16
}

// Actuators is the single gateway through which task code drives
// outputs. While the stop flag is latched every task-side write is
// suppressed; only SafeState bypasses the gate, and it is reserved for
// the emergency-stop path.
type Actuators struct {
	outs    []Output
	stopped *atomic.Bool
}

// NewActuators builds the actuator gateway. The stop flag cell is shared
// with the safety controller; it is the only cross-context state and is
// read and written exclusively through atomics.
func NewActuators(outs []Output, stopped *atomic.Bool) (*Actuators, error) {
	for i := range outs {
		if outs[i].Write == nil {
			return nil, fmt.Errorf("%w: output %d (%s)", ErrNilHook, i, outs[i].Name)
		}
	}
	return &Actuators{outs: outs, stopped: stopped}, nil
}

// Count returns the number of actuator channels.
func (a *Actuators) Count() int {
	return len(a.outs)
}

// Write drives a channel from task context. Returns ErrOutputLocked
// without touching hardware while the stop flag is set.
func (a *Actuators) Write(ch int, value int16) error {
	if ch < 0 || ch >= len(a.outs) {
		return fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	if a.stopped != nil && a.stopped.Load() {
		return ErrOutputLocked
	}
	return a.outs[ch].Write(value)
}

// SafeState drives every channel to its safe value, ignoring the stop
// gate. Called from the emergency-stop path; must stay free of locks
// shared with task bodies.
func (a *Actuators) SafeState() {
	for i := range a.outs {
		_ = a.outs[i].Write(a.outs[i].SafeValue) // Best effort
	}
}

// WatchdogTimer is the external hardware watchdog. Service resets its
// countdown; if service is withheld past its timeout the hardware resets
// the system. The core only ever services it.
type WatchdogTimer interface {
	Service()
}

// EstopLine is an edge-triggered emergency-stop input. The hardware
// layer invokes the bound function on the falling edge; it may do so
// concurrently with any task body.
type EstopLine struct {
	onTrigger atomic.Pointer[func()]
}

// Bind installs the trigger callback. Called once during wiring.
func (l *EstopLine) Bind(fn func()) {
	l.onTrigger.Store(&fn)
}

// Trigger models the falling edge of the line.
func (l *EstopLine) Trigger() {
	if fn := l.onTrigger.Load(); fn != nil {
		(*fn)()
	}
}
