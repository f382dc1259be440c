// Package safety implements the emergency-stop path and the watchdog
// supervisor for the control core.
//
// The emergency stop is the one true preemption in the system: it may
// run concurrently with any task body, so the state it touches is held
// in atomics and it takes no lock shared with task code. Actuator
// outputs reach their safe state before anything else happens.
package safety

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/tick"
)

// Common errors
var (
	ErrNotStopped    = errors.New("safety: system is not stopped")
	ErrResetRejected = errors.New("safety: reset validation failed")
)

// Cause identifies why the stop flag was latched.
type Cause int32

const (
	// CauseNone means the system is running normally.
	CauseNone Cause = iota

	// CauseHardware is the external emergency-stop line.
	CauseHardware

	// CauseSensor is a persistent sensor fault escalated to a stop.
	CauseSensor

	// CauseOperator is a deliberate stop request from the command path.
	CauseOperator

	// CauseSelfTest is a stop injected by the simulator or tests.
	CauseSelfTest
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseHardware:
		return "hardware_line"
	case CauseSensor:
		return "sensor_fault"
	case CauseOperator:
		return "operator"
	case CauseSelfTest:
		return "self_test"
	default:
		return "unknown"
	}
}

// Controller owns the system stop flag. The flag is set only by
// EmergencyStop and cleared only by EmergencyReset; while set, the
// actuator gateway suppresses all task-side writes.
type Controller struct {
	stopped  atomic.Bool
	cause    atomic.Int32
	stopTick atomic.Uint64
	stops    atomic.Uint64

	acts    *hal.Actuators
	counter *tick.Counter
	logger  *log.Logger

	// Reset validators run before the flag may be cleared. Installed
	// during wiring, read-only afterwards.
	validators []func() error
}

// NewController creates the stop controller. Actuators are bound
// separately because the gateway needs the controller's stop cell.
func NewController(counter *tick.Counter, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		counter: counter,
		logger:  logger.WithPrefix("safety"),
	}
}

// StopCell exposes the shared stop flag cell for the actuator gateway.
func (c *Controller) StopCell() *atomic.Bool {
	return &c.stopped
}

// BindActuators attaches the actuator gateway whose channels are driven
// to their safe state on emergency stop. Wiring-time only.
func (c *Controller) BindActuators(a *hal.Actuators) {
	c.acts = a
}

// AddResetValidator registers a check that must pass before the stop
// flag can be cleared (e.g. the hardware line has been released).
// Wiring-time only.
func (c *Controller) AddResetValidator(fn func() error) {
	c.validators = append(c.validators, fn)
}

// EmergencyStop latches the stop flag and drives all actuator outputs
// to their safe state. Safe to call from any goroutine, including
// concurrently with a running task body. The first cause wins; repeat
// triggers are no-ops.
func (c *Controller) EmergencyStop(cause Cause) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.cause.Store(int32(cause))
	if c.counter != nil {
		c.stopTick.Store(uint64(c.counter.Now()))
	}

	// Outputs reach the safe state before anything else runs.
	if c.acts != nil {
		c.acts.SafeState()
	}
	c.stops.Add(1)

	c.logger.Error("emergency stop latched", log.Fields{
		"cause": cause.String(),
		"tick":  c.stopTick.Load(),
	})
}

// EmergencyReset clears the stop flag. This is the deliberate,
// out-of-band recovery path: it refuses to clear while any reset
// validator still reports a fault.
func (c *Controller) EmergencyReset() error {
	if !c.stopped.Load() {
		return ErrNotStopped
	}
	for _, fn := range c.validators {
		if err := fn(); err != nil {
			return fmt.Errorf("%w: %v", ErrResetRejected, err)
		}
	}

	cause := Cause(c.cause.Load())
	c.cause.Store(int32(CauseNone))
	c.stopped.Store(false)

	c.logger.Info("emergency stop cleared", log.Fields{
		"previous_cause": cause.String(),
	})
	return nil
}

// Stopped reports whether the stop flag is latched.
func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

// StopCause returns the latched cause, or CauseNone.
func (c *Controller) StopCause() Cause {
	return Cause(c.cause.Load())
}

// StopTick returns the tick at which the flag was latched.
func (c *Controller) StopTick() tick.Ticks {
	return tick.Ticks(c.stopTick.Load())
}

// StopCount returns the number of emergency stops since startup.
func (c *Controller) StopCount() uint64 {
	return c.stops.Load()
}

// Status is a point-in-time view for the status layer.
type Status struct {
	Stopped   bool       `json:"stopped"`
	Cause     string     `json:"cause"`
	StopTick  tick.Ticks `json:"stop_tick"`
	StopCount uint64     `json:"stop_count"`
	Time      time.Time  `json:"time"`
}

// GetStatus returns the controller status.
func (c *Controller) GetStatus() Status {
	return Status{
		Stopped:   c.stopped.Load(),
		Cause:     Cause(c.cause.Load()).String(),
		StopTick:  tick.Ticks(c.stopTick.Load()),
		StopCount: c.stops.Load(),
		Time:      time.Now(),
	}
}
