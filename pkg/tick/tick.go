// Package tick provides the monotonic tick counter that is the sole
// time source for the control core.
//
// The counter is incremented once per timer interrupt and read by every
// other component. All deadlines and periods are expressed in ticks or
// in microseconds convertible to ticks.
package tick

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrAlreadyArmed = errors.New("tick: source already armed")
	ErrNotArmed     = errors.New("tick: source not armed")
	ErrBadPeriod    = errors.New("tick: tick period must be positive")
)

// DefaultPeriodMicros is the default tick granularity (100µs, 10kHz).
const DefaultPeriodMicros = 100

// Ticks is an absolute or relative time expressed in tick units.
type Ticks uint64

// Counter is the canonical monotonic clock. It is owned by the tick
// source; every other component only reads it.
type Counter struct {
	count        atomic.Uint64
	periodMicros uint64
}

// NewCounter creates a Counter with the given tick period in microseconds.
func NewCounter(periodMicros uint64) (*Counter, error) {
	if periodMicros == 0 {
		return nil, ErrBadPeriod
	}
	return &Counter{periodMicros: periodMicros}, nil
}

// Now returns the current tick count.
func (c *Counter) Now() Ticks {
	return Ticks(c.count.Load())
}

// PeriodMicros returns the tick period in microseconds.
func (c *Counter) PeriodMicros() uint64 {
	return c.periodMicros
}

// Period returns the tick period as a time.Duration.
func (c *Counter) Period() time.Duration {
	return time.Duration(c.periodMicros) * time.Microsecond
}

// FromMicros converts a microsecond interval to ticks, rounding up so a
// nonzero interval never becomes zero ticks.
func (c *Counter) FromMicros(us uint64) Ticks {
	if us == 0 {
		return 0
	}
	return Ticks((us + c.periodMicros - 1) / c.periodMicros)
}

// Micros converts a tick count to microseconds.
func (c *Counter) Micros(t Ticks) uint64 {
	return uint64(t) * c.periodMicros
}

// advance increments the counter by one tick and returns the new value.
// Only the tick source calls this.
func (c *Counter) advance() Ticks {
	return Ticks(c.count.Add(1))
}

// Handler is invoked once per tick with the new counter value. It runs
// in interrupt context: it must be non-blocking and bounded.
type Handler func(now Ticks)

// Source drives the Counter. Tick() models one timer interrupt: the
// counter is incremented and, if the source is armed, the handler runs.
// Nothing else executes in the interrupt path.
type Source struct {
	counter *Counter
	handler Handler
	armed   atomic.Bool
}

// NewSource creates a Source owning the given counter.
func NewSource(counter *Counter) *Source {
	return &Source{counter: counter}
}

// Counter returns the counter driven by this source.
func (s *Source) Counter() *Counter {
	return s.counter
}

// Arm installs the per-tick handler and enables dispatch. Registration
// of tasks must be complete before Arm is called.
func (s *Source) Arm(h Handler) error {
	if s.armed.Load() {
		return ErrAlreadyArmed
	}
	s.handler = h
	s.armed.Store(true)
	return nil
}

// Disarm stops handler dispatch; the counter keeps advancing on Tick.
func (s *Source) Disarm() {
	s.armed.Store(false)
}

// Armed reports whether the handler is installed and enabled.
func (s *Source) Armed() bool {
	return s.armed.Load()
}

// Tick models a single timer interrupt: increment the counter, then a
// single call into the handler. Bounded work only.
func (s *Source) Tick() {
	now := s.counter.advance()
	if s.armed.Load() && s.handler != nil {
		s.handler(now)
	}
}

// Step advances the source by n ticks. Used by simulation drivers and
// tests in place of a hardware timer.
func (s *Source) Step(n int) {
	for i := 0; i < n; i++ {
		s.Tick()
	}
}

// Run drives the source from a wall-clock timer until ctx is cancelled.
// If a handler invocation overruns the tick period, the counter catches
// up to wall time before the next dispatch so tick arithmetic stays
// aligned with elapsed time (missed interrupts still count).
func (s *Source) Run(ctx context.Context) error {
	if !s.armed.Load() {
		return ErrNotArmed
	}

	period := s.counter.Period()
	start := time.Now()
	base := uint64(s.counter.Now())

	tk := time.NewTicker(period)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			elapsed := uint64(time.Since(start) / period)
			for uint64(s.counter.Now())-base < elapsed {
				s.Tick()
			}
		}
	}
}
