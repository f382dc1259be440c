package hal

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SimBoard is an in-memory board used by the host binary when no real
// hardware layer is wired in, and by tests. Channel state is held in
// atomics so the emergency-stop path can write outputs concurrently
// with task-side reads.
type SimBoard struct {
	inputs  []atomic.Uint32
	outputs []atomic.Int32
}

// NewSimBoard creates a board with the given channel counts.
func NewSimBoard(inputs, outputs int) *SimBoard {
	return &SimBoard{
		inputs:  make([]atomic.Uint32, inputs),
		outputs: make([]atomic.Int32, outputs),
	}
}

// SetInput sets the raw value returned for an input channel.
func (b *SimBoard) SetInput(ch int, value uint16) {
	if ch >= 0 && ch < len(b.inputs) {
		b.inputs[ch].Store(uint32(value))
	}
}

// OutputValue returns the last value driven on an output channel.
func (b *SimBoard) OutputValue(ch int) int16 {
	if ch < 0 || ch >= len(b.outputs) {
		return 0
	}
	return int16(b.outputs[ch].Load())
}

// Inputs returns hook descriptors for every input channel.
func (b *SimBoard) Inputs() []Input {
	ins := make([]Input, len(b.inputs))
	for i := range b.inputs {
		cell := &b.inputs[i]
		ins[i] = Input{
			Name: simChannelName("ain", i),
			Read: func() (uint16, error) { return uint16(cell.Load()), nil },
		}
	}
	return ins
}

// Outputs returns hook descriptors for every output channel with a safe
// value of zero.
func (b *SimBoard) Outputs() []Output {
	outs := make([]Output, len(b.outputs))
	for i := range b.outputs {
		cell := &b.outputs[i]
		outs[i] = Output{
			Name:      simChannelName("aout", i),
			SafeValue: 0,
			Write: func(value int16) error {
				cell.Store(int32(value))
				return nil
			},
		}
	}
	return outs
}

func simChannelName(prefix string, i int) string {
	return fmt.Sprintf("%s%d", prefix, i)
}

// SimWatchdog records service calls so tests and the simulator can
// check gating behavior and detect starvation.
type SimWatchdog struct {
	timeout     time.Duration
	services    atomic.Uint64
	lastService atomic.Int64 // unix nanos, 0 = never
}

// NewSimWatchdog creates a watchdog with the given starvation timeout.
func NewSimWatchdog(timeout time.Duration) *SimWatchdog {
	return &SimWatchdog{timeout: timeout}
}

// Service resets the watchdog countdown.
func (w *SimWatchdog) Service() {
	w.services.Add(1)
	w.lastService.Store(time.Now().UnixNano())
}

// ServiceCount returns the total number of service calls.
func (w *SimWatchdog) ServiceCount() uint64 {
	return w.services.Load()
}

// Expired reports whether the countdown has run out. A never-serviced
// watchdog is not expired; hardware arms it on first service.
func (w *SimWatchdog) Expired() bool {
	last := w.lastService.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) > w.timeout
}
