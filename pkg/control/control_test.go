package control

import (
	"io"
	"sync/atomic"
	"testing"

	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/tick"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, log.ERROR+1)
}

// stopFlag is a hand-rolled StopState.
type stopFlag struct {
	atomic.Bool
}

func (s *stopFlag) Stopped() bool { return s.Load() }

func newTestFilter(t *testing.T, cfgs ...sensor.ChannelConfig) *sensor.Filter {
	t.Helper()
	f, err := sensor.NewFilter(cfgs, quietLogger())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	return f
}

func TestStatusWordBits(t *testing.T) {
	var w StatusWord

	w.SetSensorBits(0x05)
	if got := w.Load(); got != 0x05 {
		t.Errorf("word = %#x, want 0x05", got)
	}

	w.SetTaskWarn(0, true)
	w.SetTaskWarn(3, true)
	if got := w.Load(); got != 0x0905 {
		t.Errorf("word = %#x, want 0x0905", got)
	}

	// Replacing the sensor byte must not touch the task bits.
	w.SetSensorBits(0x02)
	if got := w.Load(); got != 0x0902 {
		t.Errorf("word = %#x, want 0x0902", got)
	}

	w.SetTaskWarn(0, false)
	if got := w.Load(); got != 0x0802 {
		t.Errorf("word = %#x, want 0x0802", got)
	}

	// Out-of-range ids are ignored.
	w.SetTaskWarn(30, true)
	w.SetTaskWarn(-1, true)
	if got := w.Load(); got != 0x0802 {
		t.Errorf("word = %#x after bad ids, want 0x0802", got)
	}
}

func newLoopFixture(t *testing.T) (*Loop, *sensor.Filter, *hal.SimBoard, *stopFlag) {
	t.Helper()
	filter := newTestFilter(t, sensor.ChannelConfig{Name: "pv", Min: 0, Max: 1023, Depth: 4})
	board := hal.NewSimBoard(1, 1)
	stop := &stopFlag{}
	acts, err := hal.NewActuators(board.Outputs(), nil)
	if err != nil {
		t.Fatalf("NewActuators: %v", err)
	}
	loop := NewLoop(filter, acts, stop, 0, 0, 512, 4)
	return loop, filter, board, stop
}

func TestLoopProportionalStep(t *testing.T) {
	loop, filter, board, _ := newLoopFixture(t)

	// Fill the window so the filtered value is exactly 412.
	for i := 0; i < 4; i++ {
		filter.Push(0, 412)
	}
	loop.Run(1)

	// (512 - 412) / 4 = 25
	if got := board.OutputValue(0); got != 25 {
		t.Errorf("output = %d, want 25", got)
	}
	if got := loop.LastOutput(); got != 25 {
		t.Errorf("LastOutput = %d, want 25", got)
	}

	// Above the setpoint the correction goes negative.
	for i := 0; i < 4; i++ {
		filter.Push(0, 612)
	}
	loop.Run(2)
	if got := board.OutputValue(0); got != -25 {
		t.Errorf("output = %d, want -25", got)
	}
}

func TestLoopRunsOnHeldValueWhenInvalid(t *testing.T) {
	loop, filter, board, _ := newLoopFixture(t)

	for i := 0; i < 4; i++ {
		filter.Push(0, 412)
	}
	filter.Push(0, 5000) // rejected, value holds at 412

	loop.Run(1)
	if got := board.OutputValue(0); got != 25 {
		t.Errorf("output = %d, want 25 from held value", got)
	}
	if got := loop.InvalidReads(); got != 1 {
		t.Errorf("invalid reads = %d, want 1", got)
	}
}

func TestLoopDoesNothingWhileStopped(t *testing.T) {
	loop, filter, board, stop := newLoopFixture(t)

	filter.Push(0, 412)
	stop.Store(true)
	loop.Run(1)

	if got := board.OutputValue(0); got != 0 {
		t.Errorf("output = %d while stopped, want untouched 0", got)
	}
	if got := loop.LastOutput(); got != 0 {
		t.Errorf("LastOutput = %d while stopped, want 0", got)
	}
}

func TestAcquisitionFeedsFilterAndEscalates(t *testing.T) {
	counter, _ := tick.NewCounter(100)
	s := sched.New(sched.Config{}, counter, quietLogger())
	ownerID, err := s.Register(sched.Descriptor{
		Name: "control_loop", PeriodMicros: 1000, Enabled: true,
		Fn: func(tick.Ticks) {},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	filter := newTestFilter(t, sensor.ChannelConfig{
		Name: "pv", Min: 50, Max: 1000, Depth: 4, FaultLimit: 2,
	})
	board := hal.NewSimBoard(1, 0)
	acq := NewAcquisition(filter, board.Inputs(), s, 0, ownerID, quietLogger())

	board.SetInput(0, 500)
	acq.Run(1)
	if v, valid := filter.Sample(0); !valid || v != 500 {
		t.Fatalf("sample = %d,%v, want 500,true", v, valid)
	}

	// Two consecutive bad reads fault the channel and suspend the loop.
	board.SetInput(0, 2000)
	acq.Run(2)
	if !s.TaskEnabled(ownerID) {
		t.Fatal("loop suspended after a single rejection")
	}
	acq.Run(3)
	if s.TaskEnabled(ownerID) {
		t.Fatal("loop still enabled with the channel faulted")
	}

	// Recovery re-enables it.
	board.SetInput(0, 500)
	acq.Run(4)
	if !s.TaskEnabled(ownerID) {
		t.Error("loop not re-enabled after channel recovery")
	}
}

func TestAcquisitionCountsReadErrors(t *testing.T) {
	filter := newTestFilter(t, sensor.ChannelConfig{Name: "pv", Min: 0, Max: 1023, Depth: 4})
	inputs := []hal.Input{{
		Name: "broken",
		Read: func() (uint16, error) { return 0, io.ErrUnexpectedEOF },
	}}
	acq := NewAcquisition(filter, inputs, nil, 0, -1, quietLogger())

	acq.Run(1)
	acq.Run(2)
	if got := acq.ReadErrors(); got != 2 {
		t.Errorf("read errors = %d, want 2", got)
	}
	if _, valid := filter.Sample(0); valid {
		t.Error("sample valid although every read failed")
	}
}

func TestHeartbeatToggles(t *testing.T) {
	var h Heartbeat
	if h.State() {
		t.Fatal("heartbeat starts high")
	}
	h.Run(1)
	if !h.State() {
		t.Error("heartbeat low after one run")
	}
	h.Run(2)
	if h.State() {
		t.Error("heartbeat high after two runs")
	}
	if h.Beats() != 2 {
		t.Errorf("beats = %d, want 2", h.Beats())
	}
}
