package hal

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewActuatorsRejectsNilHook(t *testing.T) {
	var stop atomic.Bool
	_, err := NewActuators([]Output{{Name: "bad"}}, &stop)
	if !errors.Is(err, ErrNilHook) {
		t.Errorf("error = %v, want ErrNilHook", err)
	}
}

func TestActuatorsWriteGate(t *testing.T) {
	board := NewSimBoard(0, 1)
	var stop atomic.Bool
	acts, err := NewActuators(board.Outputs(), &stop)
	if err != nil {
		t.Fatalf("NewActuators: %v", err)
	}

	if err := acts.Write(0, 42); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := board.OutputValue(0); got != 42 {
		t.Errorf("output = %d, want 42", got)
	}

	if err := acts.Write(1, 0); !errors.Is(err, ErrBadChannel) {
		t.Errorf("bad channel error = %v, want ErrBadChannel", err)
	}

	stop.Store(true)
	if err := acts.Write(0, 99); !errors.Is(err, ErrOutputLocked) {
		t.Errorf("locked write error = %v, want ErrOutputLocked", err)
	}
	if got := board.OutputValue(0); got != 42 {
		t.Errorf("locked write reached hardware: %d", got)
	}

	// SafeState bypasses the gate.
	acts.SafeState()
	if got := board.OutputValue(0); got != 0 {
		t.Errorf("output after SafeState = %d, want 0", got)
	}
}

func TestSimBoardRoundTrip(t *testing.T) {
	board := NewSimBoard(2, 1)
	board.SetInput(0, 512)
	board.SetInput(1, 100)

	ins := board.Inputs()
	if len(ins) != 2 {
		t.Fatalf("inputs = %d, want 2", len(ins))
	}
	if ins[0].Name != "ain0" || ins[1].Name != "ain1" {
		t.Errorf("input names = %s, %s", ins[0].Name, ins[1].Name)
	}
	if v, err := ins[0].Read(); err != nil || v != 512 {
		t.Errorf("Read(0) = %d,%v, want 512,nil", v, err)
	}
	if v, err := ins[1].Read(); err != nil || v != 100 {
		t.Errorf("Read(1) = %d,%v, want 100,nil", v, err)
	}
}

func TestEstopLineTrigger(t *testing.T) {
	line := &EstopLine{}

	// Unbound trigger is a no-op.
	line.Trigger()

	fired := 0
	line.Bind(func() { fired++ })
	line.Trigger()
	line.Trigger()
	if fired != 2 {
		t.Errorf("callback fired %d times, want 2", fired)
	}
}

func TestSimWatchdogExpiry(t *testing.T) {
	wd := NewSimWatchdog(5 * time.Millisecond)

	// Never serviced: hardware has not armed it yet.
	if wd.Expired() {
		t.Error("unserviced watchdog reported expired")
	}

	wd.Service()
	if wd.Expired() {
		t.Error("freshly serviced watchdog reported expired")
	}
	if wd.ServiceCount() != 1 {
		t.Errorf("service count = %d, want 1", wd.ServiceCount())
	}

	time.Sleep(10 * time.Millisecond)
	if !wd.Expired() {
		t.Error("starved watchdog not expired")
	}

	wd.Service()
	if wd.Expired() {
		t.Error("re-serviced watchdog still expired")
	}
}
