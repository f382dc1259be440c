package safety

import (
	"sync/atomic"
	"testing"

	"rtcontrol/pkg/tick"
)

// fakeWatchdog counts service calls.
type fakeWatchdog struct {
	services atomic.Uint64
}

func (w *fakeWatchdog) Service() { w.services.Add(1) }

// fakeLiveness is a hand-rolled task table for supervisor tests.
type fakeLiveness struct {
	lastStart map[int]tick.Ticks
	period    map[int]tick.Ticks
	enabled   map[int]bool
}

func (f *fakeLiveness) TaskLastStart(id int) (tick.Ticks, bool) {
	v, ok := f.lastStart[id]
	return v, ok
}

func (f *fakeLiveness) TaskPeriod(id int) (tick.Ticks, bool) {
	v, ok := f.period[id]
	return v, ok
}

func (f *fakeLiveness) TaskEnabled(id int) bool {
	return f.enabled[id]
}

func newSupervisorFixture(t *testing.T) (*Supervisor, *fakeWatchdog, *fakeLiveness, *Controller) {
	t.Helper()
	counter, err := tick.NewCounter(100)
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	ctrl := NewController(counter, quietLogger())
	wd := &fakeWatchdog{}
	live := &fakeLiveness{
		lastStart: map[int]tick.Ticks{0: 100, 1: 100},
		period:    map[int]tick.Ticks{0: 10, 1: 50},
		enabled:   map[int]bool{0: true, 1: true},
	}
	sup := NewSupervisor(wd, ctrl, live, []int{0, 1}, quietLogger())
	return sup, wd, live, ctrl
}

func TestSupervisorServicesWhenHealthy(t *testing.T) {
	sup, wd, _, _ := newSupervisorFixture(t)

	// Both tasks started at tick 100; within 2x period of tick 110.
	if !sup.Check(110) {
		t.Fatal("Check withheld service with all tasks healthy")
	}
	if wd.services.Load() != 1 {
		t.Errorf("watchdog serviced %d times, want 1", wd.services.Load())
	}
	if sup.ServiceCount() != 1 || sup.WithheldCount() != 0 {
		t.Errorf("counts = %d serviced / %d withheld", sup.ServiceCount(), sup.WithheldCount())
	}
	if sup.LastUnhealthy() != -1 {
		t.Errorf("last unhealthy = %d, want -1", sup.LastUnhealthy())
	}
}

func TestSupervisorWithholdsForStaleTask(t *testing.T) {
	sup, wd, _, _ := newSupervisorFixture(t)

	// Task 0 (period 10) last started at 100; tick 121 is past 2x period.
	if sup.Check(121) {
		t.Fatal("Check serviced despite a stale critical task")
	}
	if wd.services.Load() != 0 {
		t.Errorf("watchdog serviced %d times, want 0", wd.services.Load())
	}
	if sup.LastUnhealthy() != 0 {
		t.Errorf("last unhealthy = %d, want 0", sup.LastUnhealthy())
	}
}

func TestSupervisorBoundaryIsInclusive(t *testing.T) {
	sup, wd, _, _ := newSupervisorFixture(t)

	// Exactly 2x period late still counts as healthy.
	if !sup.Check(120) {
		t.Error("Check withheld at exactly twice the period")
	}
	if wd.services.Load() != 1 {
		t.Errorf("watchdog serviced %d times, want 1", wd.services.Load())
	}
}

func TestSupervisorWithholdsWhileStopped(t *testing.T) {
	sup, wd, _, ctrl := newSupervisorFixture(t)

	ctrl.EmergencyStop(CauseHardware)
	if sup.Check(110) {
		t.Fatal("Check serviced while the stop flag is latched")
	}
	if wd.services.Load() != 0 {
		t.Errorf("watchdog serviced %d times, want 0", wd.services.Load())
	}

	// Service resumes after a reset: letting the hardware reboot a
	// cleanly stopped system would destroy the stop diagnostics.
	if err := ctrl.EmergencyReset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !sup.Check(111) {
		t.Error("Check withheld after reset")
	}
}

func TestSupervisorIgnoresDisabledTasks(t *testing.T) {
	sup, wd, live, _ := newSupervisorFixture(t)

	// Task 0 is long stale but disabled, so it is not expected to run.
	// Task 1 stays fresh.
	live.enabled[0] = false
	live.lastStart[1] = 950
	if !sup.Check(1000) {
		t.Error("Check withheld for a disabled task")
	}
	if wd.services.Load() != 1 {
		t.Errorf("watchdog serviced %d times, want 1", wd.services.Load())
	}
}

func TestSupervisorUnknownTaskIsUnhealthy(t *testing.T) {
	sup, _, live, _ := newSupervisorFixture(t)
	live.enabled[7] = true
	sup.critical = append(sup.critical, 7)

	if sup.Check(110) {
		t.Error("Check serviced with an unknown task id under supervision")
	}
	if sup.LastUnhealthy() != 7 {
		t.Errorf("last unhealthy = %d, want 7", sup.LastUnhealthy())
	}
}
