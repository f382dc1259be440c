package control

import (
	"testing"

	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/sensor"
)

// utilStub supplies a fixed utilization figure.
type utilStub struct {
	v float64
}

func (u utilStub) Utilization() float64 { return u.v }

func newCommFixture(t *testing.T, util float64) (*Communication, *StatusWord, *stopFlag) {
	t.Helper()
	filter := newTestFilter(t,
		sensor.ChannelConfig{Name: "pv", Min: 0, Max: 1023, Depth: 1},
		sensor.ChannelConfig{Name: "aux", Min: 0, Max: 1023, Depth: 1},
	)
	filter.Push(0, 300)
	filter.Push(1, 200)

	board := hal.NewSimBoard(0, 1)
	acts, err := hal.NewActuators(board.Outputs(), nil)
	if err != nil {
		t.Fatalf("NewActuators: %v", err)
	}
	loop := NewLoop(filter, acts, nil, 0, 0, 512, 4)
	loop.Run(1) // output = (512-300)/4 = 53

	var word StatusWord
	stop := &stopFlag{}
	comm := NewCommunication(filter, loop, &word, utilStub{util}, stop)
	return comm, &word, stop
}

func TestFrameLayout(t *testing.T) {
	comm, word, _ := newCommFixture(t, 42.9)
	word.SetSensorBits(0x02)
	word.SetTaskWarn(0, true) // word = 0x0102

	comm.Run(1)
	f, count := comm.Frame()
	if count != 1 {
		t.Fatalf("frame count = %d, want 1", count)
	}

	if f[0] != 0xAA || f[1] != 0x55 {
		t.Errorf("header = %#x %#x, want 0xAA 0x55", f[0], f[1])
	}
	if f[14] != 0xBB || f[15] != 0xCC {
		t.Errorf("footer = %#x %#x, want 0xBB 0xCC", f[14], f[15])
	}
	if f[2] != 0x01 || f[3] != 0x02 {
		t.Errorf("status word bytes = %#x %#x, want 0x01 0x02", f[2], f[3])
	}
	if ch0 := uint16(f[4])<<8 | uint16(f[5]); ch0 != 300 {
		t.Errorf("channel 0 = %d, want 300", ch0)
	}
	if ch1 := uint16(f[6])<<8 | uint16(f[7]); ch1 != 200 {
		t.Errorf("channel 1 = %d, want 200", ch1)
	}
	if out := int16(uint16(f[8])<<8 | uint16(f[9])); out != 53 {
		t.Errorf("output = %d, want 53", out)
	}
	if f[10] != 0x02 {
		t.Errorf("fault byte = %#x, want 0x02", f[10])
	}
	if f[11] != 42 {
		t.Errorf("utilization byte = %d, want 42", f[11])
	}
	if f[12] != 0 {
		t.Errorf("stop byte = %#x, want 0", f[12])
	}
	if f[13] != Checksum(f) {
		t.Errorf("checksum = %#x, want %#x", f[13], Checksum(f))
	}
}

func TestFrameStopByte(t *testing.T) {
	comm, _, stop := newCommFixture(t, 0)
	stop.Store(true)

	comm.Run(1)
	f, _ := comm.Frame()
	if f[12] != 0xFF {
		t.Errorf("stop byte = %#x, want 0xFF", f[12])
	}
	if f[13] != Checksum(f) {
		t.Errorf("checksum = %#x, want %#x", f[13], Checksum(f))
	}
}

func TestFrameUtilizationClamped(t *testing.T) {
	comm, _, _ := newCommFixture(t, 250)
	comm.Run(1)
	f, _ := comm.Frame()
	if f[11] != 100 {
		t.Errorf("utilization byte = %d, want clamped 100", f[11])
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	comm, _, _ := newCommFixture(t, 10)
	comm.Run(1)
	f, _ := comm.Frame()

	good := Checksum(f)
	f[8] ^= 0x40
	if Checksum(f) == good {
		t.Error("checksum unchanged after payload corruption")
	}
}
