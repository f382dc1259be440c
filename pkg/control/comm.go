package control

import (
	"sync"

	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/tick"
)

// Frame layout constants. The 16-byte status frame is the payload the
// excluded transport layer ships out; this package only builds it.
const (
	FrameSize    = 16
	frameHeader0 = 0xAA
	frameHeader1 = 0x55
	frameFooter0 = 0xBB
	frameFooter1 = 0xCC
)

// UtilSource supplies the utilization figure carried in the frame.
type UtilSource interface {
	Utilization() float64
}

// Communication is the 50ms communication task. Each run it assembles
// the binary status frame from the latest filtered samples, control
// output, status word and stop flag.
type Communication struct {
	filter *sensor.Filter
	loop   *Loop
	word   *StatusWord
	util   UtilSource
	stop   StopState

	mu    sync.Mutex
	frame [FrameSize]byte
	built uint64
}

// NewCommunication creates the communication task body.
func NewCommunication(filter *sensor.Filter, loop *Loop, word *StatusWord, util UtilSource, stop StopState) *Communication {
	return &Communication{
		filter: filter,
		loop:   loop,
		word:   word,
		util:   util,
		stop:   stop,
	}
}

// Run builds one status frame.
func (c *Communication) Run(now tick.Ticks) {
	var f [FrameSize]byte
	f[0] = frameHeader0
	f[1] = frameHeader1

	ch0, _ := c.filter.Sample(0)
	var ch1 uint16
	if c.filter.ChannelCount() > 1 {
		ch1, _ = c.filter.Sample(1)
	}
	out := uint16(c.loop.LastOutput())

	var word uint32
	if c.word != nil {
		word = c.word.Load()
	}
	var util byte
	if c.util != nil {
		u := c.util.Utilization()
		if u < 0 {
			u = 0
		} else if u > 100 {
			u = 100
		}
		util = byte(u)
	}

	f[2] = byte(word >> 8)   // task warning bits
	f[3] = byte(word)        // sensor fault bits
	f[4] = byte(ch0 >> 8)
	f[5] = byte(ch0)
	f[6] = byte(ch1 >> 8)
	f[7] = byte(ch1)
	f[8] = byte(out >> 8)
	f[9] = byte(out)
	f[10] = byte(word)
	f[11] = util
	if c.stop != nil && c.stop.Stopped() {
		f[12] = 0xFF
	}

	var checksum byte
	for i := 2; i < 13; i++ {
		checksum ^= f[i]
	}
	f[13] = checksum
	f[14] = frameFooter0
	f[15] = frameFooter1

	c.mu.Lock()
	c.frame = f
	c.built++
	c.mu.Unlock()
}

// Frame returns a copy of the latest status frame and the number of
// frames built so far.
func (c *Communication) Frame() ([FrameSize]byte, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, c.built
}

// Checksum computes the frame checksum over the payload bytes. Exposed
// for the transport layer's verification.
func Checksum(f [FrameSize]byte) byte {
	var sum byte
	for i := 2; i < 13; i++ {
		sum ^= f[i]
	}
	return sum
}
