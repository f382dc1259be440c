// Package sensor implements the I/O sample filter: a fixed-depth moving
// average plus range validation per input channel.
//
// Control tasks consume the filtered snapshots read-only; the filter is
// fed from task context only, never from an interrupt.
package sensor

import (
	"errors"
	"fmt"
	"sync"

	"rtcontrol/pkg/log"
)

// Common errors
var (
	ErrBadChannel = errors.New("sensor: channel index out of range")
	ErrBadDepth   = errors.New("sensor: filter depth out of range")
	ErrBadRange   = errors.New("sensor: min must be below max")
)

const (
	// DefaultDepth is the moving-average window used when a channel
	// does not configure one.
	DefaultDepth = 8

	// MaxDepth bounds the per-channel history buffer.
	MaxDepth = 8
)

// ChannelConfig describes one filtered input channel.
type ChannelConfig struct {
	Name string

	// Depth is the moving-average window, 1..MaxDepth. Zero selects
	// DefaultDepth.
	Depth int

	// Min and Max bound acceptable raw samples. A sample outside the
	// range is rejected: the exposed value holds the last good reading.
	Min uint16
	Max uint16

	// FaultLimit is the consecutive-rejection count at which the
	// channel is reported faulted. Zero means the channel never faults.
	FaultLimit int
}

// channel holds one channel's circular history and derived state.
type channel struct {
	cfg ChannelConfig

	buf    []uint16
	sum    uint32
	idx    int
	filled int

	value  uint16 // last good filtered value
	valid  bool   // last raw sample was accepted
	faults uint64 // total rejected samples
	consec int    // consecutive rejections
}

// Filter owns all filtered channels.
type Filter struct {
	mu     sync.RWMutex
	chans  []*channel
	logger *log.Logger
}

// NewFilter builds the filter from per-channel configuration.
func NewFilter(cfgs []ChannelConfig, logger *log.Logger) (*Filter, error) {
	if logger == nil {
		logger = log.Default()
	}
	f := &Filter{logger: logger.WithPrefix("sensor")}

	for i, cfg := range cfgs {
		if cfg.Depth == 0 {
			cfg.Depth = DefaultDepth
		}
		if cfg.Depth < 1 || cfg.Depth > MaxDepth {
			return nil, fmt.Errorf("%w: channel %d depth %d", ErrBadDepth, i, cfg.Depth)
		}
		if cfg.Min >= cfg.Max {
			return nil, fmt.Errorf("%w: channel %d [%d,%d]", ErrBadRange, i, cfg.Min, cfg.Max)
		}
		f.chans = append(f.chans, &channel{
			cfg: cfg,
			buf: make([]uint16, cfg.Depth),
		})
	}
	return f, nil
}

// ChannelCount returns the number of configured channels.
func (f *Filter) ChannelCount() int {
	return len(f.chans)
}

// Push feeds one raw sample into a channel and reports whether it was
// accepted. Rejected samples leave the exposed value untouched.
func (f *Filter) Push(ch int, raw uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch < 0 || ch >= len(f.chans) {
		return false
	}
	c := f.chans[ch]

	if raw < c.cfg.Min || raw > c.cfg.Max {
		c.valid = false
		c.faults++
		c.consec++
		if c.cfg.FaultLimit > 0 && c.consec == c.cfg.FaultLimit {
			f.logger.Warn("channel faulted", log.Fields{
				"channel": ch,
				"name":    c.cfg.Name,
				"raw":     raw,
				"consec":  c.consec,
			})
		}
		return false
	}

	// Circular moving average.
	c.sum -= uint32(c.buf[c.idx])
	c.buf[c.idx] = raw
	c.sum += uint32(raw)
	c.idx = (c.idx + 1) % len(c.buf)
	if c.filled < len(c.buf) {
		c.filled++
	}

	c.value = uint16(c.sum / uint32(c.filled))
	c.valid = true
	c.consec = 0
	return true
}

// Sample returns the most recent filtered value and whether the latest
// raw sample was accepted. After a rejection the previous good value is
// still returned with valid=false.
func (f *Filter) Sample(ch int) (uint16, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ch < 0 || ch >= len(f.chans) {
		return 0, false
	}
	c := f.chans[ch]
	return c.value, c.valid
}

// ConsecutiveFaults returns the channel's current rejection streak.
func (f *Filter) ConsecutiveFaults(ch int) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ch < 0 || ch >= len(f.chans) {
		return 0
	}
	return f.chans[ch].consec
}

// Faulted reports whether the channel's rejection streak has reached
// its fault limit.
func (f *Filter) Faulted(ch int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ch < 0 || ch >= len(f.chans) {
		return false
	}
	c := f.chans[ch]
	return c.cfg.FaultLimit > 0 && c.consec >= c.cfg.FaultLimit
}

// FaultWord returns a bitmask with one bit per faulted channel, lowest
// channel in bit 0.
func (f *Filter) FaultWord() uint16 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var w uint16
	for i, c := range f.chans {
		if i >= 16 {
			break
		}
		if c.cfg.FaultLimit > 0 && c.consec >= c.cfg.FaultLimit {
			w |= 1 << uint(i)
		}
	}
	return w
}

// ChannelStatus is the exported view of one channel.
type ChannelStatus struct {
	Channel int    `json:"channel"`
	Name    string `json:"name"`
	Value   uint16 `json:"value"`
	Valid   bool   `json:"valid"`
	Faults  uint64 `json:"faults"`
	Consec  int    `json:"consecutive_faults"`
	Faulted bool   `json:"faulted"`
}

// Snapshot returns the status of every channel.
func (f *Filter) Snapshot() []ChannelStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ChannelStatus, len(f.chans))
	for i, c := range f.chans {
		out[i] = ChannelStatus{
			Channel: i,
			Name:    c.cfg.Name,
			Value:   c.value,
			Valid:   c.valid,
			Faults:  c.faults,
			Consec:  c.consec,
			Faulted: c.cfg.FaultLimit > 0 && c.consec >= c.cfg.FaultLimit,
		}
	}
	return out
}
