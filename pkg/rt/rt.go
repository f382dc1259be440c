// Package rt configures the host process for real-time operation:
// locking memory to avoid page-fault latency and requesting a FIFO
// scheduling class for the tick loop.
//
// Both steps need privileges and are best-effort: the core runs
// correctly without them, just with weaker latency bounds.
package rt

import "rtcontrol/pkg/log"

// Options selects which real-time setup steps to attempt.
type Options struct {
	// LockMemory locks current and future pages into RAM.
	LockMemory bool

	// FIFOPriority requests SCHED_FIFO at this priority (1..99).
	// Zero leaves the scheduling class unchanged.
	FIFOPriority int
}

// Setup applies the requested options, logging each step. Failures are
// reported but never fatal.
func Setup(opts Options, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("rt")

	if opts.LockMemory {
		if err := lockMemory(); err != nil {
			logger.Warn("mlockall failed, continuing unlocked", log.Fields{"error": err.Error()})
		} else {
			logger.Info("memory locked")
		}
	}

	if opts.FIFOPriority > 0 {
		if err := setFIFO(opts.FIFOPriority); err != nil {
			logger.Warn("SCHED_FIFO unavailable, continuing with default class", log.Fields{
				"priority": opts.FIFOPriority,
				"error":    err.Error(),
			})
		} else {
			logger.Info("SCHED_FIFO set", log.Fields{"priority": opts.FIFOPriority})
		}
	}
}
