// rtcontrol-sim drives the control core deterministically: it steps the
// tick source by hand instead of arming a wall-clock timer, feeds the
// channels a synthetic waveform, optionally injects an emergency stop
// mid-run, and prints a timing report.
//
// Usage:
//
//	rtcontrol-sim [-ms 5000] [-estop-at-ms 2500] [-spin-us 200] [-noise]
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"rtcontrol/pkg/config"
	"rtcontrol/pkg/control"
	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/metrics"
	"rtcontrol/pkg/safety"
	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/tick"
)

func main() {
	runMs := flag.Uint64("ms", 5000, "Simulated run length in milliseconds")
	estopAtMs := flag.Uint64("estop-at-ms", 0, "Inject emergency stop at this time (0 = never)")
	spinUs := flag.Uint64("spin-us", 0, "Busy-work per control step, to provoke deadline misses")
	noise := flag.Bool("noise", false, "Inject out-of-range samples on channel 0")
	level := flag.String("level", "warn", "Log level")
	flag.Parse()

	logger := log.New(os.Stderr, log.ParseLevel(*level))
	log.SetDefault(logger)

	if err := run(*runMs, *estopAtMs, *spinUs, *noise, logger); err != nil {
		logger.Errorf("sim: %v", err)
		os.Exit(1)
	}
}

func run(runMs, estopAtMs, spinUs uint64, noise bool, logger *log.Logger) error {
	cfg := config.DefaultSystemConfig()

	counter, err := tick.NewCounter(cfg.TickPeriodMicros)
	if err != nil {
		return err
	}
	source := tick.NewSource(counter)

	board := hal.NewSimBoard(len(cfg.Channels), 2)
	ctrl := safety.NewController(counter, logger)
	acts, err := hal.NewActuators(board.Outputs(), ctrl.StopCell())
	if err != nil {
		return err
	}
	ctrl.BindActuators(acts)

	estop := &hal.EstopLine{}
	estop.Bind(func() { ctrl.EmergencyStop(safety.CauseHardware) })

	chanCfgs := make([]sensor.ChannelConfig, len(cfg.Channels))
	for i, cc := range cfg.Channels {
		chanCfgs[i] = sensor.ChannelConfig{
			Name:       cc.Name,
			Depth:      cc.Depth,
			Min:        uint16(cc.Min),
			Max:        uint16(cc.Max),
			FaultLimit: cc.FaultLimit,
		}
	}
	filter, err := sensor.NewFilter(chanCfgs, logger)
	if err != nil {
		return err
	}

	scheduler := sched.New(sched.Config{MissLimit: cfg.MissLimit}, counter, logger)

	var (
		loop       *control.Loop
		acq        *control.Acquisition
		comm       *control.Communication
		monitor    *control.Monitor
		diag       *control.Diagnostic
		heartbeat  control.Heartbeat
		supervisor *safety.Supervisor
		collector  *metrics.Collector
	)
	spin := func() {
		if spinUs == 0 {
			return
		}
		deadline := time.Now().Add(time.Duration(spinUs) * time.Microsecond)
		for time.Now().Before(deadline) {
		}
	}
	bodies := map[string]sched.TaskFunc{
		"control_loop":       func(now tick.Ticks) { spin(); loop.Run(now) },
		"sensor_acquisition": func(now tick.Ticks) { acq.Run(now) },
		"communication":      func(now tick.Ticks) { comm.Run(now) },
		"system_monitor":     func(now tick.Ticks) { monitor.Run(now) },
		"user_interface":     func(now tick.Ticks) { heartbeat.Run(now) },
		"watchdog_service":   func(now tick.Ticks) { supervisor.Run(now) },
		"diagnostic":         func(now tick.Ticks) { diag.Run(now) },
		"metrics_collector":  func(now tick.Ticks) { collector.Run(now) },
	}

	ids := make(map[string]int)
	for _, tc := range cfg.Tasks {
		body, ok := bodies[tc.Name]
		if !ok {
			return fmt.Errorf("no task body named %q", tc.Name)
		}
		id, err := scheduler.Register(sched.Descriptor{
			Name:           tc.Name,
			Priority:       sched.ParsePriority(tc.Priority),
			PeriodMicros:   tc.PeriodMicros,
			DeadlineMicros: tc.DeadlineMicros,
			Enabled:        tc.Enabled,
			Critical:       tc.Critical,
			Fn:             body,
		})
		if err != nil {
			return err
		}
		ids[tc.Name] = id
	}

	var word control.StatusWord
	registry := metrics.NewRegistry()
	collector = metrics.NewCollector(scheduler, counter, ctrl, registry)
	loop = control.NewLoop(filter, acts, ctrl,
		cfg.SensorChannel, cfg.OutputChannel,
		uint16(cfg.Setpoint), uint16(cfg.GainDivisor))
	acq = control.NewAcquisition(filter, board.Inputs(), scheduler,
		cfg.SensorChannel, ids["control_loop"], logger)
	monitor = control.NewMonitor(scheduler, filter, &word, nil,
		cfg.ShedHighWater, cfg.ShedLowWater, logger)
	diag = control.NewDiagnostic(scheduler, counter, &word, 0, logger)
	comm = control.NewCommunication(filter, loop, &word, monitor, ctrl)

	wd := hal.NewSimWatchdog(time.Duration(cfg.WatchdogTimeoutMillis) * time.Millisecond)
	supervisor = safety.NewSupervisor(wd, ctrl, scheduler, scheduler.CriticalTaskIDs(), logger)

	if err := scheduler.Arm(); err != nil {
		return err
	}
	if err := source.Arm(scheduler.ScheduleTick); err != nil {
		return err
	}

	ticksPerMs := uint64(counter.FromMicros(1000))
	totalTicks := runMs * ticksPerMs
	estopTick := estopAtMs * ticksPerMs

	for t := uint64(1); t <= totalTicks; t++ {
		// Synthetic process value: slow sine around the setpoint.
		phase := 2 * math.Pi * float64(t) / float64(10000*ticksPerMs)
		value := float64(cfg.Setpoint) + 200*math.Sin(phase)
		if noise && t%997 == 0 {
			value = 4000 // out of range, must be rejected
		}
		board.SetInput(0, uint16(value))

		if estopTick > 0 && t == estopTick {
			estop.Trigger()
		}
		source.Tick()
	}

	report(os.Stdout, scheduler, collector, supervisor, ctrl, board, counter)
	return nil
}

func report(w *os.File, s *sched.Scheduler, c *metrics.Collector, sup *safety.Supervisor, ctrl *safety.Controller, board *hal.SimBoard, counter *tick.Counter) {
	snap := c.Collect(counter.Now())

	fmt.Fprintf(w, "=== rtcontrol simulation report ===\n")
	fmt.Fprintf(w, "ticks: %d  idle: %d  dispatches: %d  util(window): %.1f%%\n",
		snap.TotalTicks, snap.IdleTicks, snap.Dispatches, snap.CPUUtilization)
	fmt.Fprintf(w, "max exec: %dus  scheduler overhead: %dus\n",
		snap.MaxExecMicros, snap.OverheadMicros)
	fmt.Fprintf(w, "watchdog: serviced=%d withheld=%d\n",
		sup.ServiceCount(), sup.WithheldCount())
	fmt.Fprintf(w, "stop flag: %v (cause=%s, tick=%d)  output[0]=%d\n",
		ctrl.Stopped(), ctrl.StopCause(), ctrl.StopTick(), board.OutputValue(0))

	fmt.Fprintf(w, "\n%-20s %8s %8s %10s %8s %8s %8s\n",
		"task", "runs", "misses", "worst(us)", "avg(us)", "enabled", "state")
	for _, t := range s.Snapshot() {
		fmt.Fprintf(w, "%-20s %8d %8d %10d %8d %8v %8s\n",
			t.Name, t.RunCount, t.DeadlineMisses, t.WorstCaseMicros,
			t.AvgMicros, t.Enabled, t.State)
	}
}
