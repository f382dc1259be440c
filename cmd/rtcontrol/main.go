// rtcontrol is the real-time control host: a deterministic EDF task
// scheduler driving the standard control task set over a hardware
// abstraction layer.
//
// Usage:
//
//	rtcontrol [-config system.cfg] [options]
//
// Options:
//
//	-config string   System configuration file (defaults built in)
//	-logfile string  Log file path (default: stderr)
//	-level string    Log level: debug, info, warn, error (default info)
//	-json            Emit JSON log lines
//	-rt int          Request SCHED_FIFO at this priority (0 = off)
//	-lock            Lock process memory (mlockall)
//
// Signals:
//
//	SIGUSR1          Inject an emergency stop (hardware line)
//	SIGUSR2          Clear the stop flag (operator reset path)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtcontrol/pkg/config"
	"rtcontrol/pkg/control"
	"rtcontrol/pkg/hal"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/metrics"
	"rtcontrol/pkg/rt"
	"rtcontrol/pkg/safety"
	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/status"
	"rtcontrol/pkg/tick"
)

func main() {
	configFile := flag.String("config", "", "System configuration file")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	level := flag.String("level", "info", "Log level: debug, info, warn, error")
	jsonLog := flag.Bool("json", false, "Emit JSON log lines")
	rtPrio := flag.Int("rt", 0, "Request SCHED_FIFO at this priority (0 = off)")
	lockMem := flag.Bool("lock", false, "Lock process memory (mlockall)")
	flag.Parse()

	logger := log.New(os.Stderr, log.ParseLevel(*level))
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}
	if *jsonLog {
		logger.SetFormat(log.FormatJSON)
	}
	log.SetDefault(logger)

	cfg := config.DefaultSystemConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.ParseSystemConfig(*configFile)
		if err != nil {
			logger.Errorf("config: %v", err)
			os.Exit(1)
		}
	}

	rt.Setup(rt.Options{LockMemory: *lockMem, FIFOPriority: *rtPrio}, logger)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.SystemConfig, logger *log.Logger) error {
	counter, err := tick.NewCounter(cfg.TickPeriodMicros)
	if err != nil {
		return err
	}
	source := tick.NewSource(counter)

	// Hardware layer: simulated board until a real HAL is wired in.
	board := hal.NewSimBoard(len(cfg.Channels), 2)
	for i := range cfg.Channels {
		board.SetInput(i, uint16(cfg.Setpoint))
	}

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

	// Task bodies resolve through late-bound components so the table
	// can be registered before everything is constructed.
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
	bodies := map[string]sched.TaskFunc{
		"control_loop":       func(now tick.Ticks) { loop.Run(now) },
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

	ownerID := -1
	if id, ok := ids["control_loop"]; ok {
		ownerID = id
	}
	acq = control.NewAcquisition(filter, board.Inputs(), scheduler,
		cfg.SensorChannel, ownerID, logger)

	var shedIDs []int
	for _, name := range []string{"user_interface", "diagnostic"} {
		if id, ok := ids[name]; ok {
			shedIDs = append(shedIDs, id)
		}
	}
	monitor = control.NewMonitor(scheduler, filter, &word, shedIDs,
		cfg.ShedHighWater, cfg.ShedLowWater, logger)
	diag = control.NewDiagnostic(scheduler, counter, &word, 0, logger)
	comm = control.NewCommunication(filter, loop, &word, monitor, ctrl)

	wd := hal.NewSimWatchdog(time.Duration(cfg.WatchdogTimeoutMillis) * time.Millisecond)
	supervisor = safety.NewSupervisor(wd, ctrl, scheduler, scheduler.CriticalTaskIDs(), logger)

	if err := scheduler.Arm(); err != nil {
		return err
	}

	// Status surfaces.
	statusSrv := status.NewServer(status.Sources{
		Counter:   counter,
		Scheduler: scheduler,
		Collector: collector,
		Safety:    ctrl,
		Filter:    filter,
		Comm:      comm,
		Word:      &word,
	}, status.Config{
		Address:      cfg.StatusListen,
		PushInterval: time.Duration(cfg.PushIntervalMillis) * time.Millisecond,
	}, logger)
	go func() {
		if err := statusSrv.Start(); err != nil {
			logger.Errorf("status server: %v", err)
		}
	}()

	metricsSrv := metrics.NewServer(registry, metrics.ServerConfig{
		Address:      cfg.MetricsListen,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	go func() {
		if err := metricsSrv.Start(); err != nil {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	if err := source.Arm(scheduler.ScheduleTick); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Operator signal paths: USR1 injects the hardware stop line, USR2
	// is the deliberate reset command.
	opCh := make(chan os.Signal, 4)
	signal.Notify(opCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range opCh {
			switch sig {
			case syscall.SIGUSR1:
				estop.Trigger()
			case syscall.SIGUSR2:
				if err := ctrl.EmergencyReset(); err != nil {
					logger.Warnf("reset refused: %v", err)
				}
			}
		}
	}()

	// Watchdog starvation ends the process the way the hardware would
	// end the system.
	go func() {
		tk := time.NewTicker(100 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				if wd.Expired() {
					logger.Error("hardware watchdog expired, resetting")
					os.Exit(2)
				}
			}
		}
	}()

	logger.Info("rtcontrol started", log.Fields{
		"tick_us": cfg.TickPeriodMicros,
		"tasks":   len(cfg.Tasks),
		"status":  cfg.StatusListen,
		"metrics": cfg.MetricsListen,
	})

	err = source.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	_ = statusSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		logger.Info("rtcontrol stopped")
		return nil
	}
	return err
}
