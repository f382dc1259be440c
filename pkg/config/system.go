package config

import (
	"fmt"
	"strings"
)

// TaskConfig is the timing contract of one periodic task. The task body
// is bound by name at wiring time.
type TaskConfig struct {
	Name           string
	PeriodMicros   uint64
	DeadlineMicros uint64
	Priority       string
	Enabled        bool
	Critical       bool
}

// ChannelConfig describes one filtered input channel.
type ChannelConfig struct {
	Index      int
	Name       string
	Min        uint64
	Max        uint64
	Depth      int
	FaultLimit int
}

// SystemConfig is the full, immutable startup configuration.
type SystemConfig struct {
	// Scheduler
	TickPeriodMicros uint64
	MissLimit        uint64

	// Watchdog
	WatchdogTimeoutMillis uint64

	// Control loop
	Setpoint      uint64
	GainDivisor   uint64
	SensorChannel int
	OutputChannel int
	ShedHighWater float64
	ShedLowWater  float64

	// Status surfaces
	StatusListen       string
	MetricsListen      string
	PushIntervalMillis uint64

	Tasks    []TaskConfig
	Channels []ChannelConfig
}

// DefaultSystemConfig returns the built-in configuration: the standard
// task table (1ms control loop through 1s diagnostics) over four
// filtered analog channels.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		TickPeriodMicros:      100,
		MissLimit:             0,
		WatchdogTimeoutMillis: 1000,

		Setpoint:      512,
		GainDivisor:   4,
		SensorChannel: 0,
		OutputChannel: 0,
		ShedHighWater: 95,
		ShedLowWater:  70,

		StatusListen:       ":8150",
		MetricsListen:      ":9100",
		PushIntervalMillis: 500,

		Tasks: []TaskConfig{
			{Name: "control_loop", PeriodMicros: 1000, DeadlineMicros: 900, Priority: "critical", Enabled: true, Critical: true},
			{Name: "sensor_acquisition", PeriodMicros: 10000, DeadlineMicros: 8000, Priority: "high", Enabled: true, Critical: true},
			{Name: "communication", PeriodMicros: 50000, DeadlineMicros: 45000, Priority: "normal", Enabled: true, Critical: true},
			{Name: "system_monitor", PeriodMicros: 100000, DeadlineMicros: 90000, Priority: "normal", Enabled: true, Critical: true},
			{Name: "user_interface", PeriodMicros: 200000, DeadlineMicros: 180000, Priority: "low", Enabled: true},
			{Name: "watchdog_service", PeriodMicros: 500000, DeadlineMicros: 450000, Priority: "high", Enabled: true},
			{Name: "diagnostic", PeriodMicros: 1000000, DeadlineMicros: 900000, Priority: "low", Enabled: true},
			{Name: "metrics_collector", PeriodMicros: 1000000, DeadlineMicros: 1000000, Priority: "idle", Enabled: true},
		},
		Channels: []ChannelConfig{
			{Index: 0, Name: "process_value", Min: 50, Max: 1000, Depth: 8, FaultLimit: 5},
			{Index: 1, Name: "aux1", Min: 50, Max: 1000, Depth: 8, FaultLimit: 5},
			{Index: 2, Name: "aux2", Min: 50, Max: 1000, Depth: 8, FaultLimit: 5},
			{Index: 3, Name: "aux3", Min: 50, Max: 1000, Depth: 8, FaultLimit: 5},
		},
	}
}

// ParseSystemConfig loads a configuration file over the defaults.
// Sections: [scheduler], [watchdog], [control], [status], one
// [task <name>] per task and one [channel <n>] per input channel.
// Task and channel sections replace the default tables entirely.
func ParseSystemConfig(path string) (*SystemConfig, error) {
	raw, err := Load(path)
	if err != nil {
		return nil, err
	}

	sc := DefaultSystemConfig()

	if s := raw.Section("scheduler"); s != nil {
		if sc.TickPeriodMicros, err = s.GetUint("tick_period_us", sc.TickPeriodMicros); err != nil {
			return nil, err
		}
		if sc.MissLimit, err = s.GetUint("miss_limit", sc.MissLimit); err != nil {
			return nil, err
		}
	}

	if s := raw.Section("watchdog"); s != nil {
		if sc.WatchdogTimeoutMillis, err = s.GetUint("timeout_ms", sc.WatchdogTimeoutMillis); err != nil {
			return nil, err
		}
	}

	if s := raw.Section("control"); s != nil {
		if sc.Setpoint, err = s.GetUint("setpoint", sc.Setpoint); err != nil {
			return nil, err
		}
		if sc.GainDivisor, err = s.GetUint("gain_divisor", sc.GainDivisor); err != nil {
			return nil, err
		}
		if sc.GainDivisor == 0 {
			return nil, fmt.Errorf("config: [control] gain_divisor must be positive")
		}
		var n int64
		if n, err = s.GetInt("sensor_channel", int64(sc.SensorChannel)); err != nil {
			return nil, err
		}
		sc.SensorChannel = int(n)
		if n, err = s.GetInt("output_channel", int64(sc.OutputChannel)); err != nil {
			return nil, err
		}
		sc.OutputChannel = int(n)
		if sc.ShedHighWater, err = s.GetFloat("shed_high_water", sc.ShedHighWater); err != nil {
			return nil, err
		}
		if sc.ShedLowWater, err = s.GetFloat("shed_low_water", sc.ShedLowWater); err != nil {
			return nil, err
		}
		if sc.ShedLowWater >= sc.ShedHighWater {
			return nil, fmt.Errorf("config: [control] shed_low_water must be below shed_high_water")
		}
	}

	if s := raw.Section("status"); s != nil {
		sc.StatusListen = s.Get("listen", sc.StatusListen)
		sc.MetricsListen = s.Get("metrics_listen", sc.MetricsListen)
		if sc.PushIntervalMillis, err = s.GetUint("push_interval_ms", sc.PushIntervalMillis); err != nil {
			return nil, err
		}
	}

	if tasks := raw.SectionsWithPrefix("task "); len(tasks) > 0 {
		sc.Tasks = nil
		for _, s := range tasks {
			tc := TaskConfig{Name: strings.TrimPrefix(s.Name(), "task ")}
			if tc.PeriodMicros, err = s.GetUint("period_us", 0); err != nil {
				return nil, err
			}
			if tc.PeriodMicros == 0 {
				return nil, fmt.Errorf("config: [%s] period_us is required", s.Name())
			}
			if tc.DeadlineMicros, err = s.GetUint("deadline_us", tc.PeriodMicros); err != nil {
				return nil, err
			}
			tc.Priority = s.Get("priority", "normal")
			if tc.Enabled, err = s.GetBool("enabled", true); err != nil {
				return nil, err
			}
			if tc.Critical, err = s.GetBool("critical", false); err != nil {
				return nil, err
			}
			sc.Tasks = append(sc.Tasks, tc)
		}
	}

	if chans := raw.SectionsWithPrefix("channel "); len(chans) > 0 {
		sc.Channels = nil
		for i, s := range chans {
			cc := ChannelConfig{Index: i}
			cc.Name = s.Get("name", strings.TrimPrefix(s.Name(), "channel "))
			if cc.Min, err = s.GetUint("min", 0); err != nil {
				return nil, err
			}
			if cc.Max, err = s.GetUint("max", 1023); err != nil {
				return nil, err
			}
			var n int64
			if n, err = s.GetInt("depth", 8); err != nil {
				return nil, err
			}
			cc.Depth = int(n)
			if n, err = s.GetInt("fault_limit", 5); err != nil {
				return nil, err
			}
			cc.FaultLimit = int(n)
			sc.Channels = append(sc.Channels, cc)
		}
	}

	return sc, nil
}
