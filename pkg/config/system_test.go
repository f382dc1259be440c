package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSystemConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system.cfg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultSystemConfig(t *testing.T) {
	cfg := DefaultSystemConfig()

	if cfg.TickPeriodMicros != 100 {
		t.Errorf("tick period = %d, want 100", cfg.TickPeriodMicros)
	}
	if cfg.Setpoint != 512 || cfg.GainDivisor != 4 {
		t.Errorf("control defaults = %d/%d, want 512/4", cfg.Setpoint, cfg.GainDivisor)
	}
	if len(cfg.Tasks) != 8 {
		t.Fatalf("default task table has %d entries, want 8", len(cfg.Tasks))
	}
	if cfg.Tasks[0].Name != "control_loop" || cfg.Tasks[0].PeriodMicros != 1000 || cfg.Tasks[0].DeadlineMicros != 900 {
		t.Errorf("control_loop = %+v", cfg.Tasks[0])
	}
	for _, tc := range cfg.Tasks {
		if tc.DeadlineMicros > tc.PeriodMicros {
			t.Errorf("task %s deadline %d exceeds period %d", tc.Name, tc.DeadlineMicros, tc.PeriodMicros)
		}
	}
	if len(cfg.Channels) != 4 {
		t.Errorf("default channels = %d, want 4", len(cfg.Channels))
	}
}

func TestParseSystemConfigOverlays(t *testing.T) {
	path := writeSystemConfig(t, `
[scheduler]
tick_period_us: 50
miss_limit: 5

[watchdog]
timeout_ms: 2000

[control]
setpoint: 600
shed_high_water: 90
shed_low_water: 60

[status]
listen: :9000
`)
	cfg, err := ParseSystemConfig(path)
	if err != nil {
		t.Fatalf("ParseSystemConfig: %v", err)
	}

	if cfg.TickPeriodMicros != 50 || cfg.MissLimit != 5 {
		t.Errorf("scheduler = %d/%d", cfg.TickPeriodMicros, cfg.MissLimit)
	}
	if cfg.WatchdogTimeoutMillis != 2000 {
		t.Errorf("watchdog timeout = %d", cfg.WatchdogTimeoutMillis)
	}
	if cfg.Setpoint != 600 || cfg.ShedHighWater != 90 || cfg.ShedLowWater != 60 {
		t.Errorf("control = %d/%v/%v", cfg.Setpoint, cfg.ShedHighWater, cfg.ShedLowWater)
	}
	if cfg.StatusListen != ":9000" {
		t.Errorf("status listen = %q", cfg.StatusListen)
	}

	// Untouched settings keep their defaults, including the task table.
	if cfg.GainDivisor != 4 {
		t.Errorf("gain divisor = %d, want default 4", cfg.GainDivisor)
	}
	if len(cfg.Tasks) != 8 {
		t.Errorf("task table replaced without [task] sections: %d entries", len(cfg.Tasks))
	}
}

func TestParseSystemConfigTaskSectionsReplaceTable(t *testing.T) {
	path := writeSystemConfig(t, `
[task control_loop]
period_us: 2000
deadline_us: 1800
priority: critical
critical: yes

[task blinky]
period_us: 500000
enabled: no
`)
	cfg, err := ParseSystemConfig(path)
	if err != nil {
		t.Fatalf("ParseSystemConfig: %v", err)
	}

	if len(cfg.Tasks) != 2 {
		t.Fatalf("task table = %d entries, want 2", len(cfg.Tasks))
	}
	loop := cfg.Tasks[0]
	if loop.Name != "control_loop" || loop.PeriodMicros != 2000 || loop.DeadlineMicros != 1800 || !loop.Critical {
		t.Errorf("control_loop = %+v", loop)
	}
	blinky := cfg.Tasks[1]
	if blinky.Name != "blinky" || blinky.Enabled {
		t.Errorf("blinky = %+v", blinky)
	}
	// Deadline defaults to the period when omitted.
	if blinky.DeadlineMicros != 500000 {
		t.Errorf("blinky deadline = %d, want 500000", blinky.DeadlineMicros)
	}
}

func TestParseSystemConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing period", "[task broken]\npriority: low\n"},
		{"zero gain", "[control]\ngain_divisor: 0\n"},
		{"inverted watermarks", "[control]\nshed_high_water: 60\nshed_low_water: 80\n"},
	}
	for _, tc := range cases {
		path := writeSystemConfig(t, tc.content)
		if _, err := ParseSystemConfig(path); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestParseSystemConfigChannels(t *testing.T) {
	path := writeSystemConfig(t, `
[channel 0]
name: pressure
min: 10
max: 900
depth: 4
fault_limit: 3
`)
	cfg, err := ParseSystemConfig(path)
	if err != nil {
		t.Fatalf("ParseSystemConfig: %v", err)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(cfg.Channels))
	}
	ch := cfg.Channels[0]
	if ch.Name != "pressure" || ch.Min != 10 || ch.Max != 900 || ch.Depth != 4 || ch.FaultLimit != 3 {
		t.Errorf("channel = %+v", ch)
	}
}

func TestParseSystemConfigMissingFile(t *testing.T) {
	if _, err := ParseSystemConfig(filepath.Join(t.TempDir(), "absent.cfg")); err == nil {
		t.Error("missing file accepted")
	}
}
