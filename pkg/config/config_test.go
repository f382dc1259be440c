package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system.cfg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSectionsAndOptions(t *testing.T) {
	path := writeConfig(t, `
# comment
[scheduler]
tick_period_us: 100
miss_limit = 3

; another comment
[control]
setpoint: 512
invert: yes
gain: 2.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.HasSection("scheduler") || !cfg.HasSection("control") {
		t.Fatalf("sections = %v", cfg.SectionNames())
	}

	s := cfg.Section("scheduler")
	if v, err := s.GetUint("tick_period_us", 0); err != nil || v != 100 {
		t.Errorf("tick_period_us = %d,%v", v, err)
	}
	// "key = value" works the same as "key: value".
	if v, err := s.GetUint("miss_limit", 0); err != nil || v != 3 {
		t.Errorf("miss_limit = %d,%v", v, err)
	}

	c := cfg.Section("control")
	if v, err := c.GetBool("invert", false); err != nil || !v {
		t.Errorf("invert = %v,%v", v, err)
	}
	if v, err := c.GetFloat("gain", 0); err != nil || v != 2.5 {
		t.Errorf("gain = %v,%v", v, err)
	}
	// Absent keys return the default.
	if v := c.Get("missing", "fallback"); v != "fallback" {
		t.Errorf("missing key = %q", v)
	}
}

func TestLoadErrorsCarryLineNumbers(t *testing.T) {
	path := writeConfig(t, "[scheduler]\nnot a valid line\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("malformed line accepted")
	}
	if !strings.Contains(err.Error(), ":2:") {
		t.Errorf("error %q does not name line 2", err)
	}
}

func TestLoadRejectsOptionOutsideSection(t *testing.T) {
	path := writeConfig(t, "orphan: 1\n")
	if _, err := Load(path); err == nil {
		t.Error("orphan option accepted")
	}
}

func TestGetBoolRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "[x]\nflag: maybe\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.Section("x").GetBool("flag", false); err == nil {
		t.Error("invalid boolean accepted")
	}
}

func TestUnusedOptions(t *testing.T) {
	path := writeConfig(t, "[x]\nused: 1\nignored: 2\n")
	cfg, _ := Load(path)
	s := cfg.Section("x")
	_, _ = s.GetInt("used", 0)

	unused := s.UnusedOptions()
	if len(unused) != 1 || unused[0] != "ignored" {
		t.Errorf("unused = %v, want [ignored]", unused)
	}
}

func TestSectionsWithPrefixKeepFileOrder(t *testing.T) {
	path := writeConfig(t, `
[task control_loop]
period_us: 1000
[other]
x: 1
[task diagnostic]
period_us: 1000000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tasks := cfg.SectionsWithPrefix("task ")
	if len(tasks) != 2 || tasks[0].Name() != "task control_loop" || tasks[1].Name() != "task diagnostic" {
		names := make([]string, len(tasks))
		for i, s := range tasks {
			names[i] = s.Name()
		}
		t.Errorf("task sections = %v", names)
	}
}
