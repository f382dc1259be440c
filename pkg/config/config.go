// Package config loads the immutable startup configuration: the task
// table, channel ranges and watchdog timing.
//
// The format is INI-style with "[section name]" headers and "key: value"
// options. Configuration is parsed once before the tick source is armed
// and treated as read-only afterwards.
package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Section holds the options of one configuration section.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string) *Section {
	return &Section{
		name:     name,
		options:  make(map[string]string),
		accessed: make(map[string]struct{}),
	}
}

// Name returns the section header.
func (s *Section) Name() string { return s.name }

// Has reports whether the option is present.
func (s *Section) Has(key string) bool {
	_, ok := s.options[key]
	return ok
}

// Get returns a string option, or def if absent.
func (s *Section) Get(key, def string) string {
	s.touch(key)
	if v, ok := s.options[key]; ok {
		return v
	}
	return def
}

// GetInt returns an integer option, or def if absent.
func (s *Section) GetInt(key string, def int64) (int64, error) {
	s.touch(key)
	v, ok := s.options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: [%s] %s: %w", s.name, key, err)
	}
	return n, nil
}

// GetUint returns an unsigned integer option, or def if absent.
func (s *Section) GetUint(key string, def uint64) (uint64, error) {
	s.touch(key)
	v, ok := s.options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: [%s] %s: %w", s.name, key, err)
	}
	return n, nil
}

// GetFloat returns a float option, or def if absent.
func (s *Section) GetFloat(key string, def float64) (float64, error) {
	s.touch(key)
	v, ok := s.options[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: [%s] %s: %w", s.name, key, err)
	}
	return f, nil
}

// GetBool returns a boolean option, or def if absent. Accepts
// true/false, yes/no, on/off, 1/0.
func (s *Section) GetBool(key string, def bool) (bool, error) {
	s.touch(key)
	v, ok := s.options[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("config: [%s] %s: invalid boolean %q", s.name, key, v)
}

// UnusedOptions returns option keys never read through a getter.
func (s *Section) UnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unused []string
	for k := range s.options {
		if _, ok := s.accessed[k]; !ok {
			unused = append(unused, k)
		}
	}
	sort.Strings(unused)
	return unused
}

func (s *Section) touch(key string) {
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
}

// Config provides access to a parsed configuration file.
type Config struct {
	sections map[string]*Section
	order    []string // section order as written
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	c := New()
	var current *Section

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("config: %s:%d: malformed section header %q", path, lineNum, line)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, fmt.Errorf("config: %s:%d: empty section name", path, lineNum)
			}
			current = c.section(name)
			continue
		}

		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			return nil, fmt.Errorf("config: %s:%d: expected 'key: value', got %q", path, lineNum, line)
		}
		if current == nil {
			return nil, fmt.Errorf("config: %s:%d: option outside any section", path, lineNum)
		}
		key := strings.TrimSpace(line[:sep])
		value := strings.TrimSpace(line[sep+1:])
		if key == "" {
			return nil, fmt.Errorf("config: %s:%d: empty option name", path, lineNum)
		}
		current.options[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) section(name string) *Section {
	if s, ok := c.sections[name]; ok {
		return s
	}
	s := newSection(name)
	c.sections[name] = s
	c.order = append(c.order, name)
	return s
}

// Section returns the named section, or nil if absent.
func (c *Config) Section(name string) *Section {
	return c.sections[name]
}

// HasSection reports whether the section exists.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[name]
	return ok
}

// SectionsWithPrefix returns sections whose name starts with prefix, in
// file order.
func (c *Config) SectionsWithPrefix(prefix string) []*Section {
	var out []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c.sections[name])
		}
	}
	return out
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
