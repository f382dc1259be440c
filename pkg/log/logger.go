// Structured logging for the rtcontrol host
//
// Provides leveled, structured logging with:
// - Log levels (DEBUG, INFO, WARN, ERROR)
// - Structured fields (key-value pairs)
// - Text and JSON output formats
// - Per-component loggers with prefixes
//
// The scheduler dispatch path never logs; logging is reserved for
// registration, deadline misses, watchdog decisions and emergency stop.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable text format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// Logger writes leveled log messages to a single destination.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      LogLevel
	timeFormat string
	outFormat  OutputFormat
	fields     Fields // Persistent fields attached to this logger
}

var (
	defaultMu     sync.Mutex
	defaultLogger = New(os.Stderr, INFO)
)

// New creates a Logger writing to w at the given level.
func New(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		writer:     w,
		level:      level,
		timeFormat: "2006-01-02 15:04:05.000",
	}
}

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// SetLevel changes the minimum level emitted by the logger.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetFormat selects text or JSON output.
func (l *Logger) SetFormat(f OutputFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outFormat = f
}

// SetOutput redirects the logger to a new writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// WithPrefix returns a child logger with a component prefix.
// The child shares the parent's writer, level and format.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	child := &Logger{
		prefix:     prefix,
		writer:     l.writer,
		level:      l.level,
		timeFormat: l.timeFormat,
		outFormat:  l.outFormat,
	}
	if len(l.fields) > 0 {
		child.fields = make(Fields, len(l.fields))
		for k, v := range l.fields {
			child.fields[k] = v
		}
	}
	return child
}

// WithFields returns a child logger with persistent fields attached.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := l.WithPrefix(l.prefix)
	if child.fields == nil {
		child.fields = make(Fields, len(fields))
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// Debug logs a message at DEBUG level with optional fields.
func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DEBUG, msg, fields...) }

// Info logs a message at INFO level with optional fields.
func (l *Logger) Info(msg string, fields ...Fields) { l.log(INFO, msg, fields...) }

// Warn logs a message at WARN level with optional fields.
func (l *Logger) Warn(msg string, fields ...Fields) { l.log(WARN, msg, fields...) }

// Error logs a message at ERROR level with optional fields.
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ERROR, msg, fields...) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

func (l *Logger) log(level LogLevel, msg string, extra ...Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level || l.writer == nil {
		return
	}

	merged := make(Fields, len(l.fields)+4)
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range extra {
		for k, v := range f {
			merged[k] = v
		}
	}

	now := time.Now()
	var line string
	if l.outFormat == FormatJSON {
		line = l.formatJSON(now, level, msg, merged)
	} else {
		line = l.formatText(now, level, msg, merged)
	}
	fmt.Fprintln(l.writer, line)
}

func (l *Logger) formatText(now time.Time, level LogLevel, msg string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(now.Format(l.timeFormat))
	sb.WriteString(" [")
	sb.WriteString(level.String())
	sb.WriteString("]")
	if l.prefix != "" {
		sb.WriteString(" ")
		sb.WriteString(l.prefix)
		sb.WriteString(":")
	}
	sb.WriteString(" ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	return sb.String()
}

func (l *Logger) formatJSON(now time.Time, level LogLevel, msg string, fields Fields) string {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = now.Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	if l.prefix != "" {
		entry["component"] = l.prefix
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","msg":"log marshal failed: %v"}`, err)
	}
	return string(data)
}

// Package-level helpers using the default logger.

// Debug logs at DEBUG level on the default logger.
func Debug(msg string, fields ...Fields) { Default().Debug(msg, fields...) }

// Info logs at INFO level on the default logger.
func Info(msg string, fields ...Fields) { Default().Info(msg, fields...) }

// Warn logs at WARN level on the default logger.
func Warn(msg string, fields ...Fields) { Default().Warn(msg, fields...) }

// Error logs at ERROR level on the default logger.
func Error(msg string, fields ...Fields) { Default().Error(msg, fields...) }
