// Package afdlog provides the structured per-transfer logger used across
// the worker's hot path (TWC state transitions, per-file pipeline steps,
// SSP counter refreshes). A second, lower-level logging surface for the
// FIFO/dispatcher control plane lives in internal/fifolog.
package afdlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level is the logger's verbosity level.
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a textual log level, as read from Configuration.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format selects the on-wire log rendering.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Entry is one emitted log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// Logger is a structured, level-filtered logger with an immutable
// builder API: WithField/WithFields/WithComponent each return a new
// Logger sharing the parent's output and level configuration.
type Logger struct {
	mu              sync.RWMutex
	level           Level
	output          io.Writer
	format          Format
	contextFields   map[string]interface{}
	includeCaller   bool
	componentLevels map[string]Level
	rotator         *Rotator
}

// Config configures a new Logger.
type Config struct {
	Level         Level
	Output        io.Writer
	Format        Format
	IncludeCaller bool
	Rotation      *RotationConfig
}

// DefaultConfig returns sensible defaults: INFO level, text format, stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// New creates a Logger from cfg, falling back to DefaultConfig when nil.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		level:           cfg.Level,
		output:          cfg.Output,
		format:          cfg.Format,
		contextFields:   make(map[string]interface{}),
		includeCaller:   cfg.IncludeCaller,
		componentLevels: make(map[string]Level),
	}

	if cfg.Rotation != nil {
		rotator, err := NewRotator(cfg.Rotation)
		if err != nil {
			return nil, fmt.Errorf("afdlog: creating rotator: %w", err)
		}
		l.rotator = rotator
		l.output = rotator
	}

	return l, nil
}

func (l *Logger) clone(fields map[string]interface{}) *Logger {
	return &Logger{
		level:           l.level,
		output:          l.output,
		format:          l.format,
		contextFields:   fields,
		includeCaller:   l.includeCaller,
		componentLevels: l.componentLevels,
		rotator:         l.rotator,
	}
}

// WithField returns a new Logger with an additional context field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fields := make(map[string]interface{}, len(l.contextFields)+1)
	for k, v := range l.contextFields {
		fields[k] = v
	}
	fields[key] = value
	return l.clone(fields)
}

// WithFields returns a new Logger with multiple additional context fields.
func (l *Logger) WithFields(extra map[string]interface{}) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fields := make(map[string]interface{}, len(l.contextFields)+len(extra))
	for k, v := range l.contextFields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return l.clone(fields)
}

// WithComponent tags the logger with the emitting subsystem (e.g. "ssp",
// "twc", "dg") the way the teacher tags "component".
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// SetComponentLevel overrides the effective level for a named component,
// used to honor a host's per-transfer debug flag (spec §4.3: "all
// transitions log at debug level when the host's debug flag is raised").
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if component, ok := l.contextFields["component"]; ok {
		if name, ok := component.(string); ok {
			if compLevel, exists := l.componentLevels[name]; exists {
				return level >= compLevel
			}
		}
	}
	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}),
	}

	l.mu.RLock()
	for k, v := range l.contextFields {
		entry.Fields[k] = v
	}
	l.mu.RUnlock()
	for k, v := range fields {
		entry.Fields[k] = v
	}

	if l.includeCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			parts := strings.Split(file, "/")
			entry.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
		}
	}

	var out string
	if l.format == FormatJSON {
		if b, err := json.Marshal(entry); err == nil {
			out = string(b) + "\n"
		} else {
			out = l.formatText(entry)
		}
	} else {
		out = l.formatText(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(out))
}

func (l *Logger) formatText(entry Entry) string {
	var sb strings.Builder
	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")
	if entry.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(entry.Caller)
		sb.WriteString("] ")
	}
	sb.WriteString(entry.Message)
	if len(entry.Fields) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range entry.Fields {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&sb, "%s=%v", k, v)
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

func (l *Logger) Trace(message string, fields ...map[string]interface{}) {
	l.logWithFields(TRACE, message, fields...)
}
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.logWithFields(DEBUG, message, fields...)
}
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.logWithFields(INFO, message, fields...)
}
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.logWithFields(WARN, message, fields...)
}
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.logWithFields(ERROR, message, fields...)
}
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.logWithFields(FATAL, message, fields...)
	os.Exit(1)
}

func (l *Logger) logWithFields(level Level, message string, fieldMaps ...map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 {
		fields = fieldMaps[0]
	}
	l.log(level, message, fields)
}

// Close closes any underlying rotator.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered output.
func (l *Logger) Sync() error {
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}
