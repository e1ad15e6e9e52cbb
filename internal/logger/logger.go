package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// String returns the upper-case level name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Component represents the logging component
type Component string

const (
	ComponentApp        Component = "app"
	ComponentResolver   Component = "resolver"
	ComponentCipher     Component = "cipher"
	ComponentSource     Component = "source"
	ComponentCache      Component = "cache"
	ComponentClient     Component = "client"
	ComponentDownloader Component = "downloader"
)

// Format represents the log output format
type Format int

const (
	FormatText Format = iota
	FormatJSON
	FormatColor
)

// Config holds logger configuration
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	Components map[Component]bool
	ShowCaller bool
	Timestamp  bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  INFO,
		Format: FormatText,
		Output: os.Stderr,
		Components: map[Component]bool{
			ComponentApp:        true,
			ComponentResolver:   true,
			ComponentCipher:     false,
			ComponentSource:     false,
			ComponentCache:      true,
			ComponentClient:     false,
			ComponentDownloader: true,
		},
	}
}

// Entry represents a single log entry
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component Component              `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// Logger provides structured logging functionality
type Logger struct {
	config *Config
	mu     sync.RWMutex
	// out serializes writes so concurrent entries never interleave.
	out sync.Mutex
}

// New creates a new logger instance
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Components == nil {
		config.Components = make(map[Component]bool)
	}
	if config.Output == nil {
		config.Output = io.Discard
	}
	return &Logger{config: config}
}

// WithComponent creates a new logger instance for a specific component
func (l *Logger) WithComponent(component Component) *ComponentLogger {
	return &ComponentLogger{logger: l, component: component}
}

// SetLevel changes the logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
}

// SetFormat changes the log format
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Format = format
}

// SetOutput changes the log output
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Output = w
}

// EnableComponent enables logging for a specific component
func (l *Logger) EnableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Components[component] = true
}

// DisableComponent disables logging for a specific component
func (l *Logger) DisableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Components[component] = false
}

// Enabled reports whether an entry at level for component would be written.
func (l *Logger) Enabled(level Level, component Component) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.config.Level && l.config.Components[component]
}

func (l *Logger) log(level Level, component Component, message string, fields map[string]interface{}, skip int) {
	if !l.Enabled(level, component) {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	l.mu.RLock()
	cfg := *l.config
	l.mu.RUnlock()

	if cfg.ShowCaller {
		if _, file, line, ok := runtime.Caller(skip); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	var output string
	switch cfg.Format {
	case FormatJSON:
		output = formatJSON(entry)
	case FormatColor:
		output = formatColor(entry, cfg.Timestamp)
	default:
		output = formatText(entry, cfg.Timestamp)
	}

	l.out.Lock()
	fmt.Fprintln(cfg.Output, output)
	l.out.Unlock()
}

// sortedFields renders fields in key order so lines are stable.
func sortedFields(fields map[string]interface{}, render func(k string, v interface{}) string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, render(k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func formatText(entry Entry, timestamp bool) string {
	var parts []string
	if timestamp {
		parts = append(parts, entry.Timestamp.Format("2006-01-02 15:04:05"))
	}
	parts = append(parts, fmt.Sprintf("[%s]", entry.Level))
	parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	parts = append(parts, entry.Message)
	if entry.Caller != "" {
		parts = append(parts, fmt.Sprintf("(%s)", entry.Caller))
	}
	if len(entry.Fields) > 0 {
		parts = append(parts, sortedFields(entry.Fields, func(k string, v interface{}) string {
			return fmt.Sprintf("%s=%v", k, v)
		}))
	}
	return strings.Join(parts, " ")
}

func formatJSON(entry Entry) string {
	data, err := json.Marshal(entry)
	if err != nil {
		// Unserializable field values fall back to their string form.
		safe := make(map[string]interface{}, len(entry.Fields))
		for k, v := range entry.Fields {
			safe[k] = fmt.Sprint(v)
		}
		entry.Fields = safe
		data, _ = json.Marshal(entry)
	}
	return string(data)
}

func formatColor(entry Entry, timestamp bool) string {
	var parts []string
	if timestamp {
		parts = append(parts, "\033[90m"+entry.Timestamp.Format("2006-01-02 15:04:05")+"\033[0m")
	}
	parts = append(parts, fmt.Sprintf("%s[%s]\033[0m", levelColor(entry.Level), entry.Level))
	parts = append(parts, fmt.Sprintf("\033[36m[%s]\033[0m", entry.Component))
	parts = append(parts, entry.Message)
	if entry.Caller != "" {
		parts = append(parts, fmt.Sprintf("\033[90m(%s)\033[0m", entry.Caller))
	}
	if len(entry.Fields) > 0 {
		parts = append(parts, sortedFields(entry.Fields, func(k string, v interface{}) string {
			return fmt.Sprintf("\033[33m%s\033[0m=\033[32m%v\033[0m", k, v)
		}))
	}
	return strings.Join(parts, " ")
}

func levelColor(level Level) string {
	switch level {
	case TRACE:
		return "\033[37m"
	case DEBUG:
		return "\033[94m"
	case INFO:
		return "\033[92m"
	case WARN:
		return "\033[93m"
	case ERROR:
		return "\033[91m"
	default:
		return "\033[0m"
	}
}

// ComponentLogger provides component-specific logging
type ComponentLogger struct {
	logger    *Logger
	component Component
}

// Trace logs a trace message
func (cl *ComponentLogger) Trace(message string, fields ...map[string]interface{}) {
	cl.log(TRACE, message, fields...)
}

// Debug logs a debug message
func (cl *ComponentLogger) Debug(message string, fields ...map[string]interface{}) {
	cl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (cl *ComponentLogger) Info(message string, fields ...map[string]interface{}) {
	cl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (cl *ComponentLogger) Warn(message string, fields ...map[string]interface{}) {
	cl.log(WARN, message, fields...)
}

// Error logs an error message
func (cl *ComponentLogger) Error(message string, fields ...map[string]interface{}) {
	cl.log(ERROR, message, fields...)
}

// Enabled reports whether level is written for this component.
func (cl *ComponentLogger) Enabled(level Level) bool {
	return cl.target().Enabled(level, cl.component)
}

// target resolves the backing logger; loggers obtained from the package-level
// WithComponent follow later SetGlobalLogger calls.
func (cl *ComponentLogger) target() *Logger {
	if cl.logger != nil {
		return cl.logger
	}
	return GetGlobalLogger()
}

// log merges field maps left to right; later keys win.
func (cl *ComponentLogger) log(level Level, message string, fields ...map[string]interface{}) {
	var merged map[string]interface{}
	switch len(fields) {
	case 0:
	case 1:
		merged = fields[0]
	default:
		merged = make(map[string]interface{})
		for _, f := range fields {
			for k, v := range f {
				merged[k] = v
			}
		}
	}
	// runtime.Caller: 0=Logger.log 1=ComponentLogger.log 2=Info/Debug/... 3=call site
	cl.target().log(level, cl.component, message, merged, 3)
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(DefaultConfig())
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// WithComponent returns a component logger from global logger
func WithComponent(component Component) *ComponentLogger {
	return &ComponentLogger{component: component}
}
