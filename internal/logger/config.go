package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables read by EnvironmentConfig.
const (
	EnvLevel      = "AVSTREAM_LOG_LEVEL"
	EnvFormat     = "AVSTREAM_LOG_FORMAT"
	EnvOutput     = "AVSTREAM_LOG_OUTPUT"
	EnvCaller     = "AVSTREAM_LOG_CALLER"
	EnvTimestamp  = "AVSTREAM_LOG_TIMESTAMP"
	EnvComponents = "AVSTREAM_LOG_COMPONENTS"
)

// LogConfig is the serializable logging configuration.
type LogConfig struct {
	Level      string          `json:"level"`
	Format     string          `json:"format"`
	Output     string          `json:"output"`
	Components map[string]bool `json:"components"`
	ShowCaller bool            `json:"show_caller"`
	Timestamp  bool            `json:"timestamp"`
	Rotation   *RotationConfig `json:"rotation,omitempty"`
}

// RotationConfig configures the rotating file writer.
type RotationConfig struct {
	MaxSize    string `json:"max_size"`    // e.g. "100MB"
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	Compress   bool   `json:"compress"`    // gzip rotated files
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	def := DefaultConfig()
	components := make(map[string]bool, len(def.Components))
	for c, on := range def.Components {
		components[string(c)] = on
	}
	return &LogConfig{
		Level:      "INFO",
		Format:     "text",
		Output:     "stderr",
		Components: components,
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(filename string) (*LogConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultLogConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// EnvironmentConfig starts from DefaultLogConfig and applies AVSTREAM_LOG_* overrides.
func EnvironmentConfig() *LogConfig {
	config := DefaultLogConfig()

	if level := os.Getenv(EnvLevel); level != "" {
		config.Level = level
	}
	if format := os.Getenv(EnvFormat); format != "" {
		config.Format = format
	}
	if output := os.Getenv(EnvOutput); output != "" {
		config.Output = output
	}
	if caller := os.Getenv(EnvCaller); caller != "" {
		config.ShowCaller = caller == "true" || caller == "1"
	}
	if ts := os.Getenv(EnvTimestamp); ts != "" {
		config.Timestamp = ts == "true" || ts == "1"
	}
	// "all" enables every known component; otherwise the list replaces the defaults.
	if components := os.Getenv(EnvComponents); components != "" {
		config.Components = make(map[string]bool)
		for _, comp := range strings.Split(components, ",") {
			comp = strings.TrimSpace(comp)
			if comp == "all" {
				for c := range DefaultConfig().Components {
					config.Components[string(c)] = true
				}
				continue
			}
			if comp != "" {
				config.Components[comp] = true
			}
		}
	}
	return config
}

// Validate checks level, format and rotation settings. Output is checked when
// the writer is built.
func (c *LogConfig) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}
	if _, err := parseFormat(c.Format); err != nil {
		return fmt.Errorf("invalid format: %w", err)
	}
	if c.Rotation != nil {
		if _, err := parseSize(c.Rotation.MaxSize); err != nil {
			return fmt.Errorf("invalid max_size: %w", err)
		}
		if c.Rotation.MaxBackups < 0 {
			return fmt.Errorf("max_backups must be non-negative")
		}
	}
	return nil
}

// Build validates the configuration, opens its output and returns a Logger.
// The returned closer releases a file output; it is a no-op for stdout/stderr.
func (c *LogConfig) Build() (*Logger, io.Closer, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := parseLevel(c.Level)
	format, _ := parseFormat(c.Format)

	output, closer, err := c.openOutput()
	if err != nil {
		return nil, nil, err
	}

	components := make(map[Component]bool, len(c.Components))
	for name, enabled := range c.Components {
		components[Component(name)] = enabled
	}

	return New(&Config{
		Level:      level,
		Format:     format,
		Output:     output,
		Components: components,
		ShowCaller: c.ShowCaller,
		Timestamp:  c.Timestamp,
	}), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (c *LogConfig) openOutput() (io.Writer, io.Closer, error) {
	switch strings.ToLower(c.Output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "null", "none":
		return io.Discard, nopCloser{}, nil
	}
	if !strings.HasPrefix(c.Output, "file:") {
		return nil, nil, fmt.Errorf("unknown output: %s", c.Output)
	}
	path := strings.TrimPrefix(c.Output, "file:")
	if c.Rotation != nil {
		maxSize, _ := parseSize(c.Rotation.MaxSize)
		rw, err := NewRotatingWriter(path, maxSize, c.Rotation.MaxBackups, c.Rotation.Compress)
		if err != nil {
			return nil, nil, err
		}
		return rw, rw, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func parseLevel(levelStr string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown level: %s", levelStr)
	}
}

func parseFormat(formatStr string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "color", "colored":
		return FormatColor, nil
	default:
		return FormatText, fmt.Errorf("unknown format: %s", formatStr)
	}
}

// parseSize parses sizes such as "512KB", "100MB" or "1GB" (binary units).
func parseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, nil
	}
	i := 0
	for i < len(sizeStr) && sizeStr[i] >= '0' && sizeStr[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("no number found in size: %s", sizeStr)
	}
	num, err := strconv.ParseInt(sizeStr[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(sizeStr[i:])) {
	case "", "B":
		return num, nil
	case "KB", "KIB":
		return num << 10, nil
	case "MB", "MIB":
		return num << 20, nil
	case "GB", "GIB":
		return num << 30, nil
	default:
		return 0, fmt.Errorf("unknown unit in size: %s", sizeStr)
	}
}

// ParseSize exposes the size grammar to other configuration surfaces.
func ParseSize(s string) (int64, error) { return parseSize(s) }
