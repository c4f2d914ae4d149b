// Package logging provides structured logging with slog for wardend.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error)
//   - Component-scoped child loggers
//   - Sensitive data redaction
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output specifies where logs are written.
	// Can be "stdout", "stderr", "file", or "both".
	Output string

	// FilePath is the path to the log file when Output includes "file".
	FilePath string

	// AddSource adds source file and line to log entries.
	AddSource bool

	// Component is the name of the component using this logger.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "stderr",
		AddSource: false,
		Component: "wardend",
	}
}

// Logger wraps slog.Logger with component scoping and file handling.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
	mu     sync.Mutex
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
)

// Default returns the default global logger.
func Default() *Logger {
	loggerOnce.Do(func() {
		var err error
		defaultLogger, err = New(DefaultConfig())
		if err != nil {
			defaultLogger = &Logger{
				Logger: slog.Default(),
				config: DefaultConfig(),
			}
		}
	})
	return defaultLogger
}

// SetDefault sets the default global logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{config: cfg}

	w, err := l.setupWriter()
	if err != nil {
		return nil, fmt.Errorf("setup writer: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("component", cfg.Component),
		})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// setupWriter configures the output writer based on config.
func (l *Logger) setupWriter() (io.Writer, error) {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	case "file":
		return l.openLogFile()
	case "both":
		f, err := l.openLogFile()
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stderr, f), nil
	default:
		return os.Stderr, nil
	}
}

func (l *Logger) openLogFile() (*os.File, error) {
	if l.config.FilePath == "" {
		return nil, fmt.Errorf("log output is file but file_path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(l.config.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(l.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.file = f
	return f, nil
}

// shouldRedact checks if an attribute key contains sensitive data.
func shouldRedact(key string) bool {
	sensitiveKeys := []string{
		"password", "secret", "token", "credential",
		"private", "api_key", "apikey", "bearer",
	}

	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// WithComponent returns a new logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", name)),
		config: l.config,
		file:   l.file,
	}
}

// Close closes any open log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Convenience functions for the default logger.

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level using the default logger.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level using the default logger.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses a string into a log format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
