package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level       string `json:"level"`
	Output      string `json:"output"` // "stdout", "stderr", or file path
	Component   string `json:"component"`
	IncludeFile bool   `json:"include_file"` // Include caller file and line
	JSONFormat  bool   `json:"json_format"`
}

// Logger is a structured logger backed by zerolog. Loggers are immutable;
// every With* call returns a derived copy.
type Logger struct {
	zl        zerolog.Logger
	component string
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{Level: "INFO", JSONFormat: true}
	}

	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.IncludeFile {
		ctx = ctx.CallerWithSkipFrameCount(4)
	}

	return &Logger{zl: ctx.Logger(), component: cfg.Component}
}

// NewWithWriter builds a JSON logger writing to w. Used by tests that
// inspect log output.
func NewWithWriter(w io.Writer, level string) *Logger {
	return &Logger{zl: zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Default returns the process-wide default logger
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(&Config{Level: "INFO", Output: "stdout", Component: "app", JSONFormat: true})
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns a new logger with the specified component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl, component: component}
}

// WithTraceID returns a new logger with the specified trace ID
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{zl: l.zl.With().Str("trace_id", traceID).Logger(), component: l.component}
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger(), component: l.component}
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger(), component: l.component}
}

// WithError returns a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{zl: l.zl.With().Str("error", err.Error()).Logger(), component: l.component}
}

// WithDuration returns a new logger with duration field
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{zl: l.zl.With().Str("duration", d.String()).Logger(), component: l.component}
}

// log writes one entry. args are either key/value pairs (even count, string
// keys) or printf arguments for msg.
func (l *Logger) log(ev *zerolog.Event, msg string, args ...interface{}) {
	if ev == nil {
		return
	}
	if l.component != "" {
		ev = ev.Str("component", l.component)
	}

	if len(args) >= 2 && len(args)%2 == 0 {
		if _, ok := args[0].(string); ok {
			for i := 0; i < len(args); i += 2 {
				key, ok := args[i].(string)
				if !ok {
					continue
				}
				if err, isErr := args[i+1].(error); isErr {
					ev = ev.AnErr(key, err)
					continue
				}
				ev = ev.Interface(key, args[i+1])
			}
			ev.Msg(msg)
			return
		}
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	ev.Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(l.zl.Debug(), msg, args...) }

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) { l.log(l.zl.Info(), msg, args...) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) { l.log(l.zl.Warn(), msg, args...) }

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) { l.log(l.zl.Error(), msg, args...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(l.zl.WithLevel(zerolog.FatalLevel), msg, args...)
	os.Exit(1)
}

// Package-level functions for default logger

func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})  { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})  { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }

// WithComponent returns a new default logger with the specified component
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}
