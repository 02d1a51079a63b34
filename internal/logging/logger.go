package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can inject a capture logger and the CLI can fan out to file and stdout.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// FileLogger writes timestamped, redacted lines to a single sink.
type FileLogger struct {
	mu        sync.Mutex
	out       io.Writer
	closer    io.Closer
	level     Level
	component string
}

// Options configures a FileLogger.
type Options struct {
	// Path is the log file location. Empty means stderr.
	Path  string
	Level Level
}

// New creates a FileLogger. The parent directory is created when missing.
func New(opts Options) (*FileLogger, error) {
	l := &FileLogger{out: os.Stderr, level: opts.Level}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.out = file
		l.closer = file
	}
	return l, nil
}

// NewWriter creates a FileLogger targeting an arbitrary writer. Used by tests.
func NewWriter(w io.Writer, level Level) *FileLogger {
	return &FileLogger{out: w, level: level}
}

// WithComponent returns a logger that prefixes every line with the component
// name. The underlying sink and level are shared.
func (l *FileLogger) WithComponent(component string) Logger {
	return &componentLogger{base: l, component: component}
}

// SetLevel sets the minimum level emitted.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying file, if any.
func (l *FileLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *FileLogger) emit(level Level, component, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	if component == "" {
		component = "otto"
	}
	// Format: 2025-09-30 12:34:56 [INFO] [component] message
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		level, component, fmt.Sprintf(format, args...))
	if _, err := io.WriteString(l.out, Redact(line)); err != nil {
		log.Printf("logging: write failed: %v", err)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.emit(LevelDebug, "", format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.emit(LevelInfo, "", format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.emit(LevelWarn, "", format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.emit(LevelError, "", format, args...) }

type componentLogger struct {
	base      *FileLogger
	component string
}

func (c *componentLogger) Debug(format string, args ...any) {
	c.base.emit(LevelDebug, c.component, format, args...)
}

func (c *componentLogger) Info(format string, args ...any) {
	c.base.emit(LevelInfo, c.component, format, args...)
}

func (c *componentLogger) Warn(format string, args ...any) {
	c.base.emit(LevelWarn, c.component, format, args...)
}

func (c *componentLogger) Error(format string, args ...any) {
	c.base.emit(LevelError, c.component, format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
