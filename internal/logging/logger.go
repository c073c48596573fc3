// Package logging provides structured logging for go-ublksrv
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with device, queue and target fields
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name (debug, info, warn, error) to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // write synchronously; tests want this
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter moves log writes off the I/O path. Messages are dropped
// rather than blocking a queue goroutine when the buffer is full.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}
	select {
	case aw.ch <- append([]byte(nil), p...):
	default:
	}
	return len(p), nil
}

// Close drains pending messages
func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{}
	if !config.Sync {
		aw := newAsyncWriter(out, 1000)
		out = aw
		l.closer = aw
	}

	if config.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor}
	}
	l.zlog = zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return l
}

// Close flushes an asynchronous logger. Derived loggers share the writer
// and must not be used afterwards.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), closer: l.closer}
}

// WithDevice returns a logger with device ID context
func (l *Logger) WithDevice(deviceID int) *Logger {
	return l.with(l.zlog.With().Int("device_id", deviceID))
}

// WithQueue returns a logger with queue context
func (l *Logger) WithQueue(queueID int) *Logger {
	return l.with(l.zlog.With().Int("queue_id", queueID))
}

// WithTarget returns a logger tagged with the target type
func (l *Logger) WithTarget(name string) *Logger {
	return l.with(l.zlog.With().Str("target", name))
}

// WithRequest returns a logger with request context
func (l *Logger) WithRequest(tag uint16, op string) *Logger {
	return l.with(l.zlog.With().Uint16("tag", tag).Str("op", op))
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return l.zlog.GetLevel() <= zerolog.Level(level)
}

func emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, ok := args[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

// Debug logs msg with alternating key/value pairs
func (l *Logger) Debug(msg string, args ...any) { emit(l.zlog.Debug(), msg, args) }

// Info logs msg with alternating key/value pairs
func (l *Logger) Info(msg string, args ...any) { emit(l.zlog.Info(), msg, args) }

// Warn logs msg with alternating key/value pairs
func (l *Logger) Warn(msg string, args ...any) { emit(l.zlog.Warn(), msg, args) }

// Error logs msg with alternating key/value pairs
func (l *Logger) Error(msg string, args ...any) { emit(l.zlog.Error(), msg, args) }

// Convenience functions for global logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
