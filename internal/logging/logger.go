// Package logging provides structured logging for go-xdna
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with accelerator-specific structured fields
type Logger struct {
	zlog zerolog.Logger

	// async is shared by every logger derived with a With* call
	async *asyncWriter
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
	LevelOff   LogLevel = LogLevel(zerolog.Disabled)
)

// ParseLevel maps a configuration string onto a LogLevel
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
	case "off", "none", "disabled":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // writes go straight to Output instead of through the async buffer
	NoColor bool
}

// DefaultConfig returns the configuration used by Default
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelWarn,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter hands log lines to a background goroutine so callers on the
// submission path never block on the output. Lines that arrive while the
// buffer is full are counted and dropped.
type asyncWriter struct {
	out     io.Writer
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
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
	for line := range aw.ch {
		aw.out.Write(line)
	}
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}
	select {
	case aw.ch <- bytes.Clone(p):
	default:
		aw.dropped.Add(1)
	}
	return len(p), nil
}

// Close drains queued lines into the output
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

	l := &Logger{}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	if !config.Sync {
		l.async = newAsyncWriter(output, asyncBufferLines)
		output = l.async
	}
	if config.Format != "json" {
		output = zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
	}
	l.zlog = zerolog.New(output).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return l
}

const asyncBufferLines = 1000

// Close flushes lines still queued for output. Loggers derived from l stop
// writing once it returns.
func (l *Logger) Close() error {
	if l.async == nil {
		return nil
	}
	return l.async.Close()
}

// Dropped counts lines discarded because the output fell behind
func (l *Logger) Dropped() uint64 {
	if l.async == nil {
		return 0
	}
	return l.async.dropped.Load()
}

func (l *Logger) with(zl zerolog.Logger) *Logger {
	return &Logger{zlog: zl, async: l.async}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
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

// WithComponent tags every event with the subsystem that emitted it
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(l.zlog.With().Str("component", name).Logger())
}

// WithDevice returns a logger with device context
func (l *Logger) WithDevice(deviceID int) *Logger {
	return l.with(l.zlog.With().Int("device_id", deviceID).Logger())
}

// WithContext returns a logger carrying the hardware context slot
func (l *Logger) WithContext(slot uint32) *Logger {
	return l.with(l.zlog.With().Uint32("hwctx", slot).Logger())
}

// WithQueue returns a logger carrying a hardware queue handle
func (l *Logger) WithQueue(handle uint32) *Logger {
	return l.with(l.zlog.With().Uint32("queue", handle).Logger())
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err).Logger())
}

// event appends key/value pairs. Handles and sizes keep their integer type;
// enum-like values that implement fmt.Stringer are logged by name.
func (l *Logger) event(e *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case uint32:
			e = e.Uint32(key, v)
		case uint64:
			e = e.Uint64(key, v)
		case bool:
			e = e.Bool(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.event(l.zlog.Debug(), msg, args)
}

func (l *Logger) Info(msg string, args ...any) {
	l.event(l.zlog.Info(), msg, args)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.event(l.zlog.Warn(), msg, args)
}

func (l *Logger) Error(msg string, args ...any) {
	l.event(l.zlog.Error(), msg, args)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zlog.Warn().Msgf(format, args...)
}

// Convenience functions for the default logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
