// Package logging is the leveled logger shared by the server and the
// CLI. Output is timestamped lines on stderr or a log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level filters log output.
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
		return "INFO"
	}
}

// Logger writes timestamped, leveled lines to a single destination.
// Safe for concurrent use.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level

	// closer is set when the logger owns its destination file.
	closer io.Closer
}

// New returns a Logger writing to out at the given minimum level.
func New(out io.Writer, level Level) *Logger {
	return &Logger{out: out, level: level}
}

// NewFile returns a Logger appending to path, creating it with 0644.
func NewFile(path string, level Level) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // operator-controlled
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	l := New(f, level)
	l.closer = f

	return l, nil
}

// Close releases the log file, if the logger owns one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}

	return l.closer.Close()
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	line := fmt.Sprintf("[%s] [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = io.WriteString(l.out, line)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Discard returns a logger that drops everything; used in tests.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}
