// Package logging provides the leveled component logger shared by every
// acquisition package.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<RFC3339> <LEVEL> <component>: <message>" lines.
// A nil *Logger discards everything.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
}

func New(w io.Writer, level Level) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: "scope",
		now:       time.Now,
	}
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	return New(io.Discard, LevelError)
}

// OpenFile opens (appending) the log file at path and returns a logger that
// mirrors every line to the file and to extra. The returned closer releases
// the file.
func OpenFile(path string, level Level, extra ...io.Writer) (*Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	writers := append([]io.Writer{f}, extra...)
	return New(io.MultiWriter(writers...), level), f, nil
}

// With returns a copy of l tagged with component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.component = component
	return &c
}

// WithClock returns a copy of l that stamps lines with now.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	if l == nil || now == nil {
		return l
	}
	c := *l
	c.now = now
	return &c
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
