package core

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is the leveled logging surface shared by all runtime components.
type Logger interface {
	Error(args ...any)
	Errorf(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Debug(args ...any)
	Debugf(format string, args ...any)
}

// Level orders log severities from most to least urgent.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) tag() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// stdLogger writes tagged lines through a single standard-library logger and
// drops everything below its threshold.
type stdLogger struct {
	out *log.Logger
	min Level
}

// NewDefaultLogger returns a logger that writes every level to stderr.
func NewDefaultLogger() Logger {
	return NewLeveledLogger(os.Stderr, LevelDebug)
}

// NewLeveledLogger writes levels up to min to w. Messages below the
// threshold are discarded.
func NewLeveledLogger(w io.Writer, min Level) Logger {
	return &stdLogger{
		out: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		min: min,
	}
}

func (l *stdLogger) write(lv Level, msg string) {
	if lv > l.min {
		return
	}
	l.out.Output(3, "["+lv.tag()+"] "+msg)
}

func (l *stdLogger) Error(args ...any)                 { l.write(LevelError, fmt.Sprint(args...)) }
func (l *stdLogger) Errorf(format string, args ...any) { l.write(LevelError, fmt.Sprintf(format, args...)) }
func (l *stdLogger) Warn(args ...any)                  { l.write(LevelWarn, fmt.Sprint(args...)) }
func (l *stdLogger) Warnf(format string, args ...any)  { l.write(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *stdLogger) Info(args ...any)                  { l.write(LevelInfo, fmt.Sprint(args...)) }
func (l *stdLogger) Infof(format string, args ...any)  { l.write(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *stdLogger) Debug(args ...any)                 { l.write(LevelDebug, fmt.Sprint(args...)) }
func (l *stdLogger) Debugf(format string, args ...any) { l.write(LevelDebug, fmt.Sprintf(format, args...)) }

// NopLogger discards all messages. Useful in tests.
type NopLogger struct{}

func (NopLogger) Error(args ...any)                 {}
func (NopLogger) Errorf(format string, args ...any) {}
func (NopLogger) Warn(args ...any)                  {}
func (NopLogger) Warnf(format string, args ...any)  {}
func (NopLogger) Info(args ...any)                  {}
func (NopLogger) Infof(format string, args ...any)  {}
func (NopLogger) Debug(args ...any)                 {}
func (NopLogger) Debugf(format string, args ...any) {}
