package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level ordering: debug < info < warn < error.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger wraps the standard logger with a level gate. Messages below the
// configured level are dropped before formatting.
type Logger struct {
	std   *log.Logger
	level int
}

// New creates a Logger writing to w at the named level
// (debug|info|warn|error; unknown strings mean info).
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		std:   log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		level: parseLevel(level),
	}
}

// Default returns a stderr logger at info level.
func Default() *Logger { return New(os.Stderr, "info") }

func parseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebug reports whether debug logging is active.
func (l *Logger) IsDebug() bool { return l != nil && l.level <= LevelDebug }

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || l.level > LevelDebug {
		return
	}
	l.std.Printf("[DEBUG] "+format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l == nil || l.level > LevelInfo {
		return
	}
	l.std.Printf("[INFO] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l == nil || l.level > LevelWarn {
		return
	}
	l.std.Printf("[WARN] "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.std.Printf("[ERROR] "+format, args...)
}
