// Package logger contains a logger implementation.
package logger

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log level.
type Level int

// Log levels.
const (
	Debug Level = iota + 1
	Info
	Warn
	Error
)

// ParseLevel parses a log level from a string.
func ParseLevel(in string) (Level, error) {
	switch strings.ToLower(in) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return 0, fmt.Errorf("invalid log level: '%s'", in)
}

// Writer is an object that provides a log method.
type Writer interface {
	Log(level Level, format string, args ...interface{})
}

// Logger is a log handler.
type Logger struct {
	level Level

	mutex sync.Mutex
	buf   bytes.Buffer
}

// New allocates a Logger.
func New(level Level) *Logger {
	return &Logger{
		level: level,
	}
}

func labelOf(level Level) string {
	switch level {
	case Debug:
		return "DEB"
	case Info:
		return "INF"
	case Warn:
		return "WAR"
	default:
		return "ERR"
	}
}

// Log writes a log entry.
func (lh *Logger) Log(level Level, format string, args ...interface{}) {
	if level < lh.level {
		return
	}

	lh.mutex.Lock()
	defer lh.mutex.Unlock()

	lh.buf.Reset()
	lh.buf.WriteString(time.Now().Format("2006/01/02 15:04:05"))
	lh.buf.WriteString(" " + labelOf(level) + " ")
	fmt.Fprintf(&lh.buf, format, args...)
	lh.buf.WriteByte('\n')

	os.Stderr.Write(lh.buf.Bytes())
}
