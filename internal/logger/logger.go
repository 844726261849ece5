// ABOUTME: Leveled logging with verbosity control over charmbracelet/log
// ABOUTME: Package-level helpers keep call sites printf-style across the relay

package logger

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

var (
	verbose atomic.Bool
	current atomic.Pointer[log.Logger]
)

func init() {
	current.Store(newLogger(os.Stderr))
}

func newLogger(w io.Writer) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "mcp-relay",
	})
	if verbose.Load() {
		l.SetLevel(log.DebugLevel)
	} else {
		l.SetLevel(log.InfoLevel)
	}
	return l
}

// SetVerbose enables or disables verbose (DEBUG) logging
func SetVerbose(v bool) {
	verbose.Store(v)
	if v {
		current.Load().SetLevel(log.DebugLevel)
	} else {
		current.Load().SetLevel(log.InfoLevel)
	}
}

// IsVerbose returns current verbose setting
func IsVerbose() bool {
	return verbose.Load()
}

// SetOutput sets the output destination for logs; nil restores stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	current.Store(newLogger(w))
}

// With returns a structured child logger for call sites that want key/value pairs.
func With(keyvals ...interface{}) *log.Logger {
	return current.Load().With(keyvals...)
}

// Debug logs at DEBUG level (only shown when verbose)
func Debug(format string, args ...interface{}) {
	if verbose.Load() {
		current.Load().Debug(fmt.Sprintf(format, args...))
	}
}

// Info logs at INFO level (always shown)
func Info(format string, args ...interface{}) {
	current.Load().Info(fmt.Sprintf(format, args...))
}

// Warn logs at WARN level (always shown)
func Warn(format string, args ...interface{}) {
	current.Load().Warn(fmt.Sprintf(format, args...))
}

// Error logs at ERROR level (always shown)
func Error(format string, args ...interface{}) {
	current.Load().Error(fmt.Sprintf(format, args...))
}
