// Package util provides low-level helpers shared by all other packages.
package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// slog levels used in JSON mode for the two below-info levels.
const (
	slogVerbose = slog.LevelDebug
	slogDebug   = slog.LevelDebug - 4
)

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes. In JSON mode each message becomes one slog record.
type Logger struct {
	level      LogLevel
	output     io.Writer
	mu         *sync.Mutex // shared with Named children
	timestamps bool        // if true, prepend RFC3339 timestamps
	prefix     string
	json       *slog.Logger
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		mu:         &sync.Mutex{},
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
	}
}

// Discard returns a quiet Logger whose errors are also dropped.
func Discard() *Logger {
	l := NewLogger(0)
	l.output = io.Discard
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	if l.json != nil {
		l.SetJSON(true)
	}
}

// SetJSON switches to one JSON object per line, emitted through slog.
func (l *Logger) SetJSON(on bool) {
	if !on {
		l.json = nil
		return
	}
	l.json = slog.New(slog.NewJSONHandler(l.output, &slog.HandlerOptions{Level: slogDebug}))
}

// Named returns a Logger sharing l's settings whose messages are
// prefixed with name (or carry a "component" attribute in JSON mode).
func (l *Logger) Named(name string) *Logger {
	n := &Logger{
		level:      l.level,
		output:     l.output,
		mu:         l.mu,
		timestamps: l.timestamps,
		prefix:     name,
	}
	if l.prefix != "" {
		n.prefix = l.prefix + "." + name
	}
	if l.json != nil {
		n.json = l.json
	}
	return n
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.json != nil {
		var attrs []slog.Attr
		if l.prefix != "" {
			attrs = append(attrs, slog.String("component", l.prefix))
		}
		l.json.LogAttrs(context.Background(), slogLevel(level), msg, attrs...)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	if l.timestamps {
		ts := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.output, "%s [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.output, "[%s] %s\n", level, msg)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "ERR":
		return slog.LevelError
	case "WRN":
		return slog.LevelWarn
	case "VRB":
		return slogVerbose
	case "DBG":
		return slogDebug
	default:
		return slog.LevelInfo
	}
}
