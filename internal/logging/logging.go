// Package logging provides the leveled log wrapper used throughout loom:
// plain stderr lines with color-tinted level tags, no structured sink.
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
)

// Logger wraps a standard library *log.Logger with level-tinted prefixes.
type Logger struct {
	out *log.Logger
}

// New builds a Logger writing to stderr.
func New() *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) line(tag, format string, args ...interface{}) {
	l.out.Printf("%s %s", tag, fmt.Sprintf(format, args...))
}

// Info logs a routine operational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.line(color.CyanString("INFO"), format, args...)
}

// Warn logs a recoverable anomaly (e.g. a recovery-path validation bypass).
func (l *Logger) Warn(format string, args ...interface{}) {
	l.line(color.YellowString("WARN"), format, args...)
}

// Error logs a failure that was recorded but did not abort the tick.
func (l *Logger) Error(format string, args ...interface{}) {
	l.line(color.RedString("ERROR"), format, args...)
}

// Fatal logs a startup/global failure; callers decide whether to exit.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.line(color.New(color.FgRed, color.Bold).Sprint("FATAL"), format, args...)
}
