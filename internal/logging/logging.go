// Package logging provides a minimal per-project-prefixed logger over the
// standard library log.Logger.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger wraps the standard library logger with an optional project tag.
type Logger struct {
	*log.Logger
	project string
}

// New creates a root logger writing to stderr with a timestamp prefix.
func New() *Logger {
	return &Logger{Logger: log.New(os.Stderr, "", log.LstdFlags)}
}

// For returns a derived logger whose messages are tagged with project.
func (l *Logger) For(project string) *Logger {
	return &Logger{Logger: l.Logger, project: project}
}

func (l *Logger) prefix() string {
	if l.project == "" {
		return ""
	}
	return fmt.Sprintf("[%s] ", l.project)
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Printf(l.prefix()+format, args...)
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf(l.prefix()+"WARN: "+format, args...)
}

// Errorf logs an error.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Printf(l.prefix()+"ERROR: "+format, args...)
}
