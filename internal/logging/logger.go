// Package logging provides the narrow logging seam used across the overlay
// engine. Components accept a Logger at construction instead of reaching
// for the global log package directly.
package logging

import "log"

// Logger is the minimal surface every overlay component depends on.
type Logger interface {
	Printf(format string, v ...any)
}

// StdLogger is the default Logger, backed by the standard library logger.
type StdLogger struct{}

// NewStdLogger returns the default log.Printf-backed Logger.
func NewStdLogger() Logger {
	return StdLogger{}
}

func (StdLogger) Printf(format string, v ...any) {
	log.Printf(format, v...)
}

// Discard is a Logger that drops everything; useful in tests.
type Discard struct{}

func (Discard) Printf(string, ...any) {}
