// Package storelog centralizes the storage core's lifecycle logging: page
// eviction, persist cycles and the checkpoint each one confirms, and entries
// that recovery replay skips or cannot reapply. No
// logging library appears anywhere in the retrieved example corpus (the
// donor logs lifecycle events directly via the standard library "log"
// package in internal/storage/scheduler.go); this package keeps that same
// stdlib idiom but gives it one place to live instead of scattering
// log.Printf calls across every component.
package storelog

import (
	"log"
	"os"
)

// Logger is a leveled wrapper around the standard library logger.
type Logger struct {
	l *log.Logger
}

// Default writes to os.Stderr with a component prefix, matching the
// donor's unprefixed log.Printf style but tagged per subsystem so
// multi-component log output stays attributable.
func Default(component string) *Logger {
	return &Logger{l: log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)}
}

// New wraps an existing *log.Logger (used by tests to capture output).
func New(l *log.Logger) *Logger { return &Logger{l: l} }

func (lg *Logger) Infof(format string, args ...any) {
	lg.l.Printf("INFO  "+format, args...)
}

func (lg *Logger) Warnf(format string, args ...any) {
	lg.l.Printf("WARN  "+format, args...)
}

func (lg *Logger) Errorf(format string, args ...any) {
	lg.l.Printf("ERROR "+format, args...)
}
