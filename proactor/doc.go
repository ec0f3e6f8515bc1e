// Package proactor is a completion-based event loop on top of package iocp.
//
// A [Proactor] owns one completion port. Handles are registered with the port
// the first time they are used. Every request returns a [Future] that is
// resolved by [Proactor.Select] when the kernel reports completion.
//
// Proactors log dropped completions and slow shutdowns at debug level.
// Each one logs to [Config.Logger], or to the package default when that is nil.
package proactor

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var defaultLogger atomic.Pointer[zap.Logger]

// Logger returns the logger given to proactors created without
// [Config.Logger]. It discards everything unless [SetLogger] was called.
func Logger() *zap.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// SetLogger replaces the default logger. Proactors already created keep the
// logger they were created with. A nil l restores the no-op default.
func SetLogger(l *zap.Logger) {
	defaultLogger.Store(l)
}
