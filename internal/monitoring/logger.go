package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the producer. It
// defaults to log.Printf but may be replaced by SetLogger so tests and
// batch jobs can redirect or mute per-muon fit diagnostics.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logger that prepends tag to every message and forwards
// to whatever Logf is current at call time.
func Prefixed(tag string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf("["+tag+"] "+format, v...)
	}
}
