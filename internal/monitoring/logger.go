package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug enables or disables Debugf output.
func SetDebug(enabled bool) {
	debug.Store(enabled)
}

// Debugf logs through Logf when debug output is enabled. Per-message
// events (every pose, every image) go here rather than Logf.
func Debugf(format string, v ...interface{}) {
	if debug.Load() {
		Logf(format, v...)
	}
}
