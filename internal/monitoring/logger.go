// Package monitoring provides the shared diagnostic logger and Prometheus
// metrics for the fusion service.
package monitoring

import (
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	onceMu   sync.Mutex
	onceSeen = make(map[string]struct{})
)

// LogOnce logs a message the first time key is seen and is silent for every
// later call with the same key. It returns true when the message was logged.
// Used for conditions that repeat on every packet, such as an uncalibrated
// device id.
func LogOnce(key, format string, v ...interface{}) bool {
	onceMu.Lock()
	_, seen := onceSeen[key]
	if !seen {
		onceSeen[key] = struct{}{}
	}
	onceMu.Unlock()

	if seen {
		return false
	}
	Logf(format, v...)
	return true
}

// ResetLogOnce forgets every key recorded by LogOnce.
func ResetLogOnce() {
	onceMu.Lock()
	onceSeen = make(map[string]struct{})
	onceMu.Unlock()
}
