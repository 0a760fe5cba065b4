// Package monitoring carries the package-level diagnostic logger shared by
// the analytics engine and its adapters.
package monitoring

import "log"

// Logf is the module-wide diagnostic logger. It defaults to log.Printf but
// may be replaced with SetLogger; tests and embedding services can redirect
// or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
