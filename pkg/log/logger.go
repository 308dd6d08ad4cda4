// Package log provides a logger interface so the rest of this module does
// not depend on any particular logging library directly.
package log

// Logger is an adapter interface for logger libraries.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
