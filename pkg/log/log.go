// Package log implements a minimal debug-level logging seam used throughout
// keytower. Logging is a no-op until a caller installs a real logger via
// SetLogger; nothing above debug level is ever emitted by the library.
package log

var logger Interface = noopLogger{}

// Interface is satisfied by any logger capable of formatted debug output.
type Interface interface {
	Debugf(format string, v ...interface{})
}

// SetLogger installs l as the package logger and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the configured logger, if any.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled reports whether a non-default logger has been installed.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
