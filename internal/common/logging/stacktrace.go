package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// stackTracer is implemented by every error created or wrapped by pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStacktrace adds err and, when one was recorded, the stack it was created at to logger.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the outermost stack trace recorded on err or on any error it wraps.
func ExtractStack(err error) errors.StackTrace {
	var tracer stackTracer
	if errors.As(err, &tracer) {
		return tracer.StackTrace()
	}
	return nil
}
