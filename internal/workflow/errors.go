package workflow

import (
	"errors"
	"fmt"
)

// FatalError marks an error that must not be retried. The run aborts
// and the caller has to submit a brand-new request.
type FatalError struct {
	Err error
}

// Error implements the error interface
func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

// Unwrap exposes the wrapped error
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as non-retriable
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a non-retriable error
func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
