package run

import (
	"errors"
)

// ExitBadArguments is the exit code for command-line usage errors
const ExitBadArguments = 2

// WithExitCode is an optional interface that can be implemented by an error.
//
// When a (possibly wrapped) error implementing WithExitCode reaches the top
// level, the value returned by the ExitCode method becomes the exit code of the
// process. The default exit code for other errors is 1.
type WithExitCode interface {
	ExitCode() int
}

// ExitError attaches an exit code to an error
type ExitError struct {
	Code int
	Err  error
}

func (e ExitError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the next error in the error chain.
func (e ExitError) Unwrap() error {
	return e.Err
}

// ExitCode implements WithExitCode
func (e ExitError) ExitCode() int {
	return e.Code
}

// BadArguments wraps a command-line usage error
func BadArguments(err error) error {
	return ExitError{Code: ExitBadArguments, Err: err}
}

// ExitCode returns the process exit code corresponding to the result of a task
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var wec WithExitCode
	if errors.As(err, &wec) {
		return wec.ExitCode()
	}
	return 1
}
