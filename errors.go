package main

import (
	"errors"
	"fmt"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// ExitCodeError carries an exit code without a message.
// The error itself has already been reported when it is returned.
type ExitCodeError struct {
	exitCode int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code: %d", e.exitCode)
}

// NewExitCodeError returns nil for exitCodeSuccess.
func NewExitCodeError(exitCode int) error {
	if exitCode == exitCodeSuccess {
		return nil
	}

	return &ExitCodeError{
		exitCode: exitCode,
	}
}

// GetExitCode returns the exit code of an ExitCodeError, exitCodeSuccess for nil
// and exitCodeError for any other error.
func GetExitCode(err error) int {
	if err == nil {
		return exitCodeSuccess
	}

	var exitCodeErr *ExitCodeError
	if errors.As(err, &exitCodeErr) {
		return exitCodeErr.exitCode
	}

	return exitCodeError
}
