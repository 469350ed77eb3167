package cli

import (
	"errors"
	"fmt"
)

// Exit codes reported by the dealbridge binary. Any failure that is not an
// ExitError, such as a flag parse error from cobra, exits with exitConfig.
const (
	// exitConfig covers unreadable or invalid configuration, a missing
	// webhook URL and bad flags.
	exitConfig = 1
	// exitRuntime covers listen failures, server errors and write errors.
	exitRuntime = 2
	// exitTelemetry covers tracer and meter setup failures.
	exitTelemetry = 3
)

// ExitError pairs a failure with the exit code main should use for it.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExitCode returns the exit code for an error returned by the root command.
// A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitConfig
}
