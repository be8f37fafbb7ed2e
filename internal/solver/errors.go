package solver

import (
	"fmt"
	"time"
)

// SolverTimeoutError reports an inconclusive query: the solver answered
// unknown, reported its own timeout, or was killed at the deadline.
type SolverTimeoutError struct {
	Query   string
	Timeout time.Duration
	Reason  string
}

func (e *SolverTimeoutError) Error() string {
	return fmt.Sprintf("solver gave no answer for %s within %s: %s", e.Query, e.Timeout, e.Reason)
}

// SolverCrashError reports a solver process that failed without a verdict.
type SolverCrashError struct {
	Query    string
	ExitCode int // -1 when the process did not exit normally
	Detail   string
	Err      error
}

func (e *SolverCrashError) Error() string {
	msg := fmt.Sprintf("solver crashed on %s (exit code %d)", e.Query, e.ExitCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *SolverCrashError) Unwrap() error { return e.Err }
