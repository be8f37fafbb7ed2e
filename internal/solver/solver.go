// Package solver runs verification queries through an external SMT solver.
//
// # Classification
//
// The solver is a subprocess reading a query file and printing one verdict
// followed by the answer to get-value:
//
//	┌──────────────────────────────┬───────────┬──────────────────────────┐
//	│  Output                      │  Status   │  Error                   │
//	├──────────────────────────────┼───────────┼──────────────────────────┤
//	│  unsat                       │  valid    │  -                       │
//	│  sat + ((fail!0 true) ...)   │  invalid  │  -                       │
//	│  unknown / timeout           │  unknown  │  SolverTimeoutError      │
//	│  deadline exceeded           │  unknown  │  SolverTimeoutError      │
//	│  (error ...) before verdict  │  unknown  │  SolverCrashError        │
//	│  no verdict, nonzero exit    │  unknown  │  SolverCrashError        │
//	└──────────────────────────────┴───────────┴──────────────────────────┘
//
// A crash is retried once with the relaxed arguments and twice the timeout.
// Timeouts are not retried. Neither is ever reported as a proof or a
// counterexample.
package solver

import (
	"context"
	"time"
)

// Status is the classified outcome of one query.
type Status int

const (
	StatusUnknown Status = iota
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Request is one query handed to a Gateway.
type Request struct {
	Name    string // used for logs and kept files
	Text    string // closed SMT-LIB2 script
	Timeout time.Duration
}

// Result is the outcome of one query.
type Result struct {
	Name     string
	Status   Status
	Model    *Model // set when Status is StatusInvalid
	Err      error  // *SolverTimeoutError or *SolverCrashError when unknown
	Attempts int
	Elapsed  time.Duration
}

// Gateway solves queries. Solve returns a non-nil error only when ctx is
// done; solver failures are reported through Result.Err.
type Gateway interface {
	Solve(ctx context.Context, req Request) (*Result, error)
}
