// Package diag holds the error kinds shared by several pipeline stages.
package diag

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageBind       Stage = "bind"
	StageTranslate  Stage = "translate"
	StageAnalyze    Stage = "analyze"
	StageInstrument Stage = "instrument"
	StageAssemble   Stage = "assemble"
	StageSolve      Stage = "solve"
)

// TranslationInternalError reports a violated invariant of an earlier stage.
// It signals a bug in the verifier, not in the verified code, and is scoped
// to one function.
type TranslationInternalError struct {
	Function bytecode.FunctionRef
	Stage    Stage
	Range    bytecode.Range
	Msg      string

	cause error // carries the stack trace
}

// Internalf creates a TranslationInternalError and records the call stack.
func Internalf(fn bytecode.FunctionRef, stage Stage, rng bytecode.Range, format string, args ...any) *TranslationInternalError {
	msg := fmt.Sprintf(format, args...)
	return &TranslationInternalError{
		Function: fn,
		Stage:    stage,
		Range:    rng,
		Msg:      msg,
		cause:    errors.New(msg),
	}
}

func (e *TranslationInternalError) Error() string {
	return fmt.Sprintf("%s: internal error during %s: %s", e.Function, e.Stage, e.Msg)
}

// Unwrap returns the stack-carrying cause.
func (e *TranslationInternalError) Unwrap() error { return e.cause }

// StackTrace returns the stack captured when the error was created, formatted
// for logging.
func (e *TranslationInternalError) StackTrace() string {
	if e.cause == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.cause)
}
