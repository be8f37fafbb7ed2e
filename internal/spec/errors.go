package spec

import (
	"fmt"

	"github.com/mpyw/resprove/internal/bytecode"
)

// SpecTypeError reports an ill-formed or ill-typed spec condition. It is
// scoped to the function (or struct) the condition is attached to.
type SpecTypeError struct {
	Range    bytecode.Range
	Expected string
	Found    string
	Msg      string
}

func (e *SpecTypeError) Error() string {
	if e.Expected == "" && e.Found == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s (expected %s, found %s)", e.Msg, e.Expected, e.Found)
}

func typeError(r bytecode.Range, expected, found, format string, args ...any) *SpecTypeError {
	return &SpecTypeError{Range: r, Expected: expected, Found: found, Msg: fmt.Sprintf(format, args...)}
}

func plainError(r bytecode.Range, format string, args ...any) *SpecTypeError {
	return &SpecTypeError{Range: r, Msg: fmt.Sprintf(format, args...)}
}

// asSpecError converts a syntax error into a SpecTypeError.
func asSpecError(err error, fallback bytecode.Range) *SpecTypeError {
	switch e := err.(type) {
	case *SpecTypeError:
		return e
	case *syntaxError:
		return plainError(e.rng, "syntax error: %s", e.msg)
	}
	return plainError(fallback, "%v", err)
}
