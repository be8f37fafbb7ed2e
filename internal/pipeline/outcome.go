package pipeline

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Status is the verification verdict of one function.
type Status string

const (
	StatusValid            Status = "valid"
	StatusInvalid          Status = "invalid"
	StatusUnknown          Status = "unknown"
	StatusTranslationError Status = "translation_error"
)

// Diagnostic kinds that are not assertion kinds.
const (
	KindSpecType      = "spec-type-error"
	KindUnsupported   = "unsupported-bytecode"
	KindInternal      = "internal-error"
	KindSolverTimeout = "solver-timeout"
	KindSolverCrash   = "solver-crash"
)

// Binding is one entry value of a counterexample.
type Binding struct {
	Name  string
	Value string
}

// Diagnostic is one finding, located in the source.
type Diagnostic struct {
	Function bytecode.FunctionRef
	Kind     string
	Range    bytecode.Range
	Position bytecode.Position
	Message  string
	// Counterexample holds the entry values of a failing path.
	Counterexample []Binding
	// Detail carries solver output or a stack trace.
	Detail string
}

// Outcome is the result record of one function.
type Outcome struct {
	Function    bytecode.FunctionRef
	Status      Status
	Diagnostics []Diagnostic
	// Bounded is set when loops were unrolled: a valid verdict only covers
	// paths up to the unroll depth.
	Bounded      bool
	Fingerprints []common.Hash
}

// Report is the result of a run.
type Report struct {
	Outcomes []*Outcome
	// Diagnostics not owned by a function, such as spec blocks naming
	// unknown functions.
	Diagnostics []Diagnostic
}

// Outcome returns the outcome of fn, or nil.
func (r *Report) Outcome(fn bytecode.FunctionRef) *Outcome {
	for _, o := range r.Outcomes {
		if o.Function == fn {
			return o
		}
	}
	return nil
}

// Summary counts outcomes per status.
type Summary struct {
	Valid            int
	Invalid          int
	Unknown          int
	TranslationError int
}

// Summarize counts the outcomes of r.
func (r *Report) Summarize() Summary {
	var s Summary
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusValid:
			s.Valid++
		case StatusInvalid:
			s.Invalid++
		case StatusUnknown:
			s.Unknown++
		case StatusTranslationError:
			s.TranslationError++
		}
	}
	return s
}

// OK reports whether every function was proven.
func (s Summary) OK() bool {
	return s.Invalid == 0 && s.Unknown == 0 && s.TranslationError == 0
}

// =============================================================================
// Ordering
// =============================================================================

// sortDiagnostics orders by module, start offset and message, independent
// of the order in which solver results arrived.
func sortDiagnostics(ds []Diagnostic) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if ma, mb := a.Range.Module.String(), b.Range.Module.String(); ma != mb {
			return ma < mb
		}
		if a.Range.Start != b.Range.Start {
			return a.Range.Start < b.Range.Start
		}
		if a.Message != b.Message {
			return a.Message < b.Message
		}
		return a.Kind < b.Kind
	})
}

func sortOutcomes(os []*Outcome) {
	sort.Slice(os, func(i, j int) bool { return os[i].Function.String() < os[j].Function.String() })
}
