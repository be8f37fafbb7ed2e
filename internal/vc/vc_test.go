package vc

import (
	"errors"
	"strings"
	"testing"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/dataflow"
	"github.com/mpyw/resprove/internal/diag"
	"github.com/mpyw/resprove/internal/instrument"
	"github.com/mpyw/resprove/internal/spec"
	"github.com/mpyw/resprove/internal/stackless"
)

const mathSrc = `module 0x1::Math

fun add(a: u64, b: u64): u64 {
    copy_loc a
    copy_loc b
    add
    ret
}

fun max(a: u64, b: u64): u64 {
    spec ensures result >= a && result >= b
    copy_loc a
    copy_loc b
    gt
    br_true take_a
    copy_loc b
    branch done
take_a:
    copy_loc a
done:
    ret
}

fun guard(x: u64): u64 {
    spec aborts_if x == 0
    spec ensures result == x
    copy_loc x
    ld_u64 0
    eq
    br_true bad
    copy_loc x
    ret
bad:
    ld_u64 1
    abort
}

fun sum(n: u64): u64 {
    local i: u64
    local s: u64
    ld_u64 0
    st_loc i
    ld_u64 0
    st_loc s
head:
    copy_loc i
    copy_loc n
    lt
    br_false exit
    copy_loc s
    copy_loc i
    add
    st_loc s
    copy_loc i
    ld_u64 1
    add
    st_loc i
    branch head
exit:
    copy_loc s
    ret
}
`

func instrumented(t *testing.T, name string, opts instrument.Options) (*instrument.Program, *bytecode.Program) {
	t.Helper()
	m, blocks, err := bytecode.Parse("math.mvasm", []byte(mathSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := bytecode.NewProgram(m)
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	env := spec.Bind(prog, blocks)
	sums := dataflow.Summarize(prog, env.ModifiedStructs)
	fn, err := stackless.Translate(prog, m.Function(name))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	res, err := dataflow.Analyze(fn, sums)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	p, err := instrument.Instrument(fn, res, env, sums, opts)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	return p, prog
}

func assemble(t *testing.T, name string, iopts instrument.Options, opts Options) *VC {
	t.Helper()
	p, prog := instrumented(t, name, iopts)
	vc, err := Assemble(p, prog, opts)
	if err != nil {
		t.Fatalf("Assemble(%s): %v", name, err)
	}
	return vc
}

// =============================================================================
// Query Shape
// =============================================================================

func TestAssemble_SingleQuery(t *testing.T) {
	vc := assemble(t, "add", instrument.Options{}, DefaultOptions())

	if len(vc.Queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(vc.Queries))
	}
	q := vc.Queries[0]
	if q.Policy != PolicySingle || q.Parts != 1 || q.Part != 1 {
		t.Errorf("policy = %s part %d/%d", q.Policy, q.Part, q.Parts)
	}
	for _, want := range []string{
		"(set-logic ALL)",
		"(declare-const a@0 Int)",
		"(define-fun fail!0 () Bool",
		"(assert fail!0)",
		"(check-sat)",
		"(get-value (fail!0 a@0 b@0))",
	} {
		if !strings.Contains(q.Text, want) {
			t.Errorf("query lacks %q\n%s", want, q.Text)
		}
	}
	if len(q.Inputs) != 2 || q.Inputs[0].Name != "a" || q.Inputs[0].Symbol != "a@0" {
		t.Errorf("inputs = %+v", q.Inputs)
	}
	if a, ok := q.Check("fail!0"); !ok || a.Kind != instrument.KindUndeclaredAbort {
		t.Errorf("fail!0 checks %+v", a)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	for _, name := range []string{"add", "max", "guard", "sum"} {
		t.Run(name, func(t *testing.T) {
			a := assemble(t, name, instrument.Options{}, DefaultOptions())
			b := assemble(t, name, instrument.Options{}, DefaultOptions())
			if len(a.Queries) != len(b.Queries) {
				t.Fatalf("query counts differ: %d vs %d", len(a.Queries), len(b.Queries))
			}
			for i := range a.Queries {
				if a.Queries[i].Text != b.Queries[i].Text {
					t.Errorf("query %d text differs", i)
				}
				if a.Queries[i].Fingerprint != b.Queries[i].Fingerprint {
					t.Errorf("query %d fingerprint differs", i)
				}
			}
		})
	}
}

func TestAssemble_JoinVersions(t *testing.T) {
	vc := assemble(t, "max", instrument.Options{}, DefaultOptions())
	text := vc.Queries[0].Text

	if !strings.Contains(text, "(define-fun reach!B") {
		t.Errorf("no reach condition for the join\n%s", text)
	}
	if strings.Count(text, "(assert (=> ") < 2 {
		t.Errorf("join does not constrain the merged version per path\n%s", text)
	}
}

// =============================================================================
// Split Policy
// =============================================================================

func TestAssemble_SplitByExit(t *testing.T) {
	opts := DefaultOptions()
	opts.SplitThreshold = 1
	vc := assemble(t, "guard", instrument.Options{}, opts)

	if len(vc.Queries) != 2 {
		t.Fatalf("queries = %d, want 2", len(vc.Queries))
	}
	for i, exit := range []string{"return", "abort"} {
		q := vc.Queries[i]
		if q.Policy != PolicySplitByExit || q.Exit != exit || q.Part != i+1 || q.Parts != 2 {
			t.Errorf("query %d = %s %s part %d/%d", i, q.Policy, q.Exit, q.Part, q.Parts)
		}
	}
	if n := len(vc.Queries[1].Checks); n != 1 || vc.Queries[1].Checks[0].Assertion.Kind != instrument.KindAbortsIf {
		t.Errorf("abort part checks = %+v", vc.Queries[1].Checks)
	}
	for _, e := range vc.SourceMap.Entries {
		if e.Policy != PolicySplitByExit || e.Parts != 2 || e.Part == 0 {
			t.Errorf("entry %d = %s part %d/%d", e.Assertion, e.Policy, e.Part, e.Parts)
		}
	}
}

func TestAssemble_NoSplitBelowThreshold(t *testing.T) {
	vc := assemble(t, "guard", instrument.Options{}, DefaultOptions())
	if len(vc.Queries) != 1 || vc.Queries[0].Policy != PolicySingle {
		t.Errorf("queries = %d, policy %s", len(vc.Queries), vc.Queries[0].Policy)
	}
}

// =============================================================================
// Loops
// =============================================================================

func TestAssemble_Unroll(t *testing.T) {
	opts := DefaultOptions()
	opts.UnrollDepth = 2
	vc := assemble(t, "sum", instrument.Options{Loops: instrument.LoopUnroll}, opts)

	if !vc.Bounded || !vc.Queries[0].Bounded {
		t.Error("unrolled VC not marked bounded")
	}
	e := vc.SourceMap.ByID(0)
	if e == nil || len(e.Vars) != 3 {
		t.Fatalf("assertion 0 instances = %+v, want 3", e)
	}
	for _, v := range e.Vars {
		if vc.SourceMap.ByVar(v) != e {
			t.Errorf("ByVar(%s) does not map back", v)
		}
	}
	if !strings.Contains(vc.Queries[0].Text, "paths longer than 2 iterations") {
		t.Error("truncation not recorded in the query")
	}
}

func TestAssemble_InvariantModeSinglePass(t *testing.T) {
	vc := assemble(t, "sum", instrument.Options{}, DefaultOptions())
	if vc.Bounded {
		t.Error("invariant mode VC marked bounded")
	}
	for _, e := range vc.SourceMap.Entries {
		if len(e.Vars) != 1 {
			t.Errorf("assertion %d instantiated %d times", e.Assertion, len(e.Vars))
		}
	}
}

// =============================================================================
// Source Map
// =============================================================================

func TestSourceMap_Total(t *testing.T) {
	p, prog := instrumented(t, "guard", instrument.Options{})
	vc, err := Assemble(p, prog, DefaultOptions())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(vc.SourceMap.Entries) != len(p.Assertions) {
		t.Fatalf("entries = %d, assertions = %d", len(vc.SourceMap.Entries), len(p.Assertions))
	}
	for _, a := range p.Assertions {
		e := vc.SourceMap.ByID(a.ID)
		if e.Range != a.Range || e.Kind != a.Kind {
			t.Errorf("entry %d = %+v, want %+v", a.ID, e, a)
		}
		if got := vc.SourceMap.At(a.Range.Module, a.Range.Start); len(got) == 0 {
			t.Errorf("At(%s) finds nothing", a.Range)
		}
	}
}

func TestSourceMap_InvalidRange(t *testing.T) {
	p, prog := instrumented(t, "add", instrument.Options{})
	p.Assertions[0].Range.End = len(mathSrc) + 100

	_, err := Assemble(p, prog, DefaultOptions())
	var ie *diag.TranslationInternalError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want TranslationInternalError", err)
	}
	if ie.Stage != diag.StageAssemble {
		t.Errorf("stage = %s, want assemble", ie.Stage)
	}
}

func TestSourceMap_UninstantiatedEntries(t *testing.T) {
	p, prog := instrumented(t, "guard", instrument.Options{})
	if len(p.Assertions) == 0 {
		t.Fatal("guard has no assertions")
	}
	queries := []*Query{{Function: p.Fn.Def.Ref, Part: 1, Parts: 1, Policy: PolicySingle}}

	sm, err := buildSourceMap(p, prog, queries)
	if err != nil {
		t.Fatalf("buildSourceMap: %v", err)
	}
	for _, e := range sm.Entries {
		if e.Part != 1 || e.Parts != 1 || e.Policy != PolicySingle || len(e.Vars) != 0 {
			t.Errorf("entry %d = part %d/%d %s %v", e.Assertion, e.Part, e.Parts, e.Policy, e.Vars)
		}
	}
	if out := sm.String(); strings.Contains(out, "part 0/") {
		t.Errorf("source map:\n%s", out)
	}

	sm, err = buildSourceMap(p, prog, nil)
	if err != nil {
		t.Fatalf("buildSourceMap without queries: %v", err)
	}
	if out := sm.String(); !strings.Contains(out, "part 1/1 single") {
		t.Errorf("source map without queries:\n%s", out)
	}
}
