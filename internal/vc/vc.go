// Package vc assembles verification queries from annotated programs.
//
// # Passive Form
//
// The annotated program is folded in one forward pass over the block graph
// in reverse postorder. Every assignment or havoc creates a new version of
// its variable; joins introduce a version constrained per incoming path:
//
//	x := x + 1        (define-fun x@1 () Int (+ x@0 1))
//	havoc x           (declare-const x@2 Int)
//	join of B1, B2    (assert (=> pc!4 (= x@3 x@1)))
//	                  (assert (=> pc!7 (= x@3 x@2)))
//
// # Failure Variables
//
// Assertion i under path condition pc becomes fail!i = pc ∧ ¬P and execution
// continues under pc ∧ P. The query asserts the disjunction of all failure
// variables, so it is unsatisfiable exactly when every assertion holds:
//
//	┌─────────────┬──────────────────────────────────────────────┐
//	│  Result     │  Meaning                                     │
//	├─────────────┼──────────────────────────────────────────────┤
//	│  unsat      │  every assertion holds on every path         │
//	│  sat        │  fail variables true in the model failed     │
//	│  unknown    │  timeout or incompleteness                   │
//	└─────────────┴──────────────────────────────────────────────┘
//
// # Splitting
//
// Functions with more assertions than the split threshold produce one query
// per exit class (return, abort, other) instead of one query. Every query
// carries the whole passive program; only the asserted disjunction differs.
package vc

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/diag"
	"github.com/mpyw/resprove/internal/instrument"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// Policy names how a function's assertions are distributed over queries.
type Policy string

const (
	PolicySingle      Policy = "single"
	PolicySplitByExit Policy = "split-by-exit"
)

// Options configure assembly.
type Options struct {
	// UnrollDepth bounds the back-edges taken on any path when the program
	// was instrumented in unroll mode.
	UnrollDepth int
	// SplitThreshold is the assertion count above which queries are split.
	// Zero disables splitting.
	SplitThreshold int
	// Logic is the SMT-LIB logic to declare. Empty means ALL.
	Logic string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{UnrollDepth: 3, SplitThreshold: 64, Logic: "ALL"}
}

// Check links a failure variable to its assertion.
type Check struct {
	Var       string
	Assertion *instrument.Assertion
}

// Input is an entry value requested from the model.
type Input struct {
	Name   string // parameter name
	Symbol string // SMT term of its entry version
}

// Query is one closed SMT-LIB2 query.
type Query struct {
	Function    bytecode.FunctionRef
	Part        int // 1-based
	Parts       int
	Policy      Policy
	Exit        string // exit class of a split part, empty when single
	Text        string
	Fingerprint common.Hash
	Checks      []Check
	Inputs      []Input
	Bounded     bool
}

// Name identifies the query in logs and kept files.
func (q *Query) Name() string {
	if q.Parts <= 1 {
		return q.Function.String()
	}
	return fmt.Sprintf("%s#%d-of-%d", q.Function, q.Part, q.Parts)
}

// Check returns the assertion checked by a failure variable.
func (q *Query) Check(v string) (*instrument.Assertion, bool) {
	for _, c := range q.Checks {
		if c.Var == v {
			return c.Assertion, true
		}
	}
	return nil, false
}

// VC is the assembled verification condition of one function.
type VC struct {
	Function  bytecode.FunctionRef
	Queries   []*Query
	SourceMap *SourceMap
	Bounded   bool
}

// =============================================================================
// Assembly
// =============================================================================

// Assemble folds p into one or more queries and builds the source map. It
// fails with a TranslationInternalError when p is inconsistent.
func Assemble(p *instrument.Program, prog *bytecode.Program, opts Options) (*VC, error) {
	if opts.Logic == "" {
		opts.Logic = "ALL"
	}
	depth := 0
	if p.Mode == instrument.LoopUnroll {
		depth = opts.UnrollDepth
	}

	body := logic.NewScript()
	body.Comment("function " + p.Fn.Def.Ref.String())
	body.SetOption("produce-models", "true")
	body.SetLogic(opts.Logic)
	body.DeclareDatatypes(p.Datatypes)

	e := newEncoder(p, body)
	order := stackless.NewAnalyzer().ReversePostorder(p.Fn)
	if err := e.run(order, depth); err != nil {
		return nil, err
	}
	if e.truncated {
		body.Comment(fmt.Sprintf("paths longer than %d iterations are not checked", depth))
	}

	var inputs []Input
	var inputTerms []logic.Term
	for _, in := range p.Inputs {
		v := e.initial(e.index[in.Var])
		inputs = append(inputs, Input{Name: in.Name, Symbol: logic.Symbol(v.Name)})
		inputTerms = append(inputTerms, v)
	}

	parts, policy := partition(p, e.fails, opts)
	vc := &VC{Function: p.Fn.Def.Ref, Bounded: p.Bounded}
	for i, pt := range parts {
		q := &Query{
			Function: p.Fn.Def.Ref,
			Part:     i + 1,
			Parts:    len(parts),
			Policy:   policy,
			Exit:     pt.exit,
			Inputs:   inputs,
			Bounded:  p.Bounded,
		}
		tail := logic.NewScript()
		var fails []logic.Term
		for _, o := range pt.fails {
			fails = append(fails, o.fail)
			q.Checks = append(q.Checks, Check{Var: o.fail.Name, Assertion: o.assertion})
		}
		tail.Assert(logic.Or(fails...))
		tail.CheckSat()
		tail.GetValue(append(fails, inputTerms...))

		q.Text = body.String() + tail.String()
		q.Fingerprint = crypto.Keccak256Hash([]byte(q.Text))
		vc.Queries = append(vc.Queries, q)
	}

	sm, err := buildSourceMap(p, prog, vc.Queries)
	if err != nil {
		return nil, err
	}
	vc.SourceMap = sm
	return vc, nil
}

// =============================================================================
// Split Policy
// =============================================================================

type part struct {
	exit  string
	fails []occurrence
}

var exitOrder = []string{"return", "abort", "other"}

// partition groups failure variables into queries. Split parts are ordered
// return, abort, other; empty parts are dropped.
func partition(p *instrument.Program, fails []occurrence, opts Options) ([]part, Policy) {
	if opts.SplitThreshold <= 0 || len(p.Assertions) <= opts.SplitThreshold {
		return []part{{fails: fails}}, PolicySingle
	}
	classes := exitClasses(p.Fn)
	byExit := make(map[string][]occurrence)
	for _, o := range fails {
		c := classes[o.assertion.Block]
		byExit[c] = append(byExit[c], o)
	}
	var parts []part
	for _, c := range exitOrder {
		if len(byExit[c]) > 0 {
			parts = append(parts, part{exit: c, fails: byExit[c]})
		}
	}
	if len(parts) == 0 {
		return []part{{}}, PolicySingle
	}
	return parts, PolicySplitByExit
}

// exitClasses assigns every block the terminal nearest to it along CFG
// edges, preferring the return exit on ties.
func exitClasses(fn *stackless.Function) map[stackless.BlockID]string {
	dist := func(target stackless.BlockID) map[stackless.BlockID]int {
		d := map[stackless.BlockID]int{target: 0}
		queue := []stackless.BlockID{target}
		for len(queue) > 0 {
			b := queue[0]
			queue = queue[1:]
			for _, pred := range fn.Blocks[b].Preds {
				if _, ok := d[pred]; !ok {
					d[pred] = d[b] + 1
					queue = append(queue, pred)
				}
			}
		}
		return d
	}
	ret, abort := dist(fn.ReturnExit), dist(fn.AbortExit)

	out := make(map[stackless.BlockID]string, len(fn.Blocks))
	for _, b := range fn.Blocks {
		r, okR := ret[b.ID]
		a, okA := abort[b.ID]
		switch {
		case okR && (!okA || r <= a):
			out[b.ID] = "return"
		case okA:
			out[b.ID] = "abort"
		default:
			out[b.ID] = "other"
		}
	}
	return out
}

// =============================================================================
// Source Map
// =============================================================================

// SourceMapEntry links one assertion to its source and to the failure
// variables that check it.
type SourceMapEntry struct {
	Assertion int
	Kind      instrument.AssertKind
	Range     bytecode.Range
	Message   string
	Vars      []string // failure variables, one per instance
	Part      int
	Parts     int
	Policy    Policy
}

// SourceMap is the bidirectional map between assertion ids and source
// ranges of one function.
type SourceMap struct {
	Entries []*SourceMapEntry // by assertion id
	byVar   map[string]*SourceMapEntry
}

// ByID returns the entry of an assertion.
func (m *SourceMap) ByID(id int) *SourceMapEntry {
	if id < 0 || id >= len(m.Entries) {
		return nil
	}
	return m.Entries[id]
}

// ByVar returns the entry checked by a failure variable.
func (m *SourceMap) ByVar(v string) *SourceMapEntry { return m.byVar[v] }

// At returns the entries whose range contains the byte offset, ordered by
// assertion id.
func (m *SourceMap) At(module bytecode.ModuleID, offset int) []*SourceMapEntry {
	var out []*SourceMapEntry
	for _, e := range m.Entries {
		if e.Range.Module == module && e.Range.Start <= offset && offset < e.Range.End {
			out = append(out, e)
		}
	}
	return out
}

// buildSourceMap creates one entry per assertion and validates that every
// range lies in its module's source and every failure variable belongs to
// a known assertion.
func buildSourceMap(p *instrument.Program, prog *bytecode.Program, queries []*Query) (*SourceMap, error) {
	fn := p.Fn.Def.Ref
	sm := &SourceMap{byVar: make(map[string]*SourceMapEntry)}
	for i, a := range p.Assertions {
		if a.ID != i {
			return nil, diag.Internalf(fn, diag.StageAssemble, a.Range, "assertion %d stored at index %d", a.ID, i)
		}
		src := prog.Source(a.Range)
		if src == nil || a.Range.IsZero() || !a.Range.Within(len(src)) {
			return nil, diag.Internalf(fn, diag.StageAssemble, a.Range, "assertion %d has no valid source range (%s)", a.ID, a.Range)
		}
		sm.Entries = append(sm.Entries, &SourceMapEntry{
			Assertion: a.ID,
			Kind:      a.Kind,
			Range:     a.Range,
			Message:   a.Message,
			Parts:     len(queries),
		})
	}

	for _, q := range queries {
		for _, c := range q.Checks {
			e := sm.ByID(c.Assertion.ID)
			if e == nil || p.Assertions[c.Assertion.ID] != c.Assertion {
				return nil, diag.Internalf(fn, diag.StageAssemble, c.Assertion.Range, "orphan failure variable %s", c.Var)
			}
			if _, dup := sm.byVar[c.Var]; dup {
				return nil, diag.Internalf(fn, diag.StageAssemble, c.Assertion.Range, "failure variable %s checked twice", c.Var)
			}
			e.Vars = append(e.Vars, c.Var)
			e.Part = q.Part
			e.Policy = q.Policy
			sm.byVar[c.Var] = e
		}
	}
	// Entries no query instantiates belong to the first part.
	for _, e := range sm.Entries {
		if e.Part == 0 {
			e.Part = 1
		}
		if e.Parts == 0 {
			e.Parts = 1
		}
		if e.Policy == "" {
			e.Policy = PolicySingle
			if len(queries) > 0 {
				e.Policy = queries[0].Policy
			}
		}
	}
	return sm, nil
}

// String renders the source map for debug dumps.
func (m *SourceMap) String() string {
	var b strings.Builder
	for _, e := range m.Entries {
		fmt.Fprintf(&b, "#%d %s %s part %d/%d %s [%s] %s\n",
			e.Assertion, e.Kind, e.Range, e.Part, e.Parts, e.Policy, strings.Join(e.Vars, " "), e.Message)
	}
	return b.String()
}
