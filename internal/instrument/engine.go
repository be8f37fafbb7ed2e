// Package instrument turns a stackless function, its analyses and its bound
// contract into an annotated program: assumptions, assertions, assignments
// and havocs attached to blocks and edges in a side table.
//
// # Annotated Program
//
// The function itself is never modified. Statements are kept per block and
// per edge:
//
//	prologue   assume ranges of params, old(x) := x, assume requires
//	B0         t4 := x + y              (after the overflow abort point)
//	B0 -> ret  assert ensures, assert !aborts_if
//	B1 -> B1   merge copies, assert loop invariant, cut
//
// # Instruction Handlers
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│  Ops                           │  Handler          │  Effect      │
//	├──────────────────────────────────────────────────────────────────┤
//	│  const assign                  │  ValueHandler     │  assign      │
//	│  add sub mul div mod shl shr   │  ArithmeticHandler│  abort point │
//	│  casts, bit ops, comparisons   │  ArithmeticHandler│  assign      │
//	│  borrow_loc/field read/write   │  ReferenceHandler │  write-back  │
//	│  pack unpack                   │  StructHandler    │  invariants  │
//	│  exists borrow_global move_*   │  StorageHandler   │  frames      │
//	│  call                          │  CallHandler      │  contract    │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Aborts
//
// Every point that may abort (arithmetic, missing or present resources,
// callee contracts, explicit abort) is an abort point with a guard G. With
// declared aborts_if conditions A the point asserts G ==> A, otherwise it
// asserts !G as an undeclared abort. Execution continues under !G.
package instrument

import (
	"fmt"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/dataflow"
	"github.com/mpyw/resprove/internal/diag"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/spec"
	"github.com/mpyw/resprove/internal/stackless"
)

// LoopMode selects how loops are encoded.
type LoopMode int

const (
	// LoopInvariant havocs loop-carried state at headers and checks the
	// declared invariants on entry and on every back-edge.
	LoopInvariant LoopMode = iota
	// LoopUnroll leaves the loop intact; the assembler unrolls it to a
	// fixed depth and results are bounded.
	LoopUnroll
)

func (m LoopMode) String() string {
	if m == LoopUnroll {
		return "unroll"
	}
	return "invariant"
}

// AbortsMode selects how declared abort conditions are checked.
type AbortsMode int

const (
	// AbortsStrict requires the declared conditions to match the aborts
	// exactly.
	AbortsStrict AbortsMode = iota
	// AbortsPartial only requires every abort to be declared.
	AbortsPartial
)

// Options configure instrumentation.
type Options struct {
	Aborts AbortsMode
	Loops  LoopMode
}

// Context provides shared state to the instruction handlers of one function.
// It is created per function and never shared between workers.
type Context struct {
	Fn     *stackless.Function
	Result *dataflow.Result
	Env    *spec.Env
	Spec   *spec.FunctionSpec
	Sums   *dataflow.Summaries
	Opts   Options

	prog  *Program
	st    *state
	enc   *encoder
	out   []Stmt
	block stackless.BlockID
	point dataflow.Point

	entry  *scope
	aborts logic.Term
	types  map[*logic.Var]bytecode.Type // value types of temps and referents
}

// Instrument builds the annotated program of fn.
func Instrument(fn *stackless.Function, res *dataflow.Result, env *spec.Env, sums *dataflow.Summaries, opts Options) (*Program, error) {
	c := newContext(fn, res, env, sums, opts)

	c.prologue()
	bodies := make([][]Stmt, len(fn.Blocks))
	for _, b := range fn.Blocks {
		if b.IsExit() {
			continue
		}
		c.block = b.ID
		c.out = nil
		for i, in := range b.Instrs {
			c.point = dataflow.Point{Block: b.ID, Index: i}
			if err := Dispatch(c, in); err != nil {
				return nil, err
			}
		}
		bodies[b.ID] = c.out
		c.edges(b)
	}
	c.loops(bodies)

	c.prog.Vars = c.st.list
	c.prog.Datatypes = c.st.order
	return c.prog, nil
}

func newContext(fn *stackless.Function, res *dataflow.Result, env *spec.Env, sums *dataflow.Summaries, opts Options) *Context {
	st := newState(env.Program())
	c := &Context{
		Fn:     fn,
		Result: res,
		Env:    env,
		Spec:   env.Function(fn.Def.Ref),
		Sums:   sums,
		Opts:   opts,
		st:     st,
		enc:    &encoder{st: st},
		types:  make(map[*logic.Var]bytecode.Type),
		prog: &Program{
			Fn:     fn,
			Blocks: make([][]Stmt, len(fn.Blocks)),
			Edges:  make(map[EdgeRef][]Stmt),
			Cut:    make(map[EdgeRef]bool),
			Mode:   opts.Loops,
		},
	}
	c.prog.temps = make([]*logic.Var, len(fn.Temps))
	for i, t := range fn.Temps {
		v := st.variable(tempName(fn, stackless.Temp(i)), st.sortOf(t))
		c.prog.temps[i] = v
		c.types[v] = t.Deref()
	}
	return c
}

// =============================================================================
// Statement Emission
// =============================================================================

func (c *Context) emit(s Stmt) { c.out = append(c.out, s) }

func (c *Context) assume(t logic.Term, note string) {
	if logic.IsTrue(t) {
		return
	}
	c.emit(Stmt{Kind: Assume, Expr: t, Note: note})
}

func (c *Context) assign(v *logic.Var, t logic.Term, note string) {
	c.emit(Stmt{Kind: Assign, Var: v, Expr: t, Note: note})
}

// havoc forgets v and assumes it is well formed when its type is known.
func (c *Context) havoc(v *logic.Var, note string) {
	c.emit(Stmt{Kind: Havoc, Var: v, Note: note})
	if t, ok := c.types[v]; ok {
		c.assume(c.st.wellFormed(v, t), "range")
	}
}

func (c *Context) assert(kind AssertKind, rng bytecode.Range, t logic.Term, format string, args ...any) *Assertion {
	if rng.IsZero() {
		rng = c.Fn.Def.Range
	}
	a := &Assertion{
		ID:      len(c.prog.Assertions),
		Kind:    kind,
		Range:   rng,
		Message: fmt.Sprintf(format, args...),
		Block:   c.block,
	}
	c.prog.Assertions = append(c.prog.Assertions, a)
	c.emit(Stmt{Kind: Assert, Expr: t, Assertion: a})
	return a
}

func (c *Context) temp(t stackless.Temp) *logic.Var { return c.prog.temps[t] }

// referent is the state variable of the location a reference parameter
// points to.
func (c *Context) referent(p stackless.Temp) *logic.Var {
	v := c.st.variable(referentName(c.Fn, p), c.st.sortOf(c.Fn.Type(p)))
	c.types[v] = c.Fn.Type(p).Deref()
	return v
}

// paramValue is the value a parameter denotes in specs.
func (c *Context) paramValue(i int) *logic.Var {
	if c.Fn.Type(stackless.Temp(i)).IsReference() {
		return c.referent(stackless.Temp(i))
	}
	return c.temp(stackless.Temp(i))
}

func (c *Context) unsupported(in *stackless.Instr, format string, args ...any) error {
	e := &stackless.UnsupportedBytecodeError{
		Function: c.Fn.Def.Ref,
		PC:       in.PC,
		Op:       bytecode.OpCall,
		Range:    in.Range,
		Msg:      fmt.Sprintf(format, args...),
	}
	if def := c.Env.Program().Function(c.Fn.Blocks[c.block].Func); def != nil && in.PC >= 0 && in.PC < len(def.Code) {
		e.Op = def.Code[in.PC].Op
	}
	return e
}

func (c *Context) internal(rng bytecode.Range, format string, args ...any) error {
	return diag.Internalf(c.Fn.Def.Ref, diag.StageInstrument, rng, format, args...)
}

// =============================================================================
// Scopes
// =============================================================================

// prologue assumes what holds on entry, snapshots the entry state and
// assumes the preconditions.
func (c *Context) prologue() {
	for i := 0; i < c.Fn.NumParams; i++ {
		p := stackless.Temp(i)
		t := c.Fn.Type(p)
		v := c.temp(p)
		if t.IsReference() {
			r := c.referent(p)
			c.assume(logic.Eq(v, r), "reference parameter")
			v = r
		}
		c.assume(c.st.wellFormed(v, t), "range of "+c.Fn.TempName(p))
		if d := t.Deref(); d.Kind == bytecode.KindStruct {
			c.assume(c.enc.structInvariant(c.Env, d.Struct, v), "data invariant of "+c.Fn.TempName(p))
		}
		c.prog.Inputs = append(c.prog.Inputs, Input{Name: c.Fn.TempName(p), Var: v})
	}

	for i := 0; i < c.Fn.NumParams; i++ {
		v := c.paramValue(i)
		c.assign(c.st.old(v), v, "entry snapshot")
	}
	for _, s := range c.st.resources() {
		c.assign(c.st.old(c.st.mem(s)), c.st.mem(s), "entry snapshot")
		c.assign(c.st.old(c.st.exists(s)), c.st.exists(s), "entry snapshot")
	}

	c.entry = &scope{
		param:  func(i int) logic.Term { return c.st.old(c.paramValue(i)) },
		local:  func(i int) logic.Term { return c.st.old(c.temp(stackless.Temp(i))) },
		mem:    func(s bytecode.StructRef) logic.Term { return c.st.old(c.st.mem(s)) },
		exists: func(s bytecode.StructRef) logic.Term { return c.st.old(c.st.exists(s)) },
	}
	c.entry.old = c.entry

	for _, r := range c.Spec.Requires {
		c.assume(c.enc.encode(r.Expr, c.entry), "requires")
	}
	var aborts []logic.Term
	for _, a := range c.Spec.AbortsIf {
		aborts = append(aborts, c.enc.encode(a.Expr, c.entry))
	}
	c.aborts = logic.Or(aborts...)

	c.prog.Prologue = c.out
	c.out = nil
}

// current evaluates locals and storage in the current state.
func (c *Context) current() *scope {
	return &scope{
		param:  func(i int) logic.Term { return c.temp(stackless.Temp(i)) },
		local:  func(i int) logic.Term { return c.temp(stackless.Temp(i)) },
		mem:    func(s bytecode.StructRef) logic.Term { return c.st.mem(s) },
		exists: func(s bytecode.StructRef) logic.Term { return c.st.exists(s) },
		old:    c.entry,
	}
}

// exit evaluates postconditions on a return edge.
func (c *Context) exit(values []stackless.Temp) *scope {
	sc := c.current()
	sc.param = func(i int) logic.Term {
		if c.Fn.Type(stackless.Temp(i)).IsReference() {
			return c.referent(stackless.Temp(i))
		}
		return c.st.old(c.temp(stackless.Temp(i)))
	}
	for _, v := range values {
		sc.result = append(sc.result, c.temp(v))
	}
	return sc
}

// =============================================================================
// Abort Points
// =============================================================================

// abortPoint checks that aborting under guard is declared, then continues
// under !guard.
func (c *Context) abortPoint(guard logic.Term, rng bytecode.Range, reason string) {
	ap := &AbortPoint{Block: c.block, Range: rng, Reason: reason, Guard: guard}
	c.prog.AbortPoints = append(c.prog.AbortPoints, ap)
	if logic.IsFalse(guard) {
		return
	}
	if len(c.Spec.AbortsIf) == 0 {
		ap.Assertion = c.assert(KindUndeclaredAbort, rng, logic.Not(guard), "%s may abort but no aborts_if is declared", reason)
	} else {
		ap.Assertion = c.assert(KindAbortsIf, rng, logic.Implies(guard, c.aborts), "%s may abort without a matching aborts_if", reason)
	}
	c.assume(logic.Not(guard), "no abort")
}

// =============================================================================
// Edges
// =============================================================================

// edges builds the statements of every outgoing edge of b: merge copies
// followed by the checks of the terminator.
func (c *Context) edges(b *stackless.Block) {
	for i, e := range b.Succs {
		c.out = nil
		for _, in := range c.Fn.Blocks[e.To].Instrs {
			if in.Op != stackless.OpMerge {
				continue
			}
			for k, from := range in.From {
				if from == b.ID {
					c.assign(c.temp(in.Dst()), c.temp(in.Srcs[k]), "merge")
				}
			}
		}
		switch e.Kind {
		case stackless.EdgeReturn:
			c.returnChecks(b.Term)
		case stackless.EdgeAbort:
			c.abortChecks(b.Term)
		}
		if len(c.out) > 0 {
			c.prog.Edges[EdgeRef{From: b.ID, Succ: i}] = c.out
		}
	}
	c.out = nil
}

func (c *Context) returnChecks(term stackless.Terminator) {
	sc := c.exit(term.Values)
	for _, e := range c.Spec.Ensures {
		c.assert(KindEnsures, e.Range, c.enc.encode(e.Expr, sc), "postcondition may not hold: %s", spec.Format(e.Expr))
	}
	if c.Opts.Aborts == AbortsPartial || c.Spec.Pragmas.AbortsIfIsPartial {
		return
	}
	for _, a := range c.Spec.AbortsIf {
		c.assert(KindAbortsIfStrict, a.Range, logic.Not(c.enc.encode(a.Expr, c.entry)),
			"function may return although aborts_if holds: %s", spec.Format(a.Expr))
	}
}

func (c *Context) abortChecks(term stackless.Terminator) {
	ap := &AbortPoint{Block: c.block, Range: term.Range, Reason: "abort", Guard: logic.True}
	c.prog.AbortPoints = append(c.prog.AbortPoints, ap)
	if len(c.Spec.AbortsIf) == 0 {
		ap.Assertion = c.assert(KindUndeclaredAbort, term.Range, logic.False, "abort is not declared by any aborts_if")
		return
	}
	ap.Assertion = c.assert(KindAbortsIf, term.Range, c.aborts, "abort is not covered by the declared aborts_if conditions")

	withCode := false
	var cases []logic.Term
	code := c.temp(term.Code)
	for _, a := range c.Spec.AbortsIf {
		cond := c.enc.encode(a.Expr, c.entry)
		if a.AbortCode != nil {
			withCode = true
			cond = logic.And(cond, logic.Eq(code, logic.Int(a.AbortCode)))
		}
		cases = append(cases, cond)
	}
	if withCode {
		c.assert(KindAbortCode, term.Range, logic.Or(cases...), "abort code does not match the aborts_if conditions")
	}
}
