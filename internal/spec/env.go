// Package spec binds raw specification text to program locations.
//
// # Binding
//
// The loader hands over raw spec blocks. Each block is parsed with a Pratt
// parser and type-checked against the signature of the function (or struct)
// it belongs to:
//
//	SpecBlock{Function: "inc", Keyword: "ensures", Text: "result == x + 1"}
//	      │
//	      ▼ Lex / ParseExpr
//	Binary(==, Ident(result), Binary(+, Ident(x), IntLit(1)))
//	      │
//	      ▼ checker
//	typed Condition{Kind: Postcondition}
//	      │
//	      ▼
//	Env[(inc, Postcondition)]
//
// Errors are collected per function and never stop binding of other
// functions. The resulting Env is immutable and shared by all workers.
//
// # Conditions
//
//	requires E            precondition (no old, no result)
//	ensures E             postcondition (old and result allowed)
//	aborts_if E [with C]  abort condition in the entry state
//	modifies global<S>(a) storage the function may write
//	invariant at L: E     loop invariant at label L (locals visible)
//	pragma name [= v]     verify, timeout, aborts_if_is_partial, opaque
//
// Struct invariants ("spec struct S invariant E") see the fields of S as
// identifiers.
package spec

import (
	"sort"

	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Condition is a typed spec condition bound to a program point.
type Condition struct {
	Kind      Kind
	Expr      Expr
	Range     bytecode.Range
	Label     string       // Invariant: loop header label
	AbortCode *uint256.Int // AbortsIf: code from "with", nil if absent
	Target    *Global      // Modifies: the storage location
}

// FunctionSpec holds every condition attached to one function.
type FunctionSpec struct {
	Function   bytecode.FunctionRef
	Requires   []*Condition
	Ensures    []*Condition
	AbortsIf   []*Condition
	Modifies   []*Condition
	Invariants []*Condition
	Pragmas    Pragmas
}

// HasContract reports whether call sites can use the function modularly.
func (s *FunctionSpec) HasContract() bool {
	return len(s.Requires)+len(s.Ensures)+len(s.AbortsIf)+len(s.Modifies) > 0 || s.Pragmas.Opaque
}

// Conditions returns the conditions of the given kind.
func (s *FunctionSpec) Conditions(k Kind) []*Condition {
	switch k {
	case Precondition:
		return s.Requires
	case Postcondition:
		return s.Ensures
	case AbortsIf:
		return s.AbortsIf
	case Invariant:
		return s.Invariants
	case Modifies:
		return s.Modifies
	}
	return nil
}

// InvariantsAt returns the loop invariants declared for label.
func (s *FunctionSpec) InvariantsAt(label string) []*Condition {
	var out []*Condition
	for _, c := range s.Invariants {
		if c.Label == label {
			out = append(out, c)
		}
	}
	return out
}

// ModifiedStructs returns the resource types named by modifies clauses.
func (s *FunctionSpec) ModifiedStructs() []bytecode.StructRef {
	seen := make(map[bytecode.StructRef]bool)
	var out []bytecode.StructRef
	for _, c := range s.Modifies {
		if !seen[c.Target.Struct] {
			seen[c.Target.Struct] = true
			out = append(out, c.Target.Struct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// =============================================================================
// Env
// =============================================================================

// Env is the read-only spec environment of a run.
type Env struct {
	prog       *bytecode.Program
	funcs      map[bytecode.FunctionRef]*FunctionSpec
	structs    map[bytecode.StructRef][]*Condition
	errs       map[bytecode.FunctionRef][]*SpecTypeError
	structErrs map[bytecode.StructRef][]*SpecTypeError
	unbound    []*SpecTypeError
}

// Bind parses and type-checks every spec block against prog.
func Bind(prog *bytecode.Program, blocks []bytecode.SpecBlock) *Env {
	env := &Env{
		prog:       prog,
		funcs:      make(map[bytecode.FunctionRef]*FunctionSpec),
		structs:    make(map[bytecode.StructRef][]*Condition),
		errs:       make(map[bytecode.FunctionRef][]*SpecTypeError),
		structErrs: make(map[bytecode.StructRef][]*SpecTypeError),
	}
	for _, fn := range prog.Functions() {
		env.funcs[fn.Ref] = &FunctionSpec{Function: fn.Ref, Pragmas: DefaultPragmas()}
	}
	for _, b := range blocks {
		if b.Struct != "" {
			env.bindStruct(b)
			continue
		}
		env.bindFunction(b)
	}
	return env
}

func (env *Env) bindStruct(b bytecode.SpecBlock) {
	ref := bytecode.StructRef{Module: b.Module, Name: b.Struct}
	def := env.prog.Struct(ref)
	if def == nil {
		env.unbound = append(env.unbound, plainError(b.Range, "spec for unknown struct %s", ref))
		return
	}
	e, err := ParseExpr(b.Text, b.Range)
	if err != nil {
		env.structErrs[ref] = append(env.structErrs[ref], asSpecError(err, b.Range))
		return
	}
	c := &checker{prog: env.prog, st: def, kind: Invariant}
	if err := c.expect(e, Bool); err != nil {
		env.structErrs[ref] = append(env.structErrs[ref], err)
		return
	}
	env.structs[ref] = append(env.structs[ref], &Condition{Kind: Invariant, Expr: e, Range: b.Range})
}

func (env *Env) bindFunction(b bytecode.SpecBlock) {
	ref := bytecode.FunctionRef{Module: b.Module, Name: b.Function}
	def := env.prog.Function(ref)
	fs := env.funcs[ref]
	if def == nil || fs == nil {
		env.unbound = append(env.unbound, plainError(b.Range, "spec for unknown function %s", ref))
		return
	}
	fail := func(err *SpecTypeError) {
		env.errs[ref] = append(env.errs[ref], err)
	}

	if b.Keyword == "pragma" {
		if err := parsePragma(b.Text, b.Range, &fs.Pragmas); err != nil {
			fail(err)
		}
		return
	}
	kind, ok := kindOf(b.Keyword)
	if !ok {
		fail(plainError(b.Range, "unknown condition kind %q", b.Keyword))
		return
	}

	cond := &Condition{Kind: kind, Range: b.Range, Label: b.Label}
	var err error
	if kind == AbortsIf {
		cond.Expr, cond.AbortCode, err = parseAbortsIf(b.Text, b.Range)
	} else {
		cond.Expr, err = ParseExpr(b.Text, b.Range)
	}
	if err != nil {
		fail(asSpecError(err, b.Range))
		return
	}

	c := &checker{prog: env.prog, fn: def, kind: kind}
	switch kind {
	case Modifies:
		g, ok := cond.Expr.(*Global)
		if !ok {
			fail(typeError(cond.Expr.Range(), "global<S>(address)", Format(cond.Expr), "modifies target must be a global resource"))
			return
		}
		if _, err := c.check(g); err != nil {
			fail(err)
			return
		}
		cond.Target = g
		fs.Modifies = append(fs.Modifies, cond)
		return
	case Invariant:
		if b.Label == "" {
			fail(plainError(b.Range, "loop invariant needs a label"))
			return
		}
		if _, ok := def.Labels[b.Label]; !ok {
			fail(typeError(b.Range, "label of "+def.Ref.Name, b.Label, "unknown label %s", b.Label))
			return
		}
	}
	if err := c.expect(cond.Expr, Bool); err != nil {
		fail(err)
		return
	}
	switch kind {
	case Precondition:
		fs.Requires = append(fs.Requires, cond)
	case Postcondition:
		fs.Ensures = append(fs.Ensures, cond)
	case AbortsIf:
		fs.AbortsIf = append(fs.AbortsIf, cond)
	case Invariant:
		fs.Invariants = append(fs.Invariants, cond)
	}
}

// Program returns the program the environment was bound against.
func (env *Env) Program() *bytecode.Program { return env.prog }

// Function returns the spec of a function. Functions without spec blocks
// get an empty spec.
func (env *Env) Function(ref bytecode.FunctionRef) *FunctionSpec {
	if fs := env.funcs[ref]; fs != nil {
		return fs
	}
	return &FunctionSpec{Function: ref, Pragmas: DefaultPragmas()}
}

// ModifiedStructs returns the resource types named by ref's modifies
// clauses.
func (env *Env) ModifiedStructs(ref bytecode.FunctionRef) []bytecode.StructRef {
	return env.Function(ref).ModifiedStructs()
}

// Conditions returns the conditions of kind bound to ref.
func (env *Env) Conditions(ref bytecode.FunctionRef, k Kind) []*Condition {
	return env.Function(ref).Conditions(k)
}

// StructInvariants returns the data invariants of a struct.
func (env *Env) StructInvariants(ref bytecode.StructRef) []*Condition {
	return env.structs[ref]
}

// Errors returns the binding errors that block verification of ref: errors
// in its own conditions and in invariants of structs it mentions.
func (env *Env) Errors(ref bytecode.FunctionRef) []*SpecTypeError {
	out := append([]*SpecTypeError(nil), env.errs[ref]...)
	if fn := env.prog.Function(ref); fn != nil {
		for _, s := range mentionedStructs(fn) {
			out = append(out, env.structErrs[s]...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Range.Less(out[j].Range) })
	return out
}

// Unbound returns spec blocks that named no known function or struct.
func (env *Env) Unbound() []*SpecTypeError { return env.unbound }

func mentionedStructs(fn *bytecode.FunctionDef) []bytecode.StructRef {
	seen := make(map[bytecode.StructRef]bool)
	var out []bytecode.StructRef
	add := func(t bytecode.Type) {
		t = t.Deref()
		if t.Kind == bytecode.KindStruct && !seen[t.Struct] {
			seen[t.Struct] = true
			out = append(out, t.Struct)
		}
	}
	for _, l := range fn.Locals {
		add(l.Type)
	}
	for _, r := range fn.Returns {
		add(r)
	}
	for _, in := range fn.Code {
		switch in.Op.Operand() {
		case bytecode.OperandStruct, bytecode.OperandField:
			add(bytecode.StructType(in.Struct))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
