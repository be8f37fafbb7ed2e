package instrument

import (
	"fmt"
	"io"
	"strings"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// StmtKind is the kind of an annotation statement.
type StmtKind int

const (
	Assume StmtKind = iota
	Assert
	Assign
	Havoc
)

func (k StmtKind) String() string {
	switch k {
	case Assume:
		return "assume"
	case Assert:
		return "assert"
	case Assign:
		return "assign"
	case Havoc:
		return "havoc"
	}
	return "stmt?"
}

// AssertKind classifies a proof obligation.
type AssertKind string

const (
	KindAbortsIf        AssertKind = "aborts-if"        // an abort is covered by the declared conditions
	KindUndeclaredAbort AssertKind = "undeclared-abort" // an abort with no aborts_if declared
	KindAbortCode       AssertKind = "abort-code"
	KindAbortsIfStrict  AssertKind = "aborts-if-strict" // no declared abort condition holds on return
	KindEnsures         AssertKind = "ensures"
	KindPrecondition    AssertKind = "precondition" // callee requires at a call site
	KindInvariantEntry  AssertKind = "invariant-entry"
	KindInvariantKept   AssertKind = "invariant-preserved"
	KindStructInvariant AssertKind = "struct-invariant"
	KindModifies        AssertKind = "modifies"
)

// Assertion is a proof obligation with its source location.
type Assertion struct {
	ID      int
	Kind    AssertKind
	Range   bytecode.Range
	Message string
	Block   stackless.BlockID
}

// Stmt is one annotation statement.
type Stmt struct {
	Kind      StmtKind
	Var       *logic.Var // Assign, Havoc
	Expr      logic.Term // Assume, Assert, Assign
	Assertion *Assertion // Assert
	Note      string     // origin, shown in dumps
}

// EdgeRef names the Succ-th outgoing edge of a block.
type EdgeRef struct {
	From stackless.BlockID
	Succ int
}

// Input is an entry value reported in counterexamples.
type Input struct {
	Name string
	Var  *logic.Var
}

// AbortPoint records one place where execution may abort and the assertion
// guarding it.
type AbortPoint struct {
	Block     stackless.BlockID
	Range     bytecode.Range
	Reason    string
	Guard     logic.Term
	Assertion *Assertion // nil when the guard folded to false
}

// Program is the annotated program: a side table over an immutable
// stackless function.
type Program struct {
	Fn       *stackless.Function
	Prologue []Stmt // runs before the entry block
	Blocks   [][]Stmt
	Edges    map[EdgeRef][]Stmt
	// Cut marks edges that end a path after their statements. In invariant
	// mode every back-edge is cut.
	Cut map[EdgeRef]bool

	Assertions  []*Assertion
	AbortPoints []*AbortPoint
	Vars        []*logic.Var // every state variable in declaration order
	Inputs      []Input
	Datatypes   []*logic.Datatype
	Mode        LoopMode
	Bounded     bool // loops are unrolled; results hold up to the unroll depth

	temps []*logic.Var
}

// Temp returns the state variable holding temp t. Reference temps hold the
// value of their referent.
func (p *Program) Temp(t stackless.Temp) *logic.Var { return p.temps[t] }

// Edge returns the statements on an edge.
func (p *Program) Edge(from stackless.BlockID, succ int) []Stmt {
	return p.Edges[EdgeRef{From: from, Succ: succ}]
}

// IsCut reports whether an edge ends its path.
func (p *Program) IsCut(from stackless.BlockID, succ int) bool {
	return p.Cut[EdgeRef{From: from, Succ: succ}]
}

// Assertion returns the assertion with the given id.
func (p *Program) Assertion(id int) *Assertion {
	if id < 0 || id >= len(p.Assertions) {
		return nil
	}
	return p.Assertions[id]
}

// =============================================================================
// Printing
// =============================================================================

// Print writes a readable dump of the annotated program.
func Print(w io.Writer, p *Program) {
	fmt.Fprintf(w, "instrumented %s mode=%s bounded=%v\n", p.Fn.Def.Ref, p.Mode, p.Bounded)
	printStmts(w, "prologue", p.Prologue)
	for _, b := range p.Fn.Blocks {
		printStmts(w, fmt.Sprintf("B%d", b.ID), p.Blocks[b.ID])
		for i, e := range b.Succs {
			stmts := p.Edge(b.ID, i)
			cut := p.IsCut(b.ID, i)
			if len(stmts) == 0 && !cut {
				continue
			}
			head := fmt.Sprintf("B%d -> B%d (%s)", e.From, e.To, e.Kind)
			if cut {
				head += " cut"
			}
			printStmts(w, head, stmts)
		}
	}
}

// String returns the dump of p.
func String(p *Program) string {
	var b strings.Builder
	Print(&b, p)
	return b.String()
}

func printStmts(w io.Writer, head string, stmts []Stmt) {
	fmt.Fprintf(w, "%s:\n", head)
	for _, s := range stmts {
		fmt.Fprintf(w, "  %s\n", FormatStmt(s))
	}
}

// FormatStmt renders one statement.
func FormatStmt(s Stmt) string {
	var out string
	switch s.Kind {
	case Assume:
		out = "assume " + logic.String(s.Expr)
	case Assert:
		out = fmt.Sprintf("assert#%d[%s] %s", s.Assertion.ID, s.Assertion.Kind, logic.String(s.Expr))
	case Assign:
		out = logic.Symbol(s.Var.Name) + " := " + logic.String(s.Expr)
	case Havoc:
		out = "havoc " + logic.Symbol(s.Var.Name)
	}
	if s.Note != "" {
		out += "  ; " + s.Note
	}
	return out
}
