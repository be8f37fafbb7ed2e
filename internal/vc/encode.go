package vc

import (
	"fmt"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/diag"
	"github.com/mpyw/resprove/internal/instrument"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// node is a block at an unroll level. Level is the number of back-edges
// taken to reach it and is always 0 in invariant mode.
type node struct {
	block stackless.BlockID
	level int
}

// env maps every state variable, by its index in Program.Vars, to its
// current version. nil stands for the initial version.
type env []logic.Term

func (e env) clone() env { return append(env(nil), e...) }

// arrival is one path reaching a node.
type arrival struct {
	cond  logic.Term
	state env
}

// occurrence is one instance of an assertion in the passive program.
// Unrolling may instantiate an assertion several times.
type occurrence struct {
	assertion *instrument.Assertion
	fail      *logic.Var
}

// encoder folds an annotated program into passive form in one forward pass
// over the unrolled block graph.
type encoder struct {
	p      *instrument.Program
	script *logic.Script
	index  map[*logic.Var]int
	ver    []int
	zero   []*logic.Var
	pcs    int
	fails  []occurrence
	seen   map[int]int // occurrences per assertion id

	truncated bool // a back-edge beyond the unroll depth was dropped
}

func newEncoder(p *instrument.Program, script *logic.Script) *encoder {
	e := &encoder{
		p:      p,
		script: script,
		index:  make(map[*logic.Var]int, len(p.Vars)),
		ver:    make([]int, len(p.Vars)),
		zero:   make([]*logic.Var, len(p.Vars)),
		seen:   make(map[int]int),
	}
	for i, v := range p.Vars {
		e.index[v] = i
	}
	return e
}

func (e *encoder) internal(format string, args ...any) error {
	return diag.Internalf(e.p.Fn.Def.Ref, diag.StageAssemble, bytecode.Range{}, format, args...)
}

// initial returns the entry version of v.
func (e *encoder) initial(i int) *logic.Var {
	if e.zero[i] == nil {
		v := e.p.Vars[i]
		e.zero[i] = &logic.Var{Name: v.Name + "@0", S: v.S}
		e.script.DeclareConst(e.zero[i])
	}
	return e.zero[i]
}

func (e *encoder) lookup(st env, i int) logic.Term {
	if st[i] == nil {
		st[i] = e.initial(i)
	}
	return st[i]
}

func (e *encoder) version(i int) string {
	e.ver[i]++
	return fmt.Sprintf("%s@%d", e.p.Vars[i].Name, e.ver[i])
}

// subst replaces state variables by their current versions.
func (e *encoder) subst(t logic.Term, st env) logic.Term {
	return logic.Substitute(t, func(v *logic.Var) logic.Term {
		i, ok := e.index[v]
		if !ok {
			return nil
		}
		return e.lookup(st, i)
	})
}

// pc names a path condition so later uses stay small.
func (e *encoder) pc(t logic.Term) logic.Term {
	switch t.(type) {
	case *logic.Var, *logic.Lit:
		return t
	}
	e.pcs++
	return e.script.Define(fmt.Sprintf("pc!%d", e.pcs), t)
}

// =============================================================================
// Statements
// =============================================================================

// stmts encodes a statement list under pc, updating st in place, and
// returns the path condition after the list.
func (e *encoder) stmts(list []instrument.Stmt, pc logic.Term, st env) (logic.Term, error) {
	for _, s := range list {
		switch s.Kind {
		case instrument.Assume:
			pc = e.pc(logic.And(pc, e.subst(s.Expr, st)))

		case instrument.Assert:
			prop := e.subst(s.Expr, st)
			a := s.Assertion
			name := fmt.Sprintf("fail!%d", a.ID)
			if n := e.seen[a.ID]; n > 0 {
				name = fmt.Sprintf("fail!%d!%d", a.ID, n)
			}
			e.seen[a.ID]++
			fail := e.script.Define(name, logic.And(pc, logic.Not(prop)))
			e.fails = append(e.fails, occurrence{assertion: a, fail: fail})
			pc = e.pc(logic.And(pc, prop))

		case instrument.Assign:
			i, ok := e.index[s.Var]
			if !ok {
				return nil, e.internal("assignment to undeclared variable %s", s.Var.Name)
			}
			val := e.subst(s.Expr, st)
			if !val.Sort().Equal(s.Var.S) {
				return nil, e.internal("%s of sort %s assigned a %s", s.Var.Name, s.Var.S, val.Sort())
			}
			st[i] = e.script.Define(e.version(i), val)

		case instrument.Havoc:
			i, ok := e.index[s.Var]
			if !ok {
				return nil, e.internal("havoc of undeclared variable %s", s.Var.Name)
			}
			v := &logic.Var{Name: e.version(i), S: s.Var.S}
			e.script.DeclareConst(v)
			st[i] = v
		}
	}
	return pc, nil
}

// =============================================================================
// Control Flow
// =============================================================================

// run encodes every node reachable from the entry. depth is the unroll
// depth; it is 0 in invariant mode where back-edges are cut.
func (e *encoder) run(order []stackless.BlockID, depth int) error {
	fn := e.p.Fn
	arrivals := make(map[node][]arrival)

	st := make(env, len(e.p.Vars))
	for _, in := range e.p.Inputs {
		e.lookup(st, e.index[in.Var])
	}
	pc, err := e.stmts(e.p.Prologue, logic.True, st)
	if err != nil {
		return err
	}
	arrivals[node{block: fn.Entry}] = []arrival{{cond: pc, state: st}}

	for level := 0; level <= depth; level++ {
		for _, id := range order {
			n := node{block: id, level: level}
			in := arrivals[n]
			b := fn.Blocks[id]
			if len(in) == 0 || b.IsExit() {
				continue
			}
			pc, st, err := e.join(n, in)
			if err != nil {
				return err
			}
			if pc, err = e.stmts(e.p.Blocks[id], pc, st); err != nil {
				return err
			}
			for i, edge := range b.Succs {
				cond, err := e.branch(b, edge, pc, st)
				if err != nil {
					return err
				}
				est := st.clone()
				if cond, err = e.stmts(e.p.Edge(id, i), cond, est); err != nil {
					return err
				}
				if e.p.IsCut(id, i) {
					continue
				}
				next := node{block: edge.To, level: level}
				if edge.Back {
					next.level++
					if next.level > depth {
						e.truncated = true
						continue
					}
				}
				arrivals[next] = append(arrivals[next], arrival{cond: e.pc(cond), state: est})
			}
		}
	}
	return nil
}

// join merges the arrivals of a node. Variables whose versions disagree get
// a fresh version equal to the version of whichever path was taken.
func (e *encoder) join(n node, in []arrival) (logic.Term, env, error) {
	if len(in) == 1 {
		return in[0].cond, in[0].state.clone(), nil
	}
	conds := make([]logic.Term, len(in))
	for i, a := range in {
		conds[i] = a.cond
	}
	reach := e.script.Define(fmt.Sprintf("reach!B%d!%d", n.block, n.level), logic.Or(conds...))

	st := make(env, len(e.p.Vars))
	for i := range e.p.Vars {
		used := false
		for _, a := range in {
			used = used || a.state[i] != nil
		}
		if !used {
			continue
		}
		var first logic.Term
		same := true
		for _, a := range in {
			t := e.lookup(a.state, i)
			if first == nil {
				first = t
			} else if t != first {
				same = false
			}
		}
		if same {
			st[i] = first
			continue
		}
		v := &logic.Var{Name: e.version(i), S: e.p.Vars[i].S}
		e.script.DeclareConst(v)
		for _, a := range in {
			e.script.Assert(logic.Implies(a.cond, logic.Eq(v, a.state[i])))
		}
		st[i] = v
	}
	return reach, st, nil
}

// branch returns the condition of taking edge out of b under pc.
func (e *encoder) branch(b *stackless.Block, edge stackless.Edge, pc logic.Term, st env) (logic.Term, error) {
	switch edge.Kind {
	case stackless.EdgeBranchTrue, stackless.EdgeBranchFalse:
		if b.Term.Kind != stackless.TermBranch {
			return nil, e.internal("B%d has a %s edge but no branch", b.ID, edge.Kind)
		}
		c := e.subst(e.p.Temp(b.Term.Cond), st)
		if edge.Kind == stackless.EdgeBranchFalse {
			c = logic.Not(c)
		}
		return logic.And(pc, c), nil
	}
	return pc, nil
}
