package instrument

import (
	"sort"

	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/spec"
	"github.com/mpyw/resprove/internal/stackless"
)

// loops finishes the block statements. In invariant mode every loop header
// starts by havocking the state the loop may change and assuming its
// invariants; entering edges assert the invariants, back-edges assert them
// and end the path.
func (c *Context) loops(bodies [][]Stmt) {
	if c.Opts.Loops == LoopUnroll {
		copy(c.prog.Blocks, bodies)
		c.prog.Bounded = len(c.Fn.Loops) > 0
		return
	}

	heads := make(map[stackless.BlockID][]Stmt)
	for _, l := range c.Fn.Loops {
		header := c.Fn.Blocks[l.Header]
		invs := c.invariants(header)
		sc := c.current()

		c.block = l.Header
		c.out = nil
		for _, v := range c.modifiedIn(l, bodies) {
			c.havoc(v, "loop")
		}
		for _, inv := range invs {
			c.assume(c.enc.encode(inv.Expr, sc), "loop invariant")
		}
		heads[l.Header] = c.out

		for _, b := range c.Fn.Blocks {
			for i, e := range b.Succs {
				if e.To != l.Header {
					continue
				}
				ref := EdgeRef{From: b.ID, Succ: i}
				c.block = b.ID
				c.out = c.prog.Edges[ref]
				for _, inv := range invs {
					if e.Back {
						c.assert(KindInvariantKept, inv.Range, c.enc.encode(inv.Expr, sc), "loop invariant may not be preserved: %s", spec.Format(inv.Expr))
					} else {
						c.assert(KindInvariantEntry, inv.Range, c.enc.encode(inv.Expr, sc), "loop invariant may not hold on entry: %s", spec.Format(inv.Expr))
					}
				}
				if len(c.out) > 0 {
					c.prog.Edges[ref] = c.out
				}
				if e.Back {
					c.prog.Cut[ref] = true
				}
			}
		}
		if l.Header == c.Fn.Entry {
			c.block = l.Header
			c.out = c.prog.Prologue
			for _, inv := range invs {
				c.assert(KindInvariantEntry, inv.Range, c.enc.encode(inv.Expr, sc), "loop invariant may not hold on entry: %s", spec.Format(inv.Expr))
			}
			c.prog.Prologue = c.out
		}
	}
	c.out = nil

	for id := range bodies {
		c.prog.Blocks[id] = append(heads[stackless.BlockID(id)], bodies[id]...)
	}
}

// invariants returns the invariants declared at the label of a loop header.
// Loops of inlined callees have none.
func (c *Context) invariants(header *stackless.Block) []*spec.Condition {
	if len(header.Chain) > 0 || header.Label == "" {
		return nil
	}
	return c.Spec.InvariantsAt(header.Label)
}

// modifiedIn returns the state variables one iteration of l may change:
// everything assigned or havocked inside the loop plus the effects the
// analyzer reports.
func (c *Context) modifiedIn(l *stackless.Loop, bodies [][]Stmt) []*logic.Var {
	set := make(map[*logic.Var]bool)
	collect := func(stmts []Stmt) {
		for _, s := range stmts {
			if (s.Kind == Assign || s.Kind == Havoc) && !c.st.isSnapshot(s.Var) {
				set[s.Var] = true
			}
		}
	}
	for _, id := range l.Body {
		collect(bodies[id])
		for i, e := range c.Fn.Blocks[id].Succs {
			if l.Contains(e.To) {
				collect(c.prog.Edges[EdgeRef{From: id, Succ: i}])
			}
		}
	}

	if eff := c.Result.Loop(l.Header); eff != nil {
		for _, t := range eff.Temps {
			set[c.temp(t)] = true
		}
		for _, t := range eff.Refs {
			set[c.temp(t)] = true
		}
		for _, p := range eff.Params {
			set[c.referent(p)] = true
		}
		for _, s := range eff.Structs {
			set[c.st.mem(s)] = true
			set[c.st.exists(s)] = true
		}
	}

	index := make(map[*logic.Var]int, len(c.st.list))
	for i, v := range c.st.list {
		index[v] = i
	}
	out := make([]*logic.Var, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return index[out[i]] < index[out[j]] })
	return out
}
