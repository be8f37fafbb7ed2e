package instrument

import (
	"strconv"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/dataflow"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// =============================================================================
// ReferenceHandler
// =============================================================================

// ReferenceHandler encodes borrows, reads and writes. A reference temp holds
// the value of its referent; writing through it updates the provenance root
// and invalidates every live alias the analyzer reports.
type ReferenceHandler struct{}

// Handle encodes one reference instruction.
func (h *ReferenceHandler) Handle(c *Context, in *stackless.Instr) error {
	switch in.Op {
	case stackless.OpBorrowLoc, stackless.OpFreezeRef, stackless.OpReadRef:
		c.assign(c.temp(in.Dst()), c.temp(in.Srcs[0]), "")
	case stackless.OpBorrowField:
		st := c.Fn.Type(in.Srcs[0]).Deref()
		d := c.st.datatype(st.Struct)
		if d == nil {
			return c.internal(in.Range, "field borrow on %s", st)
		}
		c.assign(c.temp(in.Dst()), logic.Get(d, in.Field, c.temp(in.Srcs[0])), "")
	case stackless.OpWriteRef:
		ref := c.temp(in.Srcs[0])
		c.assign(ref, c.temp(in.Srcs[1]), "")
		for _, w := range c.Result.WritesAt(c.point) {
			if err := c.writeBack(w, in); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeBack propagates the value of w.Ref to the location it was borrowed
// from. A reference with several possible provenances havocs all of them.
func (c *Context) writeBack(w *dataflow.WriteEffect, in *stackless.Instr) error {
	g := c.Result.Borrows
	for _, id := range w.Nodes {
		if g.Nodes[id].Root.Kind == dataflow.RootUnknown {
			return c.unsupported(in, "write through a reference of unknown origin (%s)", g.Describe(id))
		}
	}

	switch len(w.Nodes) {
	case 0:
		return c.internal(w.Range, "write through %s has no provenance", c.Fn.TempName(w.Ref))
	case 1:
		c.updateRoot(g.Nodes[w.Nodes[0]], c.temp(w.Ref), w.Range)
	default:
		for _, id := range w.Nodes {
			c.havocRoot(g.Nodes[id], w.Range)
		}
	}
	c.invalidate(w)
	return nil
}

// updateRoot stores v at the path of n inside its root.
func (c *Context) updateRoot(n *dataflow.Node, v logic.Term, rng bytecode.Range) {
	updated := c.updatePath(c.rootType(n), c.rootValue(n), n.Path, v)
	switch n.Root.Kind {
	case dataflow.RootLocal:
		c.assign(c.temp(n.Root.Local), updated, "write-back")
	case dataflow.RootParam:
		c.assign(c.referent(n.Root.Local), updated, "write-back")
	case dataflow.RootGlobal:
		addr := c.nodeAddress(n)
		c.modifiesCheck(n.Root.Struct, addr, rng)
		c.storeArray(c.st.mem(n.Root.Struct), addr, updated)
	}
	c.checkPathInvariants(n, rng)
}

// updatePath rebuilds x of type t with the value at path replaced by v.
func (c *Context) updatePath(t bytecode.Type, x logic.Term, path []int, v logic.Term) logic.Term {
	if len(path) == 0 {
		return v
	}
	d := c.st.datatype(t.Struct)
	ft := c.fieldType(t, path[0])
	return logic.Set(d, x, path[0], c.updatePath(ft, logic.Get(d, path[0], x), path[1:], v))
}

// havocRoot forgets the whole root of n.
func (c *Context) havocRoot(n *dataflow.Node, rng bytecode.Range) {
	switch n.Root.Kind {
	case dataflow.RootLocal:
		c.havoc(c.temp(n.Root.Local), "ambiguous write")
	case dataflow.RootParam:
		c.havoc(c.referent(n.Root.Local), "ambiguous write")
	case dataflow.RootGlobal:
		c.modifiesCheck(n.Root.Struct, c.nodeAddress(n), rng)
		c.havoc(c.st.mem(n.Root.Struct), "ambiguous write")
	}
}

// invalidate havocs the aliases of a write. An alias with a single known
// provenance is then tied back to the current value of its location.
func (c *Context) invalidate(w *dataflow.WriteEffect) {
	g := c.Result.Borrows
	for _, a := range w.Aliases {
		v := c.temp(a.Temp)
		c.havoc(v, "alias of "+c.Fn.TempName(w.Ref))
		if len(a.Nodes) != 1 {
			continue
		}
		n := g.Nodes[a.Nodes[0]]
		if n.Root.Kind == dataflow.RootUnknown {
			continue
		}
		c.assume(logic.Eq(v, c.locationValue(n)), "relink")
	}
}

// checkPathInvariants asserts the data invariants of every struct on the
// path from the root of n down to the written location.
func (c *Context) checkPathInvariants(n *dataflow.Node, rng bytecode.Range) {
	t := c.rootType(n)
	x := c.rootValue(n)
	for i := 0; ; i++ {
		if t.Kind == bytecode.KindStruct {
			if inv := c.enc.structInvariant(c.Env, t.Struct, x); !logic.IsTrue(inv) {
				c.assert(KindStructInvariant, rng, inv, "data invariant of %s may not hold after this write", t.Struct.Name)
			}
		}
		if i == len(n.Path) {
			return
		}
		x = logic.Get(c.st.datatype(t.Struct), n.Path[i], x)
		t = c.fieldType(t, n.Path[i])
	}
}

// =============================================================================
// Locations
// =============================================================================

func (c *Context) rootType(n *dataflow.Node) bytecode.Type {
	if n.Root.Kind == dataflow.RootGlobal {
		return bytecode.StructType(n.Root.Struct)
	}
	return c.Fn.Type(n.Root.Local).Deref()
}

// rootValue is the current value of the root of n.
func (c *Context) rootValue(n *dataflow.Node) logic.Term {
	switch n.Root.Kind {
	case dataflow.RootLocal:
		return c.temp(n.Root.Local)
	case dataflow.RootParam:
		return c.referent(n.Root.Local)
	}
	return logic.Select(c.st.mem(n.Root.Struct), c.nodeAddress(n))
}

// locationValue is the current value at the path of n.
func (c *Context) locationValue(n *dataflow.Node) logic.Term {
	t := c.rootType(n)
	x := c.rootValue(n)
	for _, f := range n.Path {
		x = logic.Get(c.st.datatype(t.Struct), f, x)
		t = c.fieldType(t, f)
	}
	return x
}

func (c *Context) fieldType(t bytecode.Type, i int) bytecode.Type {
	return c.Env.Program().Struct(t.Struct).Fields[i].Type
}

// nodeAddress is the address a global borrow was taken at. It is recorded
// when the root borrow executes so later changes of the operand do not
// affect the write-back.
func (c *Context) nodeAddress(n *dataflow.Node) logic.Term {
	g := c.Result.Borrows
	for n.Parent >= 0 {
		n = g.Nodes[n.Parent]
	}
	return c.addressOf(n.Def)
}

func (c *Context) addressOf(def dataflow.DefID) *logic.Var {
	return c.st.variable("addr#"+strconv.Itoa(int(def)), logic.IntSort)
}
