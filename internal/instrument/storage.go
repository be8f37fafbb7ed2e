package instrument

import (
	"strconv"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// =============================================================================
// StorageHandler
// =============================================================================

// StorageHandler encodes global storage. Every resource type has a memory
// mem[S] and an existence map exists[S], both arrays indexed by address.
// Updates never use store terms: the array is havocked and pinned down by
// the written entry and a frame over every other address.
type StorageHandler struct{}

// Handle encodes one storage instruction.
func (h *StorageHandler) Handle(c *Context, in *stackless.Instr) error {
	s := in.Struct
	if c.st.datatype(s) == nil {
		return c.internal(in.Range, "unknown resource %s", s)
	}
	mem, ex := c.st.mem(s), c.st.exists(s)

	switch in.Op {
	case stackless.OpExists:
		c.assign(c.temp(in.Dst()), logic.Select(ex, c.temp(in.Srcs[0])), "")

	case stackless.OpBorrowGlobal:
		a := c.temp(in.Srcs[0])
		c.abortPoint(logic.Not(logic.Select(ex, a)), in.Range, "missing resource "+s.Name)
		defs := c.Result.Reach.DefsOf(in)
		if len(defs) == 0 {
			return c.internal(in.Range, "borrow_global without a definition")
		}
		c.assign(c.addressOf(defs[0]), a, "borrowed address")
		h.load(c, in, mem, a)

	case stackless.OpMoveFrom:
		a := c.temp(in.Srcs[0])
		c.abortPoint(logic.Not(logic.Select(ex, a)), in.Range, "missing resource "+s.Name)
		h.load(c, in, mem, a)
		c.modifiesCheck(s, a, in.Range)
		c.storeArray(ex, a, logic.False)

	case stackless.OpMoveTo:
		a := c.temp(in.Srcs[0])
		c.abortPoint(logic.Select(ex, a), in.Range, "resource "+s.Name+" already exists")
		c.modifiesCheck(s, a, in.Range)
		c.storeArray(mem, a, c.temp(in.Srcs[1]))
		c.storeArray(ex, a, logic.True)
	}
	return nil
}

// load reads the resource at a into the destination, which is well formed
// and satisfies its data invariants.
func (h *StorageHandler) load(c *Context, in *stackless.Instr, mem *logic.Var, a logic.Term) {
	dst := c.temp(in.Dst())
	c.assign(dst, logic.Select(mem, a), "")
	c.assume(c.st.wellFormed(dst, bytecode.StructType(in.Struct)), "range")
	c.assume(c.enc.structInvariant(c.Env, in.Struct, dst), "data invariant of "+in.Struct.Name)
}

// storeArray sets arr[idx] to v and keeps every other entry.
func (c *Context) storeArray(arr *logic.Var, idx, v logic.Term) {
	prev := c.st.prev(arr)
	c.assign(prev, arr, "")
	c.havoc(arr, "store")
	c.assume(logic.Eq(logic.Select(arr, idx), v), "stored")
	c.assume(c.frame(arr, prev, []logic.Term{idx}), "frame")
}

// frame states that arr agrees with prev outside the given addresses.
func (c *Context) frame(arr, prev *logic.Var, except []logic.Term) logic.Term {
	c.enc.fresh++
	a := &logic.Var{Name: "?a!" + strconv.Itoa(c.enc.fresh), S: logic.IntSort}
	var outside []logic.Term
	for _, x := range except {
		outside = append(outside, logic.Distinct(a, x))
	}
	return logic.Forall([]*logic.Var{a}, logic.Implies(logic.And(outside...), logic.Eq(logic.Select(arr, a), logic.Select(prev, a))))
}

// modifiesCheck asserts that writing the resource S at addr is covered by a
// declared modifies target. Functions without modifies clauses are not
// checked.
func (c *Context) modifiesCheck(s bytecode.StructRef, addr logic.Term, rng bytecode.Range) {
	if len(c.Spec.Modifies) == 0 {
		return
	}
	var allowed []logic.Term
	for _, m := range c.Spec.Modifies {
		if m.Target.Struct == s {
			allowed = append(allowed, logic.Eq(addr, c.enc.encode(m.Target.Addr, c.entry)))
		}
	}
	c.assert(KindModifies, rng, logic.Or(allowed...), "write to %s is not covered by a modifies clause", s.Name)
}
