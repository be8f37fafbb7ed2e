package instrument

import (
	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// Handler encodes one class of stackless instructions.
type Handler interface {
	Handle(c *Context, in *stackless.Instr) error
}

// Dispatch routes in to its handler. Merges are encoded on edges and drops
// have no logical effect.
func Dispatch(c *Context, in *stackless.Instr) error {
	switch in.Op {
	case stackless.OpConst, stackless.OpAssign:
		return (&ValueHandler{}).Handle(c, in)
	case stackless.OpAdd, stackless.OpSub, stackless.OpMul, stackless.OpDiv, stackless.OpMod,
		stackless.OpShl, stackless.OpShr, stackless.OpBitOr, stackless.OpBitAnd, stackless.OpXor,
		stackless.OpCastU8, stackless.OpCastU64, stackless.OpCastU128,
		stackless.OpOr, stackless.OpAnd, stackless.OpNot,
		stackless.OpEq, stackless.OpNeq, stackless.OpLt, stackless.OpGt, stackless.OpLe, stackless.OpGe:
		return (&ArithmeticHandler{}).Handle(c, in)
	case stackless.OpBorrowLoc, stackless.OpBorrowField, stackless.OpFreezeRef,
		stackless.OpReadRef, stackless.OpWriteRef:
		return (&ReferenceHandler{}).Handle(c, in)
	case stackless.OpPack, stackless.OpUnpack:
		return (&StructHandler{}).Handle(c, in)
	case stackless.OpExists, stackless.OpBorrowGlobal, stackless.OpMoveFrom, stackless.OpMoveTo:
		return (&StorageHandler{}).Handle(c, in)
	case stackless.OpCall:
		return (&CallHandler{}).Handle(c, in)
	case stackless.OpMerge, stackless.OpDrop:
		return nil
	}
	return c.internal(in.Range, "no encoding for %s", in.Op)
}

// =============================================================================
// ValueHandler
// =============================================================================

// ValueHandler encodes constants and copies.
type ValueHandler struct{}

// Handle binds the destination to the constant or the copied value.
func (h *ValueHandler) Handle(c *Context, in *stackless.Instr) error {
	dst := c.temp(in.Dst())
	if in.Op == stackless.OpAssign {
		c.assign(dst, c.temp(in.Srcs[0]), "")
		return nil
	}
	if c.Fn.Type(in.Dst()).Kind == bytecode.KindBool {
		c.assign(dst, logic.Bool(!in.Value.IsZero()), "")
		return nil
	}
	c.assign(dst, logic.Int(in.Value), "")
	return nil
}

// =============================================================================
// ArithmeticHandler
// =============================================================================

// ArithmeticHandler encodes integer, boolean and comparison operations.
// Operations that can abort become abort points; operands known to be
// constant are folded and their abort decided statically.
type ArithmeticHandler struct{}

// Handle encodes one operation.
func (h *ArithmeticHandler) Handle(c *Context, in *stackless.Instr) error {
	dst := c.temp(in.Dst())
	switch in.Op {
	case stackless.OpNot:
		c.assign(dst, logic.Not(c.temp(in.Srcs[0])), "")
		return nil
	case stackless.OpCastU8, stackless.OpCastU64, stackless.OpCastU128:
		h.cast(c, in)
		return nil
	}

	a, b := c.operand(in.Srcs[0]), c.operand(in.Srcs[1])
	switch in.Op {
	case stackless.OpOr:
		c.assign(dst, logic.Or(a, b), "")
	case stackless.OpAnd:
		c.assign(dst, logic.And(a, b), "")
	case stackless.OpEq:
		c.assign(dst, logic.Eq(a, b), "")
	case stackless.OpNeq:
		c.assign(dst, logic.Distinct(a, b), "")
	case stackless.OpLt:
		c.assign(dst, logic.Lt(a, b), "")
	case stackless.OpGt:
		c.assign(dst, logic.Gt(a, b), "")
	case stackless.OpLe:
		c.assign(dst, logic.Le(a, b), "")
	case stackless.OpGe:
		c.assign(dst, logic.Ge(a, b), "")
	default:
		h.checked(c, in, a, b)
	}
	return nil
}

var abortReasons = map[stackless.Op]string{
	stackless.OpAdd: "addition overflow",
	stackless.OpSub: "subtraction underflow",
	stackless.OpMul: "multiplication overflow",
	stackless.OpDiv: "division by zero",
	stackless.OpMod: "modulo by zero",
	stackless.OpShl: "shift amount out of range",
	stackless.OpShr: "shift amount out of range",
}

// checked encodes an integer operation of the destination's width.
func (h *ArithmeticHandler) checked(c *Context, in *stackless.Instr, a, b logic.Term) {
	dst := c.temp(in.Dst())
	width := c.Fn.Type(in.Dst()).BitWidth()
	max := bytecode.MaxForWidth(width)

	if x, y := c.constOf(in.Srcs[0]), c.constOf(in.Srcs[1]); x != nil && y != nil {
		v, aborts := fold(in.Op, x, y, width)
		if aborts {
			c.abortPoint(logic.True, in.Range, abortReasons[in.Op])
			return
		}
		c.assign(dst, logic.Int(v), "folded")
		return
	}

	var guard, value logic.Term
	switch in.Op {
	case stackless.OpAdd:
		value = logic.Add(a, b)
		guard = logic.Gt(value, logic.Int(max))
	case stackless.OpSub:
		value = logic.Sub(a, b)
		guard = logic.Lt(a, b)
	case stackless.OpMul:
		value = logic.Mul(a, b)
		guard = logic.Gt(value, logic.Int(max))
	case stackless.OpDiv:
		value = logic.Div(a, b)
		guard = logic.Eq(b, logic.IntU64(0))
	case stackless.OpMod:
		value = logic.Mod(a, b)
		guard = logic.Eq(b, logic.IntU64(0))
	case stackless.OpShl, stackless.OpShr:
		guard = logic.Ge(b, logic.IntU64(uint64(width)))
		value = h.shift(c, in, a, b, width)
	case stackless.OpBitOr:
		value = logic.Bitwise("bvor", width, a, b)
	case stackless.OpBitAnd:
		value = logic.Bitwise("bvand", width, a, b)
	case stackless.OpXor:
		value = logic.Bitwise("bvxor", width, a, b)
	}
	if guard != nil {
		c.abortPoint(guard, in.Range, abortReasons[in.Op])
	}
	c.assign(dst, value, "")
}

// shift encodes shifts by a constant amount arithmetically and falls back
// to bit-vectors otherwise.
func (h *ArithmeticHandler) shift(c *Context, in *stackless.Instr, a, b logic.Term, width uint) logic.Term {
	k := c.constOf(in.Srcs[1])
	if k == nil || !k.LtUint64(uint64(width)) {
		if in.Op == stackless.OpShl {
			return logic.Bitwise("bvshl", width, a, b)
		}
		return logic.Bitwise("bvlshr", width, a, b)
	}
	pow := new(uint256.Int).Lsh(uint256.NewInt(1), uint(k.Uint64()))
	if in.Op == stackless.OpShl {
		modulus := new(uint256.Int).AddUint64(bytecode.MaxForWidth(width), 1)
		return logic.Mod(logic.Mul(a, logic.Int(pow)), logic.Int(modulus))
	}
	return logic.Div(a, logic.Int(pow))
}

func (h *ArithmeticHandler) cast(c *Context, in *stackless.Instr) {
	dst := c.temp(in.Dst())
	max := c.Fn.Type(in.Dst()).MaxValue()
	if x := c.constOf(in.Srcs[0]); x != nil {
		if x.Gt(max) {
			c.abortPoint(logic.True, in.Range, "cast overflow")
			return
		}
		c.assign(dst, logic.Int(x), "folded")
		return
	}
	src := c.temp(in.Srcs[0])
	c.abortPoint(logic.Gt(src, logic.Int(max)), in.Range, "cast overflow")
	c.assign(dst, src, "")
}

// fold evaluates an integer operation on constants. The second result
// reports that the operation aborts.
func fold(op stackless.Op, a, b *uint256.Int, width uint) (*uint256.Int, bool) {
	max := bytecode.MaxForWidth(width)
	z := new(uint256.Int)
	switch op {
	case stackless.OpAdd:
		_, overflow := z.AddOverflow(a, b)
		return z, overflow || z.Gt(max)
	case stackless.OpSub:
		if a.Lt(b) {
			return nil, true
		}
		return z.Sub(a, b), false
	case stackless.OpMul:
		_, overflow := z.MulOverflow(a, b)
		return z, overflow || z.Gt(max)
	case stackless.OpDiv:
		if b.IsZero() {
			return nil, true
		}
		return z.Div(a, b), false
	case stackless.OpMod:
		if b.IsZero() {
			return nil, true
		}
		return z.Mod(a, b), false
	case stackless.OpShl:
		if !b.LtUint64(uint64(width)) {
			return nil, true
		}
		z.Lsh(a, uint(b.Uint64()))
		return z.And(z, max), false
	case stackless.OpShr:
		if !b.LtUint64(uint64(width)) {
			return nil, true
		}
		return z.Rsh(a, uint(b.Uint64())), false
	case stackless.OpBitOr:
		return z.Or(a, b), false
	case stackless.OpBitAnd:
		return z.And(a, b), false
	case stackless.OpXor:
		return z.Xor(a, b), false
	}
	return nil, false
}

// constOf returns the value of t at the current point when a single
// definition reaches it and that definition is a constant.
func (c *Context) constOf(t stackless.Temp) *uint256.Int {
	p := c.point
	for depth := 0; depth < 16; depth++ {
		defs := c.Result.Reach.At(p, t)
		if len(defs) != 1 {
			return nil
		}
		d := c.Result.Reach.Def(defs[0])
		if d.IsParam() {
			return nil
		}
		switch d.Instr.Op {
		case stackless.OpConst:
			if c.Fn.Type(t).Kind == bytecode.KindBool {
				return nil
			}
			return d.Instr.Value
		case stackless.OpAssign:
			p, t = d.Point, d.Instr.Srcs[0]
		default:
			return nil
		}
	}
	return nil
}

// operand is the term of t, folded to a literal when it is constant.
func (c *Context) operand(t stackless.Temp) logic.Term {
	if v := c.constOf(t); v != nil {
		return logic.Int(v)
	}
	return c.temp(t)
}

// =============================================================================
// StructHandler
// =============================================================================

// StructHandler encodes pack and unpack. Packing checks the data
// invariants of the struct.
type StructHandler struct{}

// Handle encodes one pack or unpack.
func (h *StructHandler) Handle(c *Context, in *stackless.Instr) error {
	d := c.st.datatype(in.Struct)
	if d == nil {
		return c.internal(in.Range, "unknown struct %s", in.Struct)
	}
	if in.Op == stackless.OpUnpack {
		v := c.temp(in.Srcs[0])
		for i, dst := range in.Dsts {
			c.assign(c.temp(dst), logic.Get(d, i, v), "")
		}
		return nil
	}

	fields := make([]logic.Term, len(in.Srcs))
	for i, s := range in.Srcs {
		fields[i] = c.temp(s)
	}
	dst := c.temp(in.Dst())
	c.assign(dst, logic.Mk(d, fields), "")
	if inv := c.enc.structInvariant(c.Env, in.Struct, dst); !logic.IsTrue(inv) {
		c.assert(KindStructInvariant, in.Range, inv, "data invariant of %s may not hold", in.Struct.Name)
	}
	return nil
}
