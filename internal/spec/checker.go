package spec

import (
	"strconv"
	"strings"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Kind is the program point a condition is bound to.
type Kind int

const (
	Precondition Kind = iota
	Postcondition
	AbortsIf
	Invariant
	Modifies
)

func (k Kind) String() string {
	switch k {
	case Precondition:
		return "requires"
	case Postcondition:
		return "ensures"
	case AbortsIf:
		return "aborts_if"
	case Invariant:
		return "invariant"
	case Modifies:
		return "modifies"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// kindOf maps an assembly spec keyword to a condition kind.
func kindOf(keyword string) (Kind, bool) {
	switch keyword {
	case "requires":
		return Precondition, true
	case "ensures":
		return Postcondition, true
	case "aborts_if":
		return AbortsIf, true
	case "invariant":
		return Invariant, true
	case "modifies":
		return Modifies, true
	}
	return 0, false
}

// =============================================================================
// Checker
// =============================================================================

// checker type-checks one condition. It is not reused across conditions.
type checker struct {
	prog  *bytecode.Program
	fn    *bytecode.FunctionDef // nil for struct invariants
	st    *bytecode.StructDef   // set for struct invariants
	kind  Kind
	bound []boundVar
	inOld bool
}

type boundVar struct {
	name string
	typ  Type
}

func (c *checker) check(e Expr) (Type, *SpecTypeError) {
	switch x := e.(type) {
	case *IntLit:
		x.Ty = Num
	case *BoolLit:
		x.Ty = Bool
	case *AddrLit:
		x.Ty = Address
	case *Ident:
		t, err := c.ident(x)
		if err != nil {
			return Type{}, err
		}
		x.Ty = t
	case *Unary:
		t, err := c.check(x.X)
		if err != nil {
			return Type{}, err
		}
		if x.Op == NOT {
			if t != Bool {
				return Type{}, typeError(x.X.Range(), "bool", t.String(), "operand of ! must be bool")
			}
			x.Ty = Bool
		} else {
			if !t.IsInt() {
				return Type{}, typeError(x.X.Range(), "integer", t.String(), "operand of unary - must be an integer")
			}
			x.Ty = Num
		}
	case *Binary:
		t, err := c.binary(x)
		if err != nil {
			return Type{}, err
		}
		x.Ty = t
	case *FieldAccess:
		t, err := c.check(x.X)
		if err != nil {
			return Type{}, err
		}
		if t.Kind != TStruct {
			return Type{}, typeError(x.X.Range(), "struct", t.String(), "field access .%s on non-struct value", x.Field)
		}
		def := c.prog.Struct(t.Struct)
		if def == nil {
			return Type{}, plainError(x.Range(), "unknown struct %s", t.Struct)
		}
		idx := def.FieldIndex(x.Field)
		if idx < 0 {
			return Type{}, typeError(x.Range(), "field of "+t.Struct.Name, x.Field, "struct %s has no field %s", t.Struct.Name, x.Field)
		}
		x.Struct = t.Struct
		x.Index = idx
		x.Ty = FromBytecode(def.Fields[idx].Type)
	case *Old:
		switch {
		case c.st != nil, c.kind != Postcondition && c.kind != Invariant:
			return Type{}, plainError(x.Range(), "old() is not allowed in %s", c.kindName())
		case c.inOld:
			return Type{}, plainError(x.Range(), "old() cannot be nested")
		}
		c.inOld = true
		t, err := c.check(x.X)
		c.inOld = false
		if err != nil {
			return Type{}, err
		}
		x.Ty = t
	case *Exists:
		if err := c.resource(x.Struct, x.Range()); err != nil {
			return Type{}, err
		}
		if err := c.expect(x.Addr, Address); err != nil {
			return Type{}, err
		}
		x.Ty = Bool
	case *Global:
		if err := c.resource(x.Struct, x.Range()); err != nil {
			return Type{}, err
		}
		if err := c.expect(x.Addr, Address); err != nil {
			return Type{}, err
		}
		x.Ty = Type{Kind: TStruct, Struct: x.Struct}
	case *AddressOf:
		if err := c.expect(x.X, Signer); err != nil {
			return Type{}, err
		}
		x.Ty = Address
	case *Forall:
		c.bound = append(c.bound, boundVar{name: x.Var, typ: x.VarType})
		err := c.expect(x.Body, Bool)
		c.bound = c.bound[:len(c.bound)-1]
		if err != nil {
			return Type{}, err
		}
		x.Ty = Bool
	default:
		return Type{}, plainError(e.Range(), "unsupported expression")
	}
	return e.Type(), nil
}

func (c *checker) expect(e Expr, want Type) *SpecTypeError {
	t, err := c.check(e)
	if err != nil {
		return err
	}
	if t != want {
		return typeError(e.Range(), want.String(), t.String(), "type mismatch")
	}
	return nil
}

func (c *checker) binary(x *Binary) (Type, *SpecTypeError) {
	lt, err := c.check(x.X)
	if err != nil {
		return Type{}, err
	}
	rt, err := c.check(x.Y)
	if err != nil {
		return Type{}, err
	}
	switch x.Op {
	case PLUS, MINUS, STAR, SLASH, PERCENT:
		if !lt.IsInt() {
			return Type{}, typeError(x.X.Range(), "integer", lt.String(), "operand of %s must be an integer", x.Op)
		}
		if !rt.IsInt() {
			return Type{}, typeError(x.Y.Range(), "integer", rt.String(), "operand of %s must be an integer", x.Op)
		}
		return Num, nil
	case LT, LE, GT, GE:
		if !lt.IsInt() {
			return Type{}, typeError(x.X.Range(), "integer", lt.String(), "operand of %s must be an integer", x.Op)
		}
		if !rt.IsInt() {
			return Type{}, typeError(x.Y.Range(), "integer", rt.String(), "operand of %s must be an integer", x.Op)
		}
		return Bool, nil
	case EQ, NEQ:
		if !compatible(lt, rt) {
			return Type{}, typeError(x.Y.Range(), lt.String(), rt.String(), "operands of %s have different types", x.Op)
		}
		return Bool, nil
	case ANDAND, OROR, IMPLIES:
		if lt != Bool {
			return Type{}, typeError(x.X.Range(), "bool", lt.String(), "operand of %s must be bool", x.Op)
		}
		if rt != Bool {
			return Type{}, typeError(x.Y.Range(), "bool", rt.String(), "operand of %s must be bool", x.Op)
		}
		return Bool, nil
	}
	return Type{}, plainError(x.Range(), "unsupported operator %s", x.Op)
}

func (c *checker) resource(ref bytecode.StructRef, r bytecode.Range) *SpecTypeError {
	def := c.prog.Struct(ref)
	if def == nil {
		return plainError(r, "unknown struct %s", ref)
	}
	if !def.HasKey {
		return typeError(r, "struct with key", ref.Name, "%s is not a resource", ref.Name)
	}
	return nil
}

func (c *checker) ident(x *Ident) (Type, *SpecTypeError) {
	for i := len(c.bound) - 1; i >= 0; i-- {
		if c.bound[i].name == x.Name {
			x.Kind = IdentBound
			return c.bound[i].typ, nil
		}
	}
	if c.st != nil {
		if idx := c.st.FieldIndex(x.Name); idx >= 0 {
			x.Kind, x.Index = IdentField, idx
			return FromBytecode(c.st.Fields[idx].Type), nil
		}
		return Type{}, typeError(x.Range(), "field of "+c.st.Ref.Name, x.Name, "undeclared identifier %s", x.Name)
	}
	if x.Name == "result" || strings.HasPrefix(x.Name, "result_") {
		return c.result(x)
	}
	idx := c.fn.LocalIndex(x.Name)
	switch {
	case idx < 0:
		return Type{}, typeError(x.Range(), "declared identifier", x.Name, "undeclared identifier %s", x.Name)
	case idx < len(c.fn.Params):
		x.Kind, x.Index = IdentParam, idx
	case c.kind == Invariant:
		x.Kind, x.Index = IdentLocal, idx
	default:
		return Type{}, plainError(x.Range(), "local %s is only visible in loop invariants", x.Name)
	}
	return FromBytecode(c.fn.Locals[idx].Type), nil
}

func (c *checker) result(x *Ident) (Type, *SpecTypeError) {
	if c.kind != Postcondition {
		return Type{}, plainError(x.Range(), "%s is only allowed in ensures", x.Name)
	}
	n := len(c.fn.Returns)
	idx := 0
	if x.Name == "result" {
		if n != 1 {
			return Type{}, typeError(x.Range(), "result_1..result_"+strconv.Itoa(n), x.Name, "function returns %d values", n)
		}
	} else {
		k, err := strconv.Atoi(strings.TrimPrefix(x.Name, "result_"))
		if err != nil || k < 1 || k > n {
			return Type{}, typeError(x.Range(), "result_1..result_"+strconv.Itoa(n), x.Name, "no such return value")
		}
		idx = k - 1
	}
	x.Kind, x.Index = IdentResult, idx
	return FromBytecode(c.fn.Returns[idx]), nil
}

func (c *checker) kindName() string {
	if c.st != nil {
		return "struct invariants"
	}
	return c.kind.String()
}
