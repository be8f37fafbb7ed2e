package instrument

import (
	"strconv"

	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/spec"
)

// scope tells the encoder what identifiers and storage denote at the point
// a condition is evaluated.
type scope struct {
	param  func(i int) logic.Term
	local  func(i int) logic.Term
	result []logic.Term
	mem    func(bytecode.StructRef) logic.Term
	exists func(bytecode.StructRef) logic.Term
	self   logic.Term // struct invariants
	selfDT *logic.Datatype
	old    *scope // nil evaluates old(e) in this scope
}

// encoder translates typed spec expressions to terms.
type encoder struct {
	st    *state
	bound []*boundVar
	fresh int
}

type boundVar struct {
	name string
	v    *logic.Var
}

func (e *encoder) encode(x spec.Expr, sc *scope) logic.Term {
	switch x := x.(type) {
	case *spec.IntLit:
		return logic.Int(x.Value)
	case *spec.BoolLit:
		return logic.Bool(x.Value)
	case *spec.AddrLit:
		return logic.Int(new(uint256.Int).SetBytes(x.Value.Bytes()))
	case *spec.Ident:
		return e.ident(x, sc)
	case *spec.Unary:
		v := e.encode(x.X, sc)
		if x.Op == spec.NOT {
			return logic.Not(v)
		}
		return logic.Neg(v)
	case *spec.Binary:
		return e.binary(x, sc)
	case *spec.FieldAccess:
		return logic.Get(e.st.datatype(x.Struct), x.Index, e.encode(x.X, sc))
	case *spec.Old:
		if sc.old != nil {
			return e.encode(x.X, sc.old)
		}
		return e.encode(x.X, sc)
	case *spec.Exists:
		return logic.Select(sc.exists(x.Struct), e.encode(x.Addr, sc))
	case *spec.Global:
		return logic.Select(sc.mem(x.Struct), e.encode(x.Addr, sc))
	case *spec.AddressOf:
		return e.encode(x.X, sc)
	case *spec.Forall:
		return e.forall(x, sc)
	}
	return logic.True
}

func (e *encoder) ident(x *spec.Ident, sc *scope) logic.Term {
	switch x.Kind {
	case spec.IdentParam:
		return sc.param(x.Index)
	case spec.IdentLocal:
		return sc.local(x.Index)
	case spec.IdentResult:
		return sc.result[x.Index]
	case spec.IdentField:
		return logic.Get(sc.selfDT, x.Index, sc.self)
	case spec.IdentBound:
		for i := len(e.bound) - 1; i >= 0; i-- {
			if e.bound[i].name == x.Name {
				return e.bound[i].v
			}
		}
	}
	return logic.True
}

func (e *encoder) binary(x *spec.Binary, sc *scope) logic.Term {
	a, b := e.encode(x.X, sc), e.encode(x.Y, sc)
	switch x.Op {
	case spec.PLUS:
		return logic.Add(a, b)
	case spec.MINUS:
		return logic.Sub(a, b)
	case spec.STAR:
		return logic.Mul(a, b)
	case spec.SLASH:
		return logic.Div(a, b)
	case spec.PERCENT:
		return logic.Mod(a, b)
	case spec.LT:
		return logic.Lt(a, b)
	case spec.LE:
		return logic.Le(a, b)
	case spec.GT:
		return logic.Gt(a, b)
	case spec.GE:
		return logic.Ge(a, b)
	case spec.EQ:
		return logic.Eq(a, b)
	case spec.NEQ:
		return logic.Distinct(a, b)
	case spec.ANDAND:
		return logic.And(a, b)
	case spec.OROR:
		return logic.Or(a, b)
	case spec.IMPLIES:
		return logic.Implies(a, b)
	}
	return logic.True
}

func (e *encoder) forall(x *spec.Forall, sc *scope) logic.Term {
	e.fresh++
	v := &logic.Var{Name: "?" + x.Var + "!" + strconv.Itoa(e.fresh), S: e.specSort(x.VarType)}
	e.bound = append(e.bound, &boundVar{name: x.Var, v: v})
	body := e.encode(x.Body, sc)
	e.bound = e.bound[:len(e.bound)-1]

	var guard logic.Term = logic.True
	switch {
	case x.VarType.IsInt() && x.VarType.Width > 0:
		guard = logic.InRange(v, bytecode.MaxForWidth(x.VarType.Width))
	case x.VarType.Kind == spec.TAddress, x.VarType.Kind == spec.TSigner:
		guard = logic.InRange(v, bytecode.MaxForWidth(addressBits))
	}
	return logic.Forall([]*logic.Var{v}, logic.Implies(guard, body))
}

func (e *encoder) specSort(t spec.Type) logic.Sort {
	switch t.Kind {
	case spec.TBool:
		return logic.BoolSort
	case spec.TStruct:
		return logic.DataSort(t.Struct.String())
	}
	return logic.IntSort
}

// conjoin encodes every condition and conjoins them.
func (e *encoder) conjoin(conds []*spec.Condition, sc *scope) logic.Term {
	parts := make([]logic.Term, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, e.encode(c.Expr, sc))
	}
	return logic.And(parts...)
}

// structInvariant encodes the data invariants of ref for the value x.
func (e *encoder) structInvariant(env *spec.Env, ref bytecode.StructRef, x logic.Term) logic.Term {
	conds := env.StructInvariants(ref)
	if len(conds) == 0 {
		return logic.True
	}
	sc := &scope{self: x, selfDT: e.st.datatype(ref)}
	return e.conjoin(conds, sc)
}
