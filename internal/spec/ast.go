package spec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
)

// =============================================================================
// Spec Types
// =============================================================================

// TypeKind classifies spec expression types.
type TypeKind int

const (
	TInvalid TypeKind = iota
	TBool
	TInt // Width 0 means the unbounded spec-only num type
	TAddress
	TSigner
	TStruct
)

// Type is the type of a spec expression. Spec values never have reference
// type: references are seen through.
type Type struct {
	Kind   TypeKind
	Width  uint
	Struct bytecode.StructRef
}

var (
	Bool    = Type{Kind: TBool}
	Num     = Type{Kind: TInt}
	Address = Type{Kind: TAddress}
	Signer  = Type{Kind: TSigner}
)

// FromBytecode maps a bytecode type to its spec type.
func FromBytecode(t bytecode.Type) Type {
	t = t.Deref()
	switch t.Kind {
	case bytecode.KindBool:
		return Bool
	case bytecode.KindU8, bytecode.KindU64, bytecode.KindU128:
		return Type{Kind: TInt, Width: t.BitWidth()}
	case bytecode.KindAddress:
		return Address
	case bytecode.KindSigner:
		return Signer
	case bytecode.KindStruct:
		return Type{Kind: TStruct, Struct: t.Struct}
	}
	return Type{}
}

// IsInt reports whether t is an integer kind, bounded or not.
func (t Type) IsInt() bool { return t.Kind == TInt }

func (t Type) String() string {
	switch t.Kind {
	case TBool:
		return "bool"
	case TInt:
		if t.Width == 0 {
			return "num"
		}
		return fmt.Sprintf("u%d", t.Width)
	case TAddress:
		return "address"
	case TSigner:
		return "signer"
	case TStruct:
		return t.Struct.String()
	}
	return "invalid"
}

// compatible reports whether values of a and b may be compared for equality.
func compatible(a, b Type) bool {
	if a.IsInt() && b.IsInt() {
		return true
	}
	return a == b
}

// =============================================================================
// Expressions
// =============================================================================

// Expr is a typed spec expression. Types are filled in by the checker.
type Expr interface {
	Range() bytecode.Range
	Type() Type
	exprNode()
}

type node struct {
	Rng bytecode.Range
	Ty  Type
}

func (n *node) Range() bytecode.Range { return n.Rng }
func (n *node) Type() Type            { return n.Ty }
func (n *node) exprNode()             {}

// IntLit is an integer literal, including the MAX_* constants.
type IntLit struct {
	node
	Value *uint256.Int
}

// BoolLit is true or false.
type BoolLit struct {
	node
	Value bool
}

// AddrLit is an address literal written @0x...
type AddrLit struct {
	node
	Value common.Address
}

// IdentKind says what an identifier is bound to.
type IdentKind int

const (
	IdentUnresolved IdentKind = iota
	IdentParam                // Index: local index of the parameter
	IdentLocal                // Index: local index
	IdentResult               // Index: return value position
	IdentBound                // quantified variable
	IdentField                // field of the struct an invariant is attached to; Index: field position
)

// Ident is a name reference.
type Ident struct {
	node
	Name  string
	Kind  IdentKind
	Index int
}

// Unary is ! or unary minus.
type Unary struct {
	node
	Op TokenKind
	X  Expr
}

// Binary is a binary operator application.
type Binary struct {
	node
	Op   TokenKind
	X, Y Expr
}

// FieldAccess is e.f on a struct-typed expression.
type FieldAccess struct {
	node
	X      Expr
	Field  string
	Struct bytecode.StructRef // filled by the checker
	Index  int                // filled by the checker
}

// Old evaluates X in the function entry state.
type Old struct {
	node
	X Expr
}

// Exists is exists<S>(addr).
type Exists struct {
	node
	Struct bytecode.StructRef
	Addr   Expr
}

// Global is global<S>(addr), the resource stored at addr.
type Global struct {
	node
	Struct bytecode.StructRef
	Addr   Expr
}

// AddressOf is address_of(signer).
type AddressOf struct {
	node
	X Expr
}

// Forall is a universally quantified formula.
type Forall struct {
	node
	Var     string
	VarType Type
	Body    Expr
}

// Walk calls fn for e and every subexpression in depth-first order. Walking
// stops descending when fn returns false.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *Unary:
		Walk(x.X, fn)
	case *Binary:
		Walk(x.X, fn)
		Walk(x.Y, fn)
	case *FieldAccess:
		Walk(x.X, fn)
	case *Old:
		Walk(x.X, fn)
	case *Exists:
		Walk(x.Addr, fn)
	case *Global:
		Walk(x.Addr, fn)
	case *AddressOf:
		Walk(x.X, fn)
	case *Forall:
		Walk(x.Body, fn)
	}
}

// Format renders e in spec syntax.
func Format(e Expr) string {
	switch x := e.(type) {
	case *IntLit:
		return x.Value.Dec()
	case *BoolLit:
		if x.Value {
			return "true"
		}
		return "false"
	case *AddrLit:
		return "@" + bytecode.FormatAddress(x.Value)
	case *Ident:
		return x.Name
	case *Unary:
		return x.Op.String() + Format(x.X)
	case *Binary:
		return "(" + Format(x.X) + " " + x.Op.String() + " " + Format(x.Y) + ")"
	case *FieldAccess:
		return Format(x.X) + "." + x.Field
	case *Old:
		return "old(" + Format(x.X) + ")"
	case *Exists:
		return "exists<" + x.Struct.Name + ">(" + Format(x.Addr) + ")"
	case *Global:
		return "global<" + x.Struct.Name + ">(" + Format(x.Addr) + ")"
	case *AddressOf:
		return "address_of(" + Format(x.X) + ")"
	case *Forall:
		return "forall " + x.Var + ": " + x.VarType.String() + ": " + Format(x.Body)
	}
	return "?"
}
