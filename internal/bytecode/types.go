package bytecode

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// =============================================================================
// Type Kinds
// =============================================================================

// Kind classifies a bytecode type.
type Kind int

const (
	KindBool Kind = iota
	KindU8
	KindU64
	KindU128
	KindAddress
	KindSigner
	KindStruct
	KindReference
)

// Type is a bytecode-level type. Types are values and compare with Equal.
type Type struct {
	Kind    Kind
	Struct  StructRef // KindStruct only
	Mutable bool      // KindReference only
	Elem    *Type     // KindReference only
}

var (
	BoolType    = Type{Kind: KindBool}
	U8Type      = Type{Kind: KindU8}
	U64Type     = Type{Kind: KindU64}
	U128Type    = Type{Kind: KindU128}
	AddressType = Type{Kind: KindAddress}
	SignerType  = Type{Kind: KindSigner}
)

// StructType returns the type of values of the given struct.
func StructType(ref StructRef) Type {
	return Type{Kind: KindStruct, Struct: ref}
}

// RefType returns a reference type to elem.
func RefType(elem Type, mutable bool) Type {
	e := elem
	return Type{Kind: KindReference, Mutable: mutable, Elem: &e}
}

// =============================================================================
// Type Classification
// =============================================================================

// IsInteger reports whether t is one of the unsigned integer types.
func (t Type) IsInteger() bool {
	return t.Kind == KindU8 || t.Kind == KindU64 || t.Kind == KindU128
}

// IsReference reports whether t is a reference type.
func (t Type) IsReference() bool { return t.Kind == KindReference }

// IsMutableReference reports whether t is a &mut type.
func (t Type) IsMutableReference() bool { return t.Kind == KindReference && t.Mutable }

// Deref returns the referenced type, or t itself for non-references.
func (t Type) Deref() Type {
	if t.Kind == KindReference && t.Elem != nil {
		return *t.Elem
	}
	return t
}

// BitWidth returns the width of an integer type, or 0.
func (t Type) BitWidth() uint {
	switch t.Kind {
	case KindU8:
		return 8
	case KindU64:
		return 64
	case KindU128:
		return 128
	}
	return 0
}

// MaxValue returns the largest value of an integer type.
func (t Type) MaxValue() *uint256.Int {
	return MaxForWidth(t.BitWidth())
}

// MaxForWidth returns 2^bits - 1. bits must be in (0, 256].
func MaxForWidth(bits uint) *uint256.Int {
	if bits == 0 {
		return uint256.NewInt(0)
	}
	one := uint256.NewInt(1)
	if bits >= 256 {
		return new(uint256.Int).SetAllOne()
	}
	max := new(uint256.Int).Lsh(one, bits)
	return max.Sub(max, one)
}

// Equal reports structural type equality.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindStruct:
		return t.Struct == o.Struct
	case KindReference:
		if t.Mutable != o.Mutable {
			return false
		}
		return t.Deref().Equal(o.Deref())
	}
	return true
}

func (t Type) String() string {
	switch t.Kind {
	case KindBool:
		return "bool"
	case KindU8:
		return "u8"
	case KindU64:
		return "u64"
	case KindU128:
		return "u128"
	case KindAddress:
		return "address"
	case KindSigner:
		return "signer"
	case KindStruct:
		return t.Struct.String()
	case KindReference:
		if t.Mutable {
			return "&mut " + t.Deref().String()
		}
		return "&" + t.Deref().String()
	}
	return fmt.Sprintf("type(%d)", int(t.Kind))
}

// ParseType parses a type written in assembly syntax. Unqualified struct
// names resolve against self.
func ParseType(s string, self ModuleID) (Type, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "&mut "):
		elem, err := ParseType(s[len("&mut "):], self)
		if err != nil {
			return Type{}, err
		}
		return RefType(elem, true), nil
	case strings.HasPrefix(s, "&"):
		elem, err := ParseType(s[1:], self)
		if err != nil {
			return Type{}, err
		}
		return RefType(elem, false), nil
	}
	switch s {
	case "bool":
		return BoolType, nil
	case "u8":
		return U8Type, nil
	case "u64":
		return U64Type, nil
	case "u128":
		return U128Type, nil
	case "address":
		return AddressType, nil
	case "signer":
		return SignerType, nil
	case "":
		return Type{}, fmt.Errorf("empty type")
	}
	if strings.HasPrefix(s, "vector<") {
		return Type{}, fmt.Errorf("vector types are not supported: %s", s)
	}
	ref, err := ParseStructRef(s, self)
	if err != nil {
		return Type{}, err
	}
	return StructType(ref), nil
}
