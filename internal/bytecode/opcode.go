package bytecode

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Opcode is a stack-machine operation. The set is closed: NumOpcodes bounds
// every table indexed by opcode.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpPop
	OpLdTrue
	OpLdFalse
	OpLdU8
	OpLdU64
	OpLdU128
	OpLdAddr
	OpCopyLoc
	OpMoveLoc
	OpStLoc

	OpBrTrue
	OpBrFalse
	OpBranch
	OpRet
	OpAbort

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpBitOr
	OpBitAnd
	OpXor
	OpShl
	OpShr
	OpOr
	OpAnd
	OpNot
	OpEq
	OpNeq
	OpLt
	OpGt
	OpLe
	OpGe
	OpCastU8
	OpCastU64
	OpCastU128

	OpMutBorrowLoc
	OpImmBorrowLoc
	OpMutBorrowField
	OpImmBorrowField
	OpReadRef
	OpWriteRef
	OpFreezeRef

	OpPack
	OpUnpack

	OpExists
	OpMutBorrowGlobal
	OpImmBorrowGlobal
	OpMoveFrom
	OpMoveTo

	OpCall

	OpVecPack
	OpVecLen
	OpVecImmBorrow
	OpVecMutBorrow
	OpVecPushBack
	OpVecPopBack
	OpCallGeneric

	NumOpcodes
)

// OperandKind describes the immediate operand an opcode carries.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandLocal
	OperandLabel
	OperandConst
	OperandAddress
	OperandStruct
	OperandField
	OperandFunction
	OperandCount
)

type opInfo struct {
	name    string
	operand OperandKind
}

var opInfos = [NumOpcodes]opInfo{
	OpNop:     {"nop", OperandNone},
	OpPop:     {"pop", OperandNone},
	OpLdTrue:  {"ld_true", OperandNone},
	OpLdFalse: {"ld_false", OperandNone},
	OpLdU8:    {"ld_u8", OperandConst},
	OpLdU64:   {"ld_u64", OperandConst},
	OpLdU128:  {"ld_u128", OperandConst},
	OpLdAddr:  {"ld_addr", OperandAddress},
	OpCopyLoc: {"copy_loc", OperandLocal},
	OpMoveLoc: {"move_loc", OperandLocal},
	OpStLoc:   {"st_loc", OperandLocal},

	OpBrTrue:  {"br_true", OperandLabel},
	OpBrFalse: {"br_false", OperandLabel},
	OpBranch:  {"branch", OperandLabel},
	OpRet:     {"ret", OperandNone},
	OpAbort:   {"abort", OperandNone},

	OpAdd:      {"add", OperandNone},
	OpSub:      {"sub", OperandNone},
	OpMul:      {"mul", OperandNone},
	OpDiv:      {"div", OperandNone},
	OpMod:      {"mod", OperandNone},
	OpBitOr:    {"bit_or", OperandNone},
	OpBitAnd:   {"bit_and", OperandNone},
	OpXor:      {"xor", OperandNone},
	OpShl:      {"shl", OperandNone},
	OpShr:      {"shr", OperandNone},
	OpOr:       {"or", OperandNone},
	OpAnd:      {"and", OperandNone},
	OpNot:      {"not", OperandNone},
	OpEq:       {"eq", OperandNone},
	OpNeq:      {"neq", OperandNone},
	OpLt:       {"lt", OperandNone},
	OpGt:       {"gt", OperandNone},
	OpLe:       {"le", OperandNone},
	OpGe:       {"ge", OperandNone},
	OpCastU8:   {"cast_u8", OperandNone},
	OpCastU64:  {"cast_u64", OperandNone},
	OpCastU128: {"cast_u128", OperandNone},

	OpMutBorrowLoc:   {"mut_borrow_loc", OperandLocal},
	OpImmBorrowLoc:   {"imm_borrow_loc", OperandLocal},
	OpMutBorrowField: {"mut_borrow_field", OperandField},
	OpImmBorrowField: {"imm_borrow_field", OperandField},
	OpReadRef:        {"read_ref", OperandNone},
	OpWriteRef:       {"write_ref", OperandNone},
	OpFreezeRef:      {"freeze_ref", OperandNone},

	OpPack:   {"pack", OperandStruct},
	OpUnpack: {"unpack", OperandStruct},

	OpExists:          {"exists", OperandStruct},
	OpMutBorrowGlobal: {"mut_borrow_global", OperandStruct},
	OpImmBorrowGlobal: {"imm_borrow_global", OperandStruct},
	OpMoveFrom:        {"move_from", OperandStruct},
	OpMoveTo:          {"move_to", OperandStruct},

	OpCall: {"call", OperandFunction},

	OpVecPack:      {"vec_pack", OperandCount},
	OpVecLen:       {"vec_len", OperandNone},
	OpVecImmBorrow: {"vec_imm_borrow", OperandNone},
	OpVecMutBorrow: {"vec_mut_borrow", OperandNone},
	OpVecPushBack:  {"vec_push_back", OperandNone},
	OpVecPopBack:   {"vec_pop_back", OperandNone},
	OpCallGeneric:  {"call_generic", OperandFunction},
}

var opsByName = func() map[string]Opcode {
	m := make(map[string]Opcode, NumOpcodes)
	for op := Opcode(0); op < NumOpcodes; op++ {
		m[opInfos[op].name] = op
	}
	return m
}()

func (op Opcode) String() string {
	if op < NumOpcodes && opInfos[op].name != "" {
		return opInfos[op].name
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// Operand returns the immediate operand kind of op.
func (op Opcode) Operand() OperandKind {
	if op >= NumOpcodes {
		return OperandNone
	}
	return opInfos[op].operand
}

// LookupOpcode resolves an assembly mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opsByName[name]
	return op, ok
}

// IsBranch reports whether op transfers control to a label.
func (op Opcode) IsBranch() bool {
	return op == OpBrTrue || op == OpBrFalse || op == OpBranch
}

// IsTerminator reports whether op ends a basic block.
func (op Opcode) IsTerminator() bool {
	return op.IsBranch() || op == OpRet || op == OpAbort
}

// =============================================================================
// Instruction
// =============================================================================

// Instruction is one stack-machine instruction with its immediate operand.
// Only the field matching Op.Operand() is meaningful.
type Instruction struct {
	Op       Opcode
	Local    int          // OperandLocal
	Target   int          // OperandLabel: instruction index
	Const    *uint256.Int // OperandConst
	Address  common.Address
	Struct   StructRef   // OperandStruct, OperandField
	Field    string      // OperandField
	Function FunctionRef // OperandFunction
	Count    int         // OperandCount
	Range    Range
}

// ConstType returns the integer type pushed by an ld_* instruction.
func (in Instruction) ConstType() Type {
	switch in.Op {
	case OpLdU8:
		return U8Type
	case OpLdU128:
		return U128Type
	}
	return U64Type
}

// AddressBig returns the address operand as an integer.
func (in Instruction) AddressBig() *big.Int {
	return in.Address.Big()
}

func (in Instruction) String() string {
	switch in.Op.Operand() {
	case OperandLocal:
		return fmt.Sprintf("%s %d", in.Op, in.Local)
	case OperandLabel:
		return fmt.Sprintf("%s @%d", in.Op, in.Target)
	case OperandConst:
		if in.Const == nil {
			return in.Op.String() + " 0"
		}
		return fmt.Sprintf("%s %s", in.Op, in.Const.Dec())
	case OperandAddress:
		return fmt.Sprintf("%s %s", in.Op, FormatAddress(in.Address))
	case OperandStruct:
		return fmt.Sprintf("%s %s", in.Op, in.Struct)
	case OperandField:
		return fmt.Sprintf("%s %s.%s", in.Op, in.Struct, in.Field)
	case OperandFunction:
		return fmt.Sprintf("%s %s", in.Op, in.Function)
	case OperandCount:
		return fmt.Sprintf("%s %d", in.Op, in.Count)
	}
	return in.Op.String()
}
