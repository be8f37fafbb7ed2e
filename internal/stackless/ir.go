package stackless

import (
	"strconv"

	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Temp is a typed register. Temps 0..NumLocals-1 are the function locals
// (parameters first); every operand-stack push allocates the next index.
type Temp int

// Op is a stackless operation.
type Op int

const (
	OpAssign Op = iota // Dsts[0] = Srcs[0]
	OpConst            // Dsts[0] = Value
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
	OpBorrowLoc    // Dsts[0] = &[mut] Srcs[0] (a local)
	OpBorrowField  // Dsts[0] = &[mut] Srcs[0].Field
	OpBorrowGlobal // Dsts[0] = &[mut] global<Struct>(Srcs[0])
	OpReadRef      // Dsts[0] = *Srcs[0]
	OpWriteRef     // *Srcs[0] = Srcs[1]
	OpFreezeRef    // Dsts[0] = freeze(Srcs[0])
	OpPack         // Dsts[0] = Struct{Srcs...}
	OpUnpack       // Dsts... = fields of Srcs[0]
	OpExists       // Dsts[0] = exists<Struct>(Srcs[0])
	OpMoveFrom     // Dsts[0] = move_from<Struct>(Srcs[0])
	OpMoveTo       // move_to<Struct>(Srcs[0] signer, Srcs[1] value)
	OpCall         // Dsts... = Func(Srcs...)
	OpMerge        // Dsts[0] = Srcs[i] when entered from From[i]
	OpDrop         // Srcs[0] is discarded; releases a borrow
)

var opNames = [...]string{
	OpAssign: "assign", OpConst: "const",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod",
	OpBitOr: "bit_or", OpBitAnd: "bit_and", OpXor: "xor", OpShl: "shl", OpShr: "shr",
	OpOr: "or", OpAnd: "and", OpNot: "not",
	OpEq: "eq", OpNeq: "neq", OpLt: "lt", OpGt: "gt", OpLe: "le", OpGe: "ge",
	OpCastU8: "cast_u8", OpCastU64: "cast_u64", OpCastU128: "cast_u128",
	OpBorrowLoc: "borrow_loc", OpBorrowField: "borrow_field", OpBorrowGlobal: "borrow_global",
	OpReadRef: "read_ref", OpWriteRef: "write_ref", OpFreezeRef: "freeze_ref",
	OpPack: "pack", OpUnpack: "unpack",
	OpExists: "exists", OpMoveFrom: "move_from", OpMoveTo: "move_to",
	OpCall: "call", OpMerge: "merge", OpDrop: "drop",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "op?"
}

// IsArithmetic reports whether op is an integer operation that can abort.
func (op Op) IsArithmetic() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpShl, OpShr, OpCastU8, OpCastU64, OpCastU128:
		return true
	}
	return false
}

// IsBorrow reports whether op creates a reference.
func (op Op) IsBorrow() bool {
	return op == OpBorrowLoc || op == OpBorrowField || op == OpBorrowGlobal || op == OpFreezeRef
}

// Instr is one stackless instruction. Instructions are never mutated after
// the function is built.
type Instr struct {
	Op      Op
	Dsts    []Temp
	Srcs    []Temp
	From    []BlockID // OpMerge: predecessor of each source
	Mutable bool      // borrows
	Move    bool      // OpAssign from move_loc
	Struct  bytecode.StructRef
	Field   int // OpBorrowField: field index
	Func    bytecode.FunctionRef
	Value   *uint256.Int // OpConst: bools are 0/1, addresses their integer value
	PC      int          // bytecode index, -1 for synthesized instructions
	Range   bytecode.Range
}

// Dst returns the single destination of the instruction.
func (in *Instr) Dst() Temp { return in.Dsts[0] }

// =============================================================================
// Control Flow
// =============================================================================

// BlockID indexes Function.Blocks.
type BlockID int

// EdgeKind classifies a CFG edge.
type EdgeKind int

const (
	EdgeFallthrough EdgeKind = iota
	EdgeBranchTrue
	EdgeBranchFalse
	EdgeJump
	EdgeAbort
	EdgeReturn
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeFallthrough:
		return "fallthrough"
	case EdgeBranchTrue:
		return "true"
	case EdgeBranchFalse:
		return "false"
	case EdgeJump:
		return "jump"
	case EdgeAbort:
		return "abort"
	case EdgeReturn:
		return "return"
	}
	return "edge?"
}

// Edge is a CFG edge. Back is set on edges that close a loop.
type Edge struct {
	From BlockID
	To   BlockID
	Kind EdgeKind
	Back bool
}

// TermKind is the kind of a block terminator.
type TermKind int

const (
	TermJump   TermKind = iota // unconditional transfer to Succs[0]
	TermBranch                 // Cond ? Succs[0] : Succs[1]
	TermReturn                 // Values flow to the return exit
	TermAbort                  // Code flows to the abort exit
	TermExit                   // terminal block
)

// Terminator ends a block.
type Terminator struct {
	Kind   TermKind
	Cond   Temp
	Values []Temp
	Code   Temp
	Range  bytecode.Range
}

// BlockKind distinguishes the two terminal blocks from ordinary blocks.
type BlockKind int

const (
	BlockNormal BlockKind = iota
	BlockReturn
	BlockAbort
)

// Block is a basic block.
type Block struct {
	ID     BlockID
	Kind   BlockKind
	Label  string // bytecode label at the block start, if any
	PC     int    // first bytecode index, -1 for terminals and synthesized blocks
	Func   bytecode.FunctionRef
	Chain  []bytecode.FunctionRef // inlined call stack leading to this block
	Instrs []*Instr
	Term   Terminator
	Succs  []Edge
	Preds  []BlockID
}

// IsExit reports whether b is a terminal block.
func (b *Block) IsExit() bool { return b.Kind != BlockNormal }

// Loop is a natural loop.
type Loop struct {
	Header  BlockID
	Body    []BlockID // sorted, includes Header
	Latches []BlockID // sources of back-edges
}

// Contains reports whether b belongs to the loop.
func (l *Loop) Contains(b BlockID) bool {
	for _, x := range l.Body {
		if x == b {
			return true
		}
	}
	return false
}

// Function is the stackless form of one bytecode function.
type Function struct {
	Def        *bytecode.FunctionDef
	Temps      []bytecode.Type
	NumLocals  int
	NumParams  int
	Blocks     []*Block
	Entry      BlockID
	ReturnExit BlockID
	AbortExit  BlockID
	Loops      []*Loop
	Inlined    []bytecode.FunctionRef // callees spliced in, in order
}

// Block returns the block with the given id.
func (f *Function) Block(id BlockID) *Block { return f.Blocks[id] }

// Type returns the type of t.
func (f *Function) Type(t Temp) bytecode.Type { return f.Temps[t] }

// IsLocal reports whether t is a function local.
func (f *Function) IsLocal(t Temp) bool { return int(t) < f.NumLocals }

// LoopAt returns the loop headed by b, or nil.
func (f *Function) LoopAt(b BlockID) *Loop {
	for _, l := range f.Loops {
		if l.Header == b {
			return l
		}
	}
	return nil
}

// BlockByLabel returns the block of the function's own code starting at a
// bytecode label.
func (f *Function) BlockByLabel(label string) (*Block, bool) {
	for _, b := range f.Blocks {
		if b.Label == label && len(b.Chain) == 0 {
			return b, true
		}
	}
	return nil, false
}

// Edges returns every edge in block order.
func (f *Function) Edges() []Edge {
	var out []Edge
	for _, b := range f.Blocks {
		out = append(out, b.Succs...)
	}
	return out
}

// TempName renders a temp, using the local name when there is one.
func (f *Function) TempName(t Temp) string {
	if f.Def != nil && int(t) < f.NumLocals && int(t) < len(f.Def.Locals) {
		return f.Def.Locals[t].Name
	}
	return "t" + strconv.Itoa(int(t))
}
