// Package stackless converts stack-machine bytecode into a control flow graph
// of register instructions.
//
// # Stack Elimination
//
// The operand stack is simulated abstractly. Every push allocates a fresh
// temporary, every pop consumes the temporary on top of the abstract stack:
//
//	copy_loc x      t3 := assign x
//	ld_u64 1        t4 := const 1
//	add             t5 := add t3, t4
//	st_loc x        x := assign t5
//
// Locals are temporaries 0..n-1, so reading and writing them stays explicit.
//
// # Joins
//
// A block entered from several predecessors with a non-empty stack starts
// with one merge per stack slot, naming the source temporary of every
// predecessor. Loop headers also get identity merges for each local that the
// loop body assigns, which marks the loop-carried state.
//
// # Failure
//
// The translator never guesses. Opcodes without a rule, stack underflow,
// inconsistent stack heights at a join and control falling off the end of the
// code yield UnsupportedBytecodeError for the function.
package stackless

import (
	"sort"

	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
)

// rule eliminates the operand stack for one opcode.
type rule struct {
	apply     func(t *translator, in bytecode.Instruction) error
	supported bool
}

func supported(fn func(t *translator, in bytecode.Instruction) error) rule {
	return rule{apply: fn, supported: true}
}

// rules is indexed by opcode and covers every opcode.
var rules = [bytecode.NumOpcodes]rule{
	bytecode.OpNop:     supported(func(*translator, bytecode.Instruction) error { return nil }),
	bytecode.OpPop:     supported((*translator).pop1),
	bytecode.OpLdTrue:  supported((*translator).ldBool),
	bytecode.OpLdFalse: supported((*translator).ldBool),
	bytecode.OpLdU8:    supported((*translator).ldInt),
	bytecode.OpLdU64:   supported((*translator).ldInt),
	bytecode.OpLdU128:  supported((*translator).ldInt),
	bytecode.OpLdAddr:  supported((*translator).ldAddr),
	bytecode.OpCopyLoc: supported((*translator).loadLocal),
	bytecode.OpMoveLoc: supported((*translator).loadLocal),
	bytecode.OpStLoc:   supported((*translator).storeLocal),

	bytecode.OpBrTrue:  supported((*translator).branchCond),
	bytecode.OpBrFalse: supported((*translator).branchCond),
	bytecode.OpBranch:  supported((*translator).jump),
	bytecode.OpRet:     supported((*translator).ret),
	bytecode.OpAbort:   supported((*translator).abort),

	bytecode.OpAdd:      supported(arith(OpAdd)),
	bytecode.OpSub:      supported(arith(OpSub)),
	bytecode.OpMul:      supported(arith(OpMul)),
	bytecode.OpDiv:      supported(arith(OpDiv)),
	bytecode.OpMod:      supported(arith(OpMod)),
	bytecode.OpBitOr:    supported(arith(OpBitOr)),
	bytecode.OpBitAnd:   supported(arith(OpBitAnd)),
	bytecode.OpXor:      supported(arith(OpXor)),
	bytecode.OpShl:      supported(shift(OpShl)),
	bytecode.OpShr:      supported(shift(OpShr)),
	bytecode.OpOr:       supported(logical(OpOr)),
	bytecode.OpAnd:      supported(logical(OpAnd)),
	bytecode.OpNot:      supported((*translator).not),
	bytecode.OpEq:       supported(equality(OpEq)),
	bytecode.OpNeq:      supported(equality(OpNeq)),
	bytecode.OpLt:       supported(compare(OpLt)),
	bytecode.OpGt:       supported(compare(OpGt)),
	bytecode.OpLe:       supported(compare(OpLe)),
	bytecode.OpGe:       supported(compare(OpGe)),
	bytecode.OpCastU8:   supported(cast(OpCastU8, bytecode.U8Type)),
	bytecode.OpCastU64:  supported(cast(OpCastU64, bytecode.U64Type)),
	bytecode.OpCastU128: supported(cast(OpCastU128, bytecode.U128Type)),

	bytecode.OpMutBorrowLoc:   supported((*translator).borrowLoc),
	bytecode.OpImmBorrowLoc:   supported((*translator).borrowLoc),
	bytecode.OpMutBorrowField: supported((*translator).borrowField),
	bytecode.OpImmBorrowField: supported((*translator).borrowField),
	bytecode.OpReadRef:        supported((*translator).readRef),
	bytecode.OpWriteRef:       supported((*translator).writeRef),
	bytecode.OpFreezeRef:      supported((*translator).freezeRef),

	bytecode.OpPack:   supported((*translator).pack),
	bytecode.OpUnpack: supported((*translator).unpack),

	bytecode.OpExists:          supported((*translator).exists),
	bytecode.OpMutBorrowGlobal: supported((*translator).borrowGlobal),
	bytecode.OpImmBorrowGlobal: supported((*translator).borrowGlobal),
	bytecode.OpMoveFrom:        supported((*translator).moveFrom),
	bytecode.OpMoveTo:          supported((*translator).moveTo),

	bytecode.OpCall: supported((*translator).call),

	bytecode.OpVecPack:      {apply: (*translator).noRule},
	bytecode.OpVecLen:       {apply: (*translator).noRule},
	bytecode.OpVecImmBorrow: {apply: (*translator).noRule},
	bytecode.OpVecMutBorrow: {apply: (*translator).noRule},
	bytecode.OpVecPushBack:  {apply: (*translator).noRule},
	bytecode.OpVecPopBack:   {apply: (*translator).noRule},
	bytecode.OpCallGeneric:  {apply: (*translator).noRule},
}

// HasRule reports whether the translator can eliminate op.
func HasRule(op bytecode.Opcode) bool {
	return op < bytecode.NumOpcodes && rules[op].supported
}

// =============================================================================
// Translator
// =============================================================================

// bcBlock is a basic block of the bytecode before stack elimination.
type bcBlock struct {
	start, end int
	succs      []bcEdge
	id         BlockID // stackless id, -1 when unreachable
}

type bcEdge struct {
	to   int // bcBlock index
	kind EdgeKind
}

type translator struct {
	prog *bytecode.Program
	def  *bytecode.FunctionDef
	fn   *Function

	blocks  []*bcBlock
	blockAt map[int]int // leader pc -> bcBlock index

	entry   map[int][]Temp
	merges  map[int][]*Instr
	preds   map[int]int // distinct reachable predecessors

	stack []Temp
	cur   *Block
	pc    int
}

// Translate produces the stackless CFG of a function body.
func Translate(prog *bytecode.Program, def *bytecode.FunctionDef) (*Function, error) {
	t := &translator{
		prog:    prog,
		def:     def,
		blockAt: make(map[int]int),
		entry:   make(map[int][]Temp),
		merges:  make(map[int][]*Instr),
		preds:   make(map[int]int),
	}
	if def.Native || len(def.Code) == 0 {
		return nil, t.unsupported(-1, "function has no bytecode body")
	}
	for pc, in := range def.Code {
		if in.Op >= bytecode.NumOpcodes || !rules[in.Op].supported {
			return nil, t.unsupported(pc, "no stack-elimination rule for %s", in.Op)
		}
	}

	t.fn = &Function{
		Def:       def,
		NumLocals: len(def.Locals),
		NumParams: len(def.Params),
	}
	for _, l := range def.Locals {
		t.fn.Temps = append(t.fn.Temps, l.Type)
	}

	if err := t.splitBlocks(); err != nil {
		return nil, err
	}
	t.entry[0] = []Temp{}
	order := t.orderBlocks()
	for _, bi := range order {
		if err := t.translateBlock(bi); err != nil {
			return nil, err
		}
	}
	if err := t.checkMerges(order); err != nil {
		return nil, err
	}

	info := finalize(t.fn)
	if b, ok := NewAnalyzer().IsReducible(t.fn, info); !ok {
		return nil, t.unsupported(t.fn.Blocks[b].PC, "irreducible control flow: loop entered at a block other than its header")
	}
	t.insertLoopMerges()
	return t.fn, nil
}

// splitBlocks finds leaders and the bytecode-level successor edges.
func (t *translator) splitBlocks() error {
	code := t.def.Code
	n := len(code)
	leaders := map[int]bool{0: true}
	for pc, in := range code {
		if in.Op.IsBranch() {
			if in.Target < 0 || in.Target >= n {
				return t.unsupported(pc, "branch target falls off the end of the function")
			}
			leaders[in.Target] = true
		}
		if in.Op.IsTerminator() && pc+1 < n {
			leaders[pc+1] = true
		}
	}
	starts := make([]int, 0, len(leaders))
	for pc := range leaders {
		starts = append(starts, pc)
	}
	sort.Ints(starts)
	for i, s := range starts {
		end := n
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		t.blockAt[s] = len(t.blocks)
		t.blocks = append(t.blocks, &bcBlock{start: s, end: end, id: -1})
	}

	for _, b := range t.blocks {
		last := b.end - 1
		in := code[last]
		next := func(kind EdgeKind) error {
			if b.end >= n {
				return t.unsupported(last, "control falls off the end of the function")
			}
			b.succs = append(b.succs, bcEdge{to: t.blockAt[b.end], kind: kind})
			return nil
		}
		var err error
		switch in.Op {
		case bytecode.OpBrTrue:
			b.succs = append(b.succs, bcEdge{to: t.blockAt[in.Target], kind: EdgeBranchTrue})
			err = next(EdgeBranchFalse)
		case bytecode.OpBrFalse:
			err = next(EdgeBranchTrue)
			b.succs = append(b.succs, bcEdge{to: t.blockAt[in.Target], kind: EdgeBranchFalse})
		case bytecode.OpBranch:
			b.succs = append(b.succs, bcEdge{to: t.blockAt[in.Target], kind: EdgeJump})
		case bytecode.OpRet, bytecode.OpAbort:
		default:
			err = next(EdgeFallthrough)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// orderBlocks assigns stackless ids in reverse postorder and creates the
// blocks, including the two terminal blocks.
func (t *translator) orderBlocks() []int {
	visited := make([]bool, len(t.blocks))
	var post []int
	var visit func(int)
	visit = func(i int) {
		visited[i] = true
		for _, e := range t.blocks[i].succs {
			if !visited[e.to] {
				visit(e.to)
			}
		}
		post = append(post, i)
	}
	visit(0)
	order := make([]int, len(post))
	for i, bi := range post {
		order[len(post)-1-i] = bi
	}

	for id, bi := range order {
		b := t.blocks[bi]
		b.id = BlockID(id)
		label, _ := t.def.LabelAt(b.start)
		t.fn.Blocks = append(t.fn.Blocks, &Block{ID: BlockID(id), Label: label, PC: b.start, Func: t.def.Ref})
	}
	for _, bi := range order {
		seen := make(map[int]bool)
		for _, e := range t.blocks[bi].succs {
			if !seen[e.to] {
				seen[e.to] = true
				t.preds[e.to]++
			}
		}
	}

	t.fn.Entry = 0
	t.fn.ReturnExit = BlockID(len(t.fn.Blocks))
	t.fn.Blocks = append(t.fn.Blocks, &Block{ID: t.fn.ReturnExit, Kind: BlockReturn, PC: -1, Func: t.def.Ref, Term: Terminator{Kind: TermExit}})
	t.fn.AbortExit = BlockID(len(t.fn.Blocks))
	t.fn.Blocks = append(t.fn.Blocks, &Block{ID: t.fn.AbortExit, Kind: BlockAbort, PC: -1, Func: t.def.Ref, Term: Terminator{Kind: TermExit}})
	return order
}

func (t *translator) translateBlock(bi int) error {
	b := t.blocks[bi]
	t.cur = t.fn.Blocks[b.id]
	t.stack = append([]Temp(nil), t.entry[bi]...)
	t.cur.Instrs = append(t.cur.Instrs, t.merges[bi]...)
	t.cur.Term = Terminator{Kind: TermJump}

	for t.pc = b.start; t.pc < b.end; t.pc++ {
		in := t.def.Code[t.pc]
		if err := rules[in.Op].apply(t, in); err != nil {
			return err
		}
	}
	if t.cur.Term.Kind == TermJump && len(b.succs) == 1 {
		t.cur.Term.Range = t.def.Code[b.end-1].Range
	}

	for _, e := range b.succs {
		if err := t.flow(bi, e); err != nil {
			return err
		}
	}
	switch t.cur.Term.Kind {
	case TermReturn:
		t.cur.Succs = append(t.cur.Succs, Edge{From: t.cur.ID, To: t.fn.ReturnExit, Kind: EdgeReturn})
	case TermAbort:
		t.cur.Succs = append(t.cur.Succs, Edge{From: t.cur.ID, To: t.fn.AbortExit, Kind: EdgeAbort})
	}
	return nil
}

// flow propagates the current abstract stack along a bytecode edge.
func (t *translator) flow(from int, e bcEdge) error {
	last := t.blocks[from].end - 1
	t.cur.Succs = append(t.cur.Succs, Edge{From: t.cur.ID, To: t.blocks[e.to].id, Kind: e.kind})

	if _, known := t.entry[e.to]; !known {
		if len(t.stack) > 0 && t.preds[e.to] > 1 {
			ms := make([]*Instr, len(t.stack))
			entry := make([]Temp, len(t.stack))
			for i, src := range t.stack {
				m := t.fresh(t.fn.Temps[src])
				entry[i] = m
				ms[i] = &Instr{
					Op:    OpMerge,
					Dsts:  []Temp{m},
					Srcs:  []Temp{src},
					From:  []BlockID{t.cur.ID},
					PC:    -1,
					Range: t.def.Code[t.blocks[e.to].start].Range,
				}
			}
			t.merges[e.to] = ms
			t.entry[e.to] = entry
		} else {
			t.entry[e.to] = append([]Temp{}, t.stack...)
		}
		return nil
	}

	want := t.entry[e.to]
	if len(want) != len(t.stack) {
		return t.unsupported(last, "inconsistent stack height at join: %d vs %d", len(t.stack), len(want))
	}
	ms := t.merges[e.to]
	if ms == nil {
		for i := range want {
			if want[i] != t.stack[i] {
				return t.unsupported(last, "stack slot %d reaches a join without a merge", i)
			}
		}
		return nil
	}
	for i, m := range ms {
		src := t.stack[i]
		if !t.fn.Temps[src].Equal(t.fn.Temps[m.Dst()]) {
			return t.unsupported(last, "inconsistent stack types at join: %s vs %s", t.fn.Temps[src], t.fn.Temps[m.Dst()])
		}
		if containsBlock(m.From, t.cur.ID) {
			continue
		}
		m.Srcs = append(m.Srcs, src)
		m.From = append(m.From, t.cur.ID)
	}
	return nil
}

// checkMerges verifies that every merge names a source for each reachable
// predecessor.
func (t *translator) checkMerges(order []int) error {
	for _, bi := range order {
		for _, m := range t.merges[bi] {
			if len(m.From) != t.preds[bi] {
				return t.unsupported(t.blocks[bi].start, "merge has %d sources for %d predecessors", len(m.From), t.preds[bi])
			}
		}
	}
	return nil
}

// insertLoopMerges adds identity merges for locals assigned inside a loop.
func (t *translator) insertLoopMerges() {
	for _, l := range t.fn.Loops {
		assigned := make(map[Temp]bool)
		for _, bid := range l.Body {
			for _, in := range t.fn.Blocks[bid].Instrs {
				switch {
				case in.Op == OpAssign && t.fn.IsLocal(in.Dst()):
					assigned[in.Dst()] = true
				case in.Op == OpBorrowLoc && in.Mutable:
					assigned[in.Srcs[0]] = true
				}
			}
		}
		if len(assigned) == 0 {
			continue
		}
		locals := make([]Temp, 0, len(assigned))
		for l := range assigned {
			locals = append(locals, l)
		}
		sort.Slice(locals, func(i, j int) bool { return locals[i] < locals[j] })

		header := t.fn.Blocks[l.Header]
		nStack := 0
		for _, in := range header.Instrs {
			if in.Op == OpMerge {
				nStack++
			}
		}
		var ids []*Instr
		for _, local := range locals {
			m := &Instr{Op: OpMerge, Dsts: []Temp{local}, PC: -1, Range: t.def.Code[header.PC].Range}
			for _, p := range header.Preds {
				m.Srcs = append(m.Srcs, local)
				m.From = append(m.From, p)
			}
			ids = append(ids, m)
		}
		instrs := append([]*Instr{}, header.Instrs[:nStack]...)
		instrs = append(instrs, ids...)
		header.Instrs = append(instrs, header.Instrs[nStack:]...)
	}
}

// =============================================================================
// Stack Helpers
// =============================================================================

func (t *translator) fresh(typ bytecode.Type) Temp {
	id := Temp(len(t.fn.Temps))
	t.fn.Temps = append(t.fn.Temps, typ)
	return id
}

func (t *translator) push(typ bytecode.Type) Temp {
	id := t.fresh(typ)
	t.stack = append(t.stack, id)
	return id
}

func (t *translator) pop() (Temp, error) {
	if len(t.stack) == 0 {
		return 0, t.unsupported(t.pc, "operand stack underflow")
	}
	top := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return top, nil
}

// popN pops n values and returns them in push order.
func (t *translator) popN(n int) ([]Temp, error) {
	if len(t.stack) < n {
		return nil, t.unsupported(t.pc, "operand stack underflow")
	}
	out := append([]Temp(nil), t.stack[len(t.stack)-n:]...)
	t.stack = t.stack[:len(t.stack)-n]
	return out, nil
}

func (t *translator) emit(in *Instr) {
	in.PC = t.pc
	in.Range = t.def.Code[t.pc].Range
	t.cur.Instrs = append(t.cur.Instrs, in)
}

func (t *translator) typeOf(x Temp) bytecode.Type { return t.fn.Temps[x] }

func (t *translator) local(in bytecode.Instruction) (Temp, error) {
	if in.Local < 0 || in.Local >= t.fn.NumLocals {
		return 0, t.unsupported(t.pc, "local index %d out of range", in.Local)
	}
	return Temp(in.Local), nil
}

func (t *translator) structDef(ref bytecode.StructRef) (*bytecode.StructDef, error) {
	def := t.prog.Struct(ref)
	if def == nil {
		return nil, t.unsupported(t.pc, "unknown struct %s", ref)
	}
	return def, nil
}

func (t *translator) resource(ref bytecode.StructRef) (*bytecode.StructDef, error) {
	def, err := t.structDef(ref)
	if err != nil {
		return nil, err
	}
	if !def.HasKey {
		return nil, t.unsupported(t.pc, "%s is not a resource", ref)
	}
	return def, nil
}

func (t *translator) expectType(x Temp, want bytecode.Type) error {
	if got := t.typeOf(x); !got.Equal(want) {
		return t.unsupported(t.pc, "operand has type %s, want %s", got, want)
	}
	return nil
}

// =============================================================================
// Rules
// =============================================================================

func (t *translator) noRule(in bytecode.Instruction) error {
	return t.unsupported(t.pc, "no stack-elimination rule for %s", in.Op)
}

func (t *translator) pop1(bytecode.Instruction) error {
	v, err := t.pop()
	if err != nil {
		return err
	}
	t.emit(&Instr{Op: OpDrop, Srcs: []Temp{v}})
	return nil
}

func (t *translator) ldBool(in bytecode.Instruction) error {
	v := uint64(0)
	if in.Op == bytecode.OpLdTrue {
		v = 1
	}
	dst := t.push(bytecode.BoolType)
	t.emit(&Instr{Op: OpConst, Dsts: []Temp{dst}, Value: uint256.NewInt(v)})
	return nil
}

func (t *translator) ldInt(in bytecode.Instruction) error {
	val := in.Const
	if val == nil {
		val = new(uint256.Int)
	}
	dst := t.push(in.ConstType())
	t.emit(&Instr{Op: OpConst, Dsts: []Temp{dst}, Value: new(uint256.Int).Set(val)})
	return nil
}

func (t *translator) ldAddr(in bytecode.Instruction) error {
	dst := t.push(bytecode.AddressType)
	t.emit(&Instr{Op: OpConst, Dsts: []Temp{dst}, Value: new(uint256.Int).SetBytes(in.Address.Bytes())})
	return nil
}

func (t *translator) loadLocal(in bytecode.Instruction) error {
	l, err := t.local(in)
	if err != nil {
		return err
	}
	dst := t.push(t.typeOf(l))
	t.emit(&Instr{Op: OpAssign, Dsts: []Temp{dst}, Srcs: []Temp{l}, Move: in.Op == bytecode.OpMoveLoc})
	return nil
}

func (t *translator) storeLocal(in bytecode.Instruction) error {
	l, err := t.local(in)
	if err != nil {
		return err
	}
	v, err := t.pop()
	if err != nil {
		return err
	}
	if err := t.expectType(v, t.typeOf(l)); err != nil {
		return err
	}
	t.emit(&Instr{Op: OpAssign, Dsts: []Temp{l}, Srcs: []Temp{v}})
	return nil
}

func (t *translator) branchCond(in bytecode.Instruction) error {
	c, err := t.pop()
	if err != nil {
		return err
	}
	if err := t.expectType(c, bytecode.BoolType); err != nil {
		return err
	}
	t.cur.Term = Terminator{Kind: TermBranch, Cond: c, Range: in.Range}
	return nil
}

func (t *translator) jump(in bytecode.Instruction) error {
	t.cur.Term = Terminator{Kind: TermJump, Range: in.Range}
	return nil
}

func (t *translator) ret(in bytecode.Instruction) error {
	vals, err := t.popN(len(t.def.Returns))
	if err != nil {
		return err
	}
	for i, v := range vals {
		if err := t.expectType(v, t.def.Returns[i]); err != nil {
			return err
		}
	}
	if len(t.stack) != 0 {
		return t.unsupported(t.pc, "%d values left on the stack at return", len(t.stack))
	}
	t.cur.Term = Terminator{Kind: TermReturn, Values: vals, Range: in.Range}
	return nil
}

func (t *translator) abort(in bytecode.Instruction) error {
	code, err := t.pop()
	if err != nil {
		return err
	}
	if err := t.expectType(code, bytecode.U64Type); err != nil {
		return err
	}
	t.cur.Term = Terminator{Kind: TermAbort, Code: code, Range: in.Range}
	return nil
}

func (t *translator) binary(op Op, check func(l, r bytecode.Type) (bytecode.Type, bool)) error {
	ops, err := t.popN(2)
	if err != nil {
		return err
	}
	lt, rt := t.typeOf(ops[0]), t.typeOf(ops[1])
	res, ok := check(lt, rt)
	if !ok {
		return t.unsupported(t.pc, "invalid operand types %s and %s for %s", lt, rt, op)
	}
	dst := t.push(res)
	t.emit(&Instr{Op: op, Dsts: []Temp{dst}, Srcs: ops})
	return nil
}

func arith(op Op) func(*translator, bytecode.Instruction) error {
	return func(t *translator, _ bytecode.Instruction) error {
		return t.binary(op, func(l, r bytecode.Type) (bytecode.Type, bool) {
			return l, l.IsInteger() && l.Equal(r)
		})
	}
}

func shift(op Op) func(*translator, bytecode.Instruction) error {
	return func(t *translator, _ bytecode.Instruction) error {
		return t.binary(op, func(l, r bytecode.Type) (bytecode.Type, bool) {
			return l, l.IsInteger() && r.Equal(bytecode.U8Type)
		})
	}
}

func logical(op Op) func(*translator, bytecode.Instruction) error {
	return func(t *translator, _ bytecode.Instruction) error {
		return t.binary(op, func(l, r bytecode.Type) (bytecode.Type, bool) {
			return bytecode.BoolType, l.Equal(bytecode.BoolType) && r.Equal(bytecode.BoolType)
		})
	}
}

func equality(op Op) func(*translator, bytecode.Instruction) error {
	return func(t *translator, _ bytecode.Instruction) error {
		return t.binary(op, func(l, r bytecode.Type) (bytecode.Type, bool) {
			return bytecode.BoolType, l.Equal(r) && !l.IsReference()
		})
	}
}

func compare(op Op) func(*translator, bytecode.Instruction) error {
	return func(t *translator, _ bytecode.Instruction) error {
		return t.binary(op, func(l, r bytecode.Type) (bytecode.Type, bool) {
			return bytecode.BoolType, l.IsInteger() && l.Equal(r)
		})
	}
}

func cast(op Op, to bytecode.Type) func(*translator, bytecode.Instruction) error {
	return func(t *translator, _ bytecode.Instruction) error {
		v, err := t.pop()
		if err != nil {
			return err
		}
		if !t.typeOf(v).IsInteger() {
			return t.unsupported(t.pc, "cannot cast %s", t.typeOf(v))
		}
		dst := t.push(to)
		t.emit(&Instr{Op: op, Dsts: []Temp{dst}, Srcs: []Temp{v}})
		return nil
	}
}

func (t *translator) not(bytecode.Instruction) error {
	v, err := t.pop()
	if err != nil {
		return err
	}
	if err := t.expectType(v, bytecode.BoolType); err != nil {
		return err
	}
	dst := t.push(bytecode.BoolType)
	t.emit(&Instr{Op: OpNot, Dsts: []Temp{dst}, Srcs: []Temp{v}})
	return nil
}

func (t *translator) borrowLoc(in bytecode.Instruction) error {
	l, err := t.local(in)
	if err != nil {
		return err
	}
	if t.typeOf(l).IsReference() {
		return t.unsupported(t.pc, "cannot borrow reference-typed local")
	}
	mut := in.Op == bytecode.OpMutBorrowLoc
	dst := t.push(bytecode.RefType(t.typeOf(l), mut))
	t.emit(&Instr{Op: OpBorrowLoc, Dsts: []Temp{dst}, Srcs: []Temp{l}, Mutable: mut})
	return nil
}

func (t *translator) borrowField(in bytecode.Instruction) error {
	r, err := t.pop()
	if err != nil {
		return err
	}
	def, err := t.structDef(in.Struct)
	if err != nil {
		return err
	}
	rt := t.typeOf(r)
	mut := in.Op == bytecode.OpMutBorrowField
	if !rt.IsReference() || !rt.Deref().Equal(bytecode.StructType(in.Struct)) {
		return t.unsupported(t.pc, "field borrow needs a reference to %s, got %s", in.Struct, rt)
	}
	if mut && !rt.Mutable {
		return t.unsupported(t.pc, "mutable field borrow through immutable reference")
	}
	idx := def.FieldIndex(in.Field)
	if idx < 0 {
		return t.unsupported(t.pc, "struct %s has no field %s", in.Struct, in.Field)
	}
	dst := t.push(bytecode.RefType(def.Fields[idx].Type, mut))
	t.emit(&Instr{Op: OpBorrowField, Dsts: []Temp{dst}, Srcs: []Temp{r}, Mutable: mut, Struct: in.Struct, Field: idx})
	return nil
}

func (t *translator) readRef(bytecode.Instruction) error {
	r, err := t.pop()
	if err != nil {
		return err
	}
	if !t.typeOf(r).IsReference() {
		return t.unsupported(t.pc, "read_ref on non-reference %s", t.typeOf(r))
	}
	dst := t.push(t.typeOf(r).Deref())
	t.emit(&Instr{Op: OpReadRef, Dsts: []Temp{dst}, Srcs: []Temp{r}})
	return nil
}

func (t *translator) writeRef(bytecode.Instruction) error {
	r, err := t.pop()
	if err != nil {
		return err
	}
	v, err := t.pop()
	if err != nil {
		return err
	}
	if !t.typeOf(r).IsMutableReference() {
		return t.unsupported(t.pc, "write_ref needs a mutable reference, got %s", t.typeOf(r))
	}
	if err := t.expectType(v, t.typeOf(r).Deref()); err != nil {
		return err
	}
	t.emit(&Instr{Op: OpWriteRef, Srcs: []Temp{r, v}})
	return nil
}

func (t *translator) freezeRef(bytecode.Instruction) error {
	r, err := t.pop()
	if err != nil {
		return err
	}
	if !t.typeOf(r).IsMutableReference() {
		return t.unsupported(t.pc, "freeze_ref needs a mutable reference, got %s", t.typeOf(r))
	}
	dst := t.push(bytecode.RefType(t.typeOf(r).Deref(), false))
	t.emit(&Instr{Op: OpFreezeRef, Dsts: []Temp{dst}, Srcs: []Temp{r}})
	return nil
}

func (t *translator) pack(in bytecode.Instruction) error {
	def, err := t.structDef(in.Struct)
	if err != nil {
		return err
	}
	fields, err := t.popN(len(def.Fields))
	if err != nil {
		return err
	}
	for i, f := range fields {
		if err := t.expectType(f, def.Fields[i].Type); err != nil {
			return err
		}
	}
	dst := t.push(bytecode.StructType(in.Struct))
	t.emit(&Instr{Op: OpPack, Dsts: []Temp{dst}, Srcs: fields, Struct: in.Struct})
	return nil
}

func (t *translator) unpack(in bytecode.Instruction) error {
	def, err := t.structDef(in.Struct)
	if err != nil {
		return err
	}
	v, err := t.pop()
	if err != nil {
		return err
	}
	if err := t.expectType(v, bytecode.StructType(in.Struct)); err != nil {
		return err
	}
	dsts := make([]Temp, len(def.Fields))
	for i, f := range def.Fields {
		dsts[i] = t.push(f.Type)
	}
	t.emit(&Instr{Op: OpUnpack, Dsts: dsts, Srcs: []Temp{v}, Struct: in.Struct})
	return nil
}

func (t *translator) popAddress() (Temp, error) {
	a, err := t.pop()
	if err != nil {
		return 0, err
	}
	return a, t.expectType(a, bytecode.AddressType)
}

func (t *translator) exists(in bytecode.Instruction) error {
	if _, err := t.resource(in.Struct); err != nil {
		return err
	}
	a, err := t.popAddress()
	if err != nil {
		return err
	}
	dst := t.push(bytecode.BoolType)
	t.emit(&Instr{Op: OpExists, Dsts: []Temp{dst}, Srcs: []Temp{a}, Struct: in.Struct})
	return nil
}

func (t *translator) borrowGlobal(in bytecode.Instruction) error {
	if _, err := t.resource(in.Struct); err != nil {
		return err
	}
	a, err := t.popAddress()
	if err != nil {
		return err
	}
	mut := in.Op == bytecode.OpMutBorrowGlobal
	dst := t.push(bytecode.RefType(bytecode.StructType(in.Struct), mut))
	t.emit(&Instr{Op: OpBorrowGlobal, Dsts: []Temp{dst}, Srcs: []Temp{a}, Mutable: mut, Struct: in.Struct})
	return nil
}

func (t *translator) moveFrom(in bytecode.Instruction) error {
	if _, err := t.resource(in.Struct); err != nil {
		return err
	}
	a, err := t.popAddress()
	if err != nil {
		return err
	}
	dst := t.push(bytecode.StructType(in.Struct))
	t.emit(&Instr{Op: OpMoveFrom, Dsts: []Temp{dst}, Srcs: []Temp{a}, Struct: in.Struct})
	return nil
}

func (t *translator) moveTo(in bytecode.Instruction) error {
	if _, err := t.resource(in.Struct); err != nil {
		return err
	}
	ops, err := t.popN(2)
	if err != nil {
		return err
	}
	if st := t.typeOf(ops[0]).Deref(); !st.Equal(bytecode.SignerType) {
		return t.unsupported(t.pc, "move_to needs a signer, got %s", t.typeOf(ops[0]))
	}
	if err := t.expectType(ops[1], bytecode.StructType(in.Struct)); err != nil {
		return err
	}
	t.emit(&Instr{Op: OpMoveTo, Srcs: ops, Struct: in.Struct})
	return nil
}

func (t *translator) call(in bytecode.Instruction) error {
	callee := t.prog.Function(in.Function)
	if callee == nil {
		return t.unsupported(t.pc, "unresolved function %s", in.Function)
	}
	args, err := t.popN(len(callee.Params))
	if err != nil {
		return err
	}
	for i, a := range args {
		if err := t.expectType(a, callee.Params[i].Type); err != nil {
			return err
		}
	}
	dsts := make([]Temp, len(callee.Returns))
	for i, r := range callee.Returns {
		dsts[i] = t.push(r)
	}
	t.emit(&Instr{Op: OpCall, Dsts: dsts, Srcs: args, Func: in.Function})
	return nil
}
