package stackless

import (
	"errors"
	"strings"
	"testing"

	"github.com/mpyw/resprove/internal/bytecode"
)

const flowSrc = `module 0x1::Flow
struct Coin has key { value: u64 }

fun max(a: u64, b: u64): u64 {
    copy_loc a
    copy_loc b
    gt
    br_true take_a
    copy_loc b
    branch done
take_a:
    copy_loc a
done:
    ret
}

fun sum(n: u64): u64 {
    local i: u64
    local s: u64
    ld_u64 0
    st_loc i
    ld_u64 0
    st_loc s
head:
    copy_loc i
    copy_loc n
    lt
    br_false exit
    copy_loc s
    copy_loc i
    add
    st_loc s
    copy_loc i
    ld_u64 1
    add
    st_loc i
    branch head
exit:
    copy_loc s
    ret
}

fun bump(addr: address) {
    local r: &mut Coin
    copy_loc addr
    mut_borrow_global Coin
    st_loc r
    ld_u64 5
    move_loc r
    mut_borrow_field Coin.value
    write_ref
    ret
}

fun underflow(): u64 {
    add
    ret
}

fun falls_off(x: u64) {
    copy_loc x
    pop
}

fun vectors(): u64 {
    vec_len
    ret
}

fun heights(c: bool): u64 {
    copy_loc c
    br_true skip
    ld_u64 1
skip:
    ld_u64 2
    ret
}

fun leftover(): u64 {
    ld_u64 1
    ld_u64 2
    ret
}

fun irreducible(c: bool) {
    copy_loc c
    br_true b
a:
    copy_loc c
    br_true b
    ret
b:
    copy_loc c
    br_true a
    ret
}
`

func loadProgram(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	m, _, err := bytecode.Parse("test.mvasm", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := bytecode.NewProgram(m)
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	return prog
}

func translateFn(t *testing.T, prog *bytecode.Program, name string) (*Function, error) {
	t.Helper()
	def := prog.Modules[0].Function(name)
	if def == nil {
		t.Fatalf("function %s not found", name)
	}
	return Translate(prog, def)
}

func mustTranslate(t *testing.T, prog *bytecode.Program, name string) *Function {
	t.Helper()
	fn, err := translateFn(t, prog, name)
	if err != nil {
		t.Fatalf("Translate(%s): %v", name, err)
	}
	return fn
}

// =============================================================================
// Rule Table Tests
// =============================================================================

func TestRules_Total(t *testing.T) {
	for op := bytecode.Opcode(0); op < bytecode.NumOpcodes; op++ {
		if rules[op].apply == nil {
			t.Errorf("opcode %s has no rule entry", op)
		}
	}
	unsupported := []bytecode.Opcode{
		bytecode.OpVecPack, bytecode.OpVecLen, bytecode.OpVecImmBorrow, bytecode.OpVecMutBorrow,
		bytecode.OpVecPushBack, bytecode.OpVecPopBack, bytecode.OpCallGeneric,
	}
	for _, op := range unsupported {
		if HasRule(op) {
			t.Errorf("HasRule(%s) = true, want false", op)
		}
	}
	if !HasRule(bytecode.OpWriteRef) {
		t.Error("HasRule(write_ref) = false")
	}
}

// =============================================================================
// Translation Tests
// =============================================================================

func TestTranslate_JoinMerge(t *testing.T) {
	prog := loadProgram(t, flowSrc)
	fn := mustTranslate(t, prog, "max")

	// B0 entry, B1 else, B2 take_a, B3 done, B4/B5 exits
	if len(fn.Blocks) != 6 {
		t.Fatalf("blocks = %d, want 6\n%s", len(fn.Blocks), String(fn))
	}
	if fn.ReturnExit != 4 || fn.AbortExit != 5 {
		t.Errorf("exits = %d/%d, want 4/5", fn.ReturnExit, fn.AbortExit)
	}

	entry := fn.Blocks[0]
	if entry.Term.Kind != TermBranch {
		t.Fatalf("entry terminator = %v, want branch", entry.Term.Kind)
	}
	if entry.Succs[0].To != 2 || entry.Succs[0].Kind != EdgeBranchTrue {
		t.Errorf("true edge = %+v", entry.Succs[0])
	}
	if entry.Succs[1].To != 1 || entry.Succs[1].Kind != EdgeBranchFalse {
		t.Errorf("false edge = %+v", entry.Succs[1])
	}
	if fn.Blocks[2].Label != "take_a" {
		t.Errorf("B2 label = %q, want take_a", fn.Blocks[2].Label)
	}

	done := fn.Blocks[3]
	m := done.Instrs[0]
	if m.Op != OpMerge {
		t.Fatalf("done starts with %s, want merge", m.Op)
	}
	if len(m.Srcs) != 2 || m.Srcs[0] != 5 || m.Srcs[1] != 7 {
		t.Errorf("merge srcs = %v, want [5 7]", m.Srcs)
	}
	if len(m.From) != 2 || m.From[0] != 1 || m.From[1] != 2 {
		t.Errorf("merge from = %v, want [1 2]", m.From)
	}
	if done.Term.Kind != TermReturn || len(done.Term.Values) != 1 || done.Term.Values[0] != m.Dst() {
		t.Errorf("return = %+v, want merged temp %d", done.Term, m.Dst())
	}
	if done.Succs[0].To != fn.ReturnExit || done.Succs[0].Kind != EdgeReturn {
		t.Errorf("return edge = %+v", done.Succs[0])
	}
	if len(fn.Temps) != 8 {
		t.Errorf("temps = %d, want 8", len(fn.Temps))
	}
}

func TestTranslate_LoopMerges(t *testing.T) {
	prog := loadProgram(t, flowSrc)
	fn := mustTranslate(t, prog, "sum")

	if len(fn.Loops) != 1 {
		t.Fatalf("loops = %d, want 1\n%s", len(fn.Loops), String(fn))
	}
	l := fn.Loops[0]
	if l.Header != 1 {
		t.Errorf("header = B%d, want B1", l.Header)
	}
	if len(l.Body) != 2 || l.Body[0] != 1 || l.Body[1] != 3 {
		t.Errorf("body = %v, want [1 3]", l.Body)
	}
	if len(l.Latches) != 1 || l.Latches[0] != 3 {
		t.Errorf("latches = %v, want [3]", l.Latches)
	}

	header := fn.Blocks[1]
	if header.Label != "head" {
		t.Errorf("header label = %q", header.Label)
	}
	// i and s are assigned in the body; n is not
	for i, want := range []Temp{1, 2} {
		in := header.Instrs[i]
		if in.Op != OpMerge || in.Dst() != want {
			t.Fatalf("header instr %d = %s, want merge of %s", i, FormatInstr(fn, in), fn.TempName(want))
		}
		if len(in.From) != 2 || in.From[0] != 0 || in.From[1] != 3 {
			t.Errorf("merge from = %v, want [0 3]", in.From)
		}
		if in.Srcs[0] != want || in.Srcs[1] != want {
			t.Errorf("identity merge srcs = %v", in.Srcs)
		}
	}
	if header.Instrs[2].Op == OpMerge {
		t.Error("n should not be merged")
	}

	var back []Edge
	for _, e := range fn.Edges() {
		if e.Back {
			back = append(back, e)
		}
	}
	if len(back) != 1 || back[0].From != 3 || back[0].To != 1 {
		t.Errorf("back edges = %+v, want B3->B1", back)
	}
	if b, ok := fn.BlockByLabel("exit"); !ok || b.ID != 2 {
		t.Errorf("BlockByLabel(exit) = %v, %v", b, ok)
	}
}

func TestTranslate_References(t *testing.T) {
	prog := loadProgram(t, flowSrc)
	fn := mustTranslate(t, prog, "bump")

	want := []Op{OpAssign, OpBorrowGlobal, OpAssign, OpConst, OpAssign, OpBorrowField, OpWriteRef}
	instrs := fn.Blocks[0].Instrs
	if len(instrs) != len(want) {
		t.Fatalf("instrs = %d, want %d\n%s", len(instrs), len(want), String(fn))
	}
	for i, op := range want {
		if instrs[i].Op != op {
			t.Errorf("instr %d = %s, want %s", i, instrs[i].Op, op)
		}
	}
	if !instrs[1].Mutable || instrs[1].Struct.Name != "Coin" {
		t.Errorf("borrow_global = %+v", instrs[1])
	}
	if !instrs[4].Move {
		t.Error("move_loc should mark the assign as a move")
	}
	wr := instrs[6]
	if wr.Srcs[0] != 6 || wr.Srcs[1] != 4 {
		t.Errorf("write_ref srcs = %v, want [6 4]", wr.Srcs)
	}
	if got := fn.Type(6); !got.Equal(bytecode.RefType(bytecode.U64Type, true)) {
		t.Errorf("field ref type = %s, want &mut u64", got)
	}
	if instrs[5].PC != 5 || instrs[5].Range.IsZero() {
		t.Errorf("borrow_field pc=%d range=%v", instrs[5].PC, instrs[5].Range)
	}
}

func TestTranslate_Errors(t *testing.T) {
	prog := loadProgram(t, flowSrc)
	tests := []struct {
		name string
		pc   int
		msg  string
	}{
		{"underflow", 0, "operand stack underflow"},
		{"falls_off", 1, "falls off the end"},
		{"vectors", 0, "no stack-elimination rule for vec_len"},
		{"heights", 2, "inconsistent stack height"},
		{"leftover", 2, "left on the stack"},
		{"irreducible", 2, "irreducible control flow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := translateFn(t, prog, tt.name)
			var ue *UnsupportedBytecodeError
			if !errors.As(err, &ue) {
				t.Fatalf("error = %v, want UnsupportedBytecodeError", err)
			}
			if ue.PC != tt.pc {
				t.Errorf("pc = %d, want %d", ue.PC, tt.pc)
			}
			if !strings.Contains(ue.Msg, tt.msg) {
				t.Errorf("msg = %q, want %q", ue.Msg, tt.msg)
			}
			if ue.Function.Name != tt.name {
				t.Errorf("function = %s", ue.Function)
			}
		})
	}
}

func TestTranslate_Deterministic(t *testing.T) {
	prog := loadProgram(t, flowSrc)
	for _, name := range []string{"max", "sum", "bump"} {
		a := String(mustTranslate(t, prog, name))
		b := String(mustTranslate(t, prog, name))
		if a != b {
			t.Errorf("%s: translations differ:\n%s\n---\n%s", name, a, b)
		}
	}
}

func TestPrint_Max(t *testing.T) {
	prog := loadProgram(t, flowSrc)
	out := String(mustTranslate(t, prog, "max"))
	for _, want := range []string{
		"fun 0x1::Flow::max(a: u64, b: u64): u64",
		"t4 := gt t2, t3",
		"branch t4 ? B2 : B1",
		"t6 := merge B1:t5, B2:t7",
		"return t6",
		"B4 return-exit",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}
