package stackless

import (
	"errors"
	"testing"

	"github.com/mpyw/resprove/internal/bytecode"
)

// graph builds a function with n blocks and the given edges.
func graph(n int, edges ...[2]BlockID) *Function {
	fn := &Function{}
	for i := 0; i < n; i++ {
		fn.Blocks = append(fn.Blocks, &Block{ID: BlockID(i)})
	}
	for _, e := range edges {
		b := fn.Blocks[e[0]]
		b.Succs = append(b.Succs, Edge{From: e[0], To: e[1], Kind: EdgeJump})
	}
	return fn
}

// =============================================================================
// Analyzer Tests
// =============================================================================

func TestAnalyzer_CanReach_SameBlock(t *testing.T) {
	a := NewAnalyzer()
	fn := graph(1)

	// Same block should be reachable
	if !a.CanReach(fn, 0, 0) {
		t.Error("CanReach(B0, B0) should return true")
	}
}

func TestAnalyzer_CanReach_WithSuccessors(t *testing.T) {
	a := NewAnalyzer()

	// Create a chain: B0 -> B1 -> B2
	fn := graph(3, [2]BlockID{0, 1}, [2]BlockID{1, 2})

	if !a.CanReach(fn, 0, 2) {
		t.Error("B0 should reach B2")
	}
	if a.CanReach(fn, 2, 0) {
		t.Error("B2 should not reach B0")
	}
	if !a.CanReach(fn, 0, 1) {
		t.Error("B0 should reach B1")
	}
}

func TestAnalyzer_CanReach_Unreachable(t *testing.T) {
	a := NewAnalyzer()
	fn := graph(2)

	if a.CanReach(fn, 0, 1) {
		t.Error("Disconnected blocks should not be reachable")
	}
}

func TestAnalyzer_DetectLoops_NoLoop(t *testing.T) {
	fn := graph(3, [2]BlockID{0, 1}, [2]BlockID{1, 2})
	info := finalize(fn)

	if len(info.Loops) != 0 {
		t.Errorf("loops = %d, want 0", len(info.Loops))
	}
	for _, b := range fn.Blocks {
		if info.IsInLoop(b.ID) {
			t.Errorf("B%d should not be in loop", b.ID)
		}
	}
}

func TestAnalyzer_DetectLoops_Nested(t *testing.T) {
	// B0 -> B1 -> B2 -> B3 -> B2, B3 -> B1, B1 -> B4
	fn := graph(5,
		[2]BlockID{0, 1},
		[2]BlockID{1, 2},
		[2]BlockID{1, 4},
		[2]BlockID{2, 3},
		[2]BlockID{3, 2},
		[2]BlockID{3, 1},
	)
	info := finalize(fn)

	if len(info.Loops) != 2 {
		t.Fatalf("loops = %d, want 2", len(info.Loops))
	}
	outer, inner := info.Loops[0], info.Loops[1]
	if outer.Header != 1 || len(outer.Body) != 3 {
		t.Errorf("outer loop = %+v", outer)
	}
	if inner.Header != 2 || len(inner.Body) != 2 || !inner.Contains(3) {
		t.Errorf("inner loop = %+v", inner)
	}
	if !info.IsBackEdge(3, 1) || !info.IsBackEdge(3, 2) || info.IsBackEdge(1, 2) {
		t.Error("back edges misclassified")
	}
	if info.IsInLoop(4) || info.IsInLoop(0) {
		t.Error("B0 and B4 are outside every loop")
	}
	if _, ok := NewAnalyzer().IsReducible(fn, info); !ok {
		t.Error("nested natural loops are reducible")
	}
	if fn.LoopAt(2) != inner || fn.LoopAt(3) != nil {
		t.Error("LoopAt should find loops by header only")
	}
}

func TestAnalyzer_IsReducible_TwoEntries(t *testing.T) {
	// B0 -> B1, B0 -> B2, B1 <-> B2
	fn := graph(3,
		[2]BlockID{0, 1},
		[2]BlockID{0, 2},
		[2]BlockID{1, 2},
		[2]BlockID{2, 1},
	)
	info := finalize(fn)
	if _, ok := NewAnalyzer().IsReducible(fn, info); ok {
		t.Error("a cycle with two entries is irreducible")
	}
}

func TestAnalyzer_ReversePostorder(t *testing.T) {
	fn := graph(4, [2]BlockID{0, 2}, [2]BlockID{0, 1}, [2]BlockID{1, 3}, [2]BlockID{2, 3})
	got := NewAnalyzer().ReversePostorder(fn)
	want := []BlockID{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("rpo = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rpo = %v, want %v", got, want)
		}
	}
}

// =============================================================================
// Inline Tests
// =============================================================================

const callsSrc = `module 0x1::Calls

fun helper(x: u64): u64 {
    copy_loc x
    ld_u64 1
    add
    ret
}

fun caller(y: u64): u64 {
    copy_loc y
    call helper
    ret
}

fun self_rec(y: u64): u64 {
    copy_loc y
    call self_rec
    ret
}
`

func TestInline_Splice(t *testing.T) {
	prog := loadProgram(t, callsSrc)
	caller := mustTranslate(t, prog, "caller")
	helper := mustTranslate(t, prog, "helper")

	sites := CallSites(caller)
	if len(sites) != 1 {
		t.Fatalf("call sites = %v, want 1", sites)
	}
	out, err := Inline(caller, sites[0], helper, 4)
	if err != nil {
		t.Fatalf("Inline: %v", err)
	}

	for _, b := range out.Blocks {
		for _, in := range b.Instrs {
			if in.Op == OpCall {
				t.Errorf("call left in B%d", b.ID)
			}
		}
	}
	if len(out.Blocks) != 5 || out.ReturnExit != 3 || out.AbortExit != 4 {
		t.Fatalf("blocks = %d exits = %d/%d\n%s", len(out.Blocks), out.ReturnExit, out.AbortExit, String(out))
	}
	if len(out.Inlined) != 1 || out.Inlined[0].Name != "helper" {
		t.Errorf("Inlined = %v", out.Inlined)
	}
	body := out.Blocks[2]
	if len(body.Chain) != 1 || body.Chain[0].Name != "helper" {
		t.Errorf("inlined block chain = %v", body.Chain)
	}
	if body.Term.Kind != TermJump || body.Succs[0].To != 1 {
		t.Errorf("inlined return should jump to the continuation, got %+v", body.Succs)
	}
	last := body.Instrs[len(body.Instrs)-1]
	if last.Op != OpAssign || last.Dst() != 2 {
		t.Errorf("result assignment = %s", FormatInstr(out, last))
	}
	if len(out.Temps) != len(caller.Temps)+len(helper.Temps) {
		t.Errorf("temps = %d", len(out.Temps))
	}
	if cont := out.Blocks[1]; cont.Term.Kind != TermReturn || cont.Succs[0].To != out.ReturnExit {
		t.Errorf("continuation = %+v", cont)
	}

	// inputs untouched
	if len(caller.Blocks) != 3 || caller.Blocks[0].Instrs[1].Op != OpCall {
		t.Error("caller was modified")
	}
}

func TestInline_Recursion(t *testing.T) {
	prog := loadProgram(t, callsSrc)
	fn := mustTranslate(t, prog, "self_rec")
	_, err := Inline(fn, CallSites(fn)[0], fn, 4)

	var ue *UnsupportedBytecodeError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UnsupportedBytecodeError", err)
	}
	if ue.Op != bytecode.OpCall || ue.PC != 1 {
		t.Errorf("error at %s pc %d", ue.Op, ue.PC)
	}
}

func TestInline_Depth(t *testing.T) {
	prog := loadProgram(t, callsSrc)
	caller := mustTranslate(t, prog, "caller")
	helper := mustTranslate(t, prog, "helper")
	if _, err := Inline(caller, CallSites(caller)[0], helper, 0); err == nil {
		t.Error("depth 0 should refuse to inline")
	}
}
