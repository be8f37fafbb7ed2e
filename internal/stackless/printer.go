package stackless

import (
	"fmt"
	"io"
	"strings"
)

// Print writes a stable textual dump of fn.
//
//	fun 0x1::M::f(x: u64): u64
//	B0 [top] pc=0 preds=[B2]
//	  t3 := merge B0:t1, B2:t5
//	  t4 := add t3, x
//	  branch t4 ? B1 : B2
func Print(w io.Writer, fn *Function) {
	fmt.Fprintf(w, "fun %s(", fn.Def.Ref)
	for i := 0; i < fn.NumParams; i++ {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}
		fmt.Fprintf(w, "%s: %s", fn.TempName(Temp(i)), fn.Temps[i])
	}
	fmt.Fprint(w, ")")
	if rs := fn.Def.Returns; len(rs) > 0 {
		parts := make([]string, len(rs))
		for i, r := range rs {
			parts[i] = r.String()
		}
		fmt.Fprintf(w, ": %s", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)

	for i := fn.NumLocals; i < len(fn.Temps); i++ {
		if i == fn.NumLocals {
			fmt.Fprint(w, "temps:")
		}
		fmt.Fprintf(w, " t%d:%s", i, fn.Temps[i])
		if i == len(fn.Temps)-1 {
			fmt.Fprintln(w)
		}
	}
	for _, b := range fn.Blocks {
		printBlock(w, fn, b)
	}
	for _, l := range fn.Loops {
		fmt.Fprintf(w, "loop B%d body=%s latches=%s\n", l.Header, blockList(l.Body), blockList(l.Latches))
	}
}

// String returns the Print output of fn.
func String(fn *Function) string {
	var sb strings.Builder
	Print(&sb, fn)
	return sb.String()
}

func printBlock(w io.Writer, fn *Function, b *Block) {
	fmt.Fprintf(w, "B%d", b.ID)
	switch b.Kind {
	case BlockReturn:
		fmt.Fprint(w, " return-exit")
	case BlockAbort:
		fmt.Fprint(w, " abort-exit")
	}
	if b.Label != "" {
		fmt.Fprintf(w, " [%s]", b.Label)
	}
	if b.PC >= 0 {
		fmt.Fprintf(w, " pc=%d", b.PC)
	}
	if len(b.Chain) > 0 {
		fmt.Fprintf(w, " inlined=%s", b.Chain[len(b.Chain)-1])
	}
	fmt.Fprintf(w, " preds=%s\n", blockList(b.Preds))

	for _, in := range b.Instrs {
		fmt.Fprintf(w, "  %s\n", FormatInstr(fn, in))
	}
	if b.IsExit() {
		return
	}
	fmt.Fprintf(w, "  %s\n", formatTerm(fn, b))
}

// FormatInstr renders one instruction.
func FormatInstr(fn *Function, in *Instr) string {
	var sb strings.Builder
	if len(in.Dsts) > 0 {
		sb.WriteString(tempList(fn, in.Dsts))
		sb.WriteString(" := ")
	}
	sb.WriteString(in.Op.String())
	switch in.Op {
	case OpConst:
		fmt.Fprintf(&sb, " %s", in.Value.Dec())
		return sb.String()
	case OpMerge:
		parts := make([]string, len(in.Srcs))
		for i, s := range in.Srcs {
			parts[i] = fmt.Sprintf("B%d:%s", in.From[i], fn.TempName(s))
		}
		sb.WriteString(" " + strings.Join(parts, ", "))
		return sb.String()
	case OpAssign:
		if in.Move {
			sb.WriteString("[move]")
		}
	case OpBorrowLoc, OpBorrowField, OpBorrowGlobal:
		if in.Mutable {
			sb.WriteString("[mut]")
		}
	}
	switch in.Op {
	case OpBorrowField, OpBorrowGlobal, OpPack, OpUnpack, OpExists, OpMoveFrom, OpMoveTo:
		fmt.Fprintf(&sb, "<%s>", in.Struct.Name)
	case OpCall:
		fmt.Fprintf(&sb, " %s", in.Func)
	}
	if len(in.Srcs) > 0 {
		sb.WriteString(" " + tempList(fn, in.Srcs))
	}
	if in.Op == OpBorrowField {
		fmt.Fprintf(&sb, ".#%d", in.Field)
	}
	return sb.String()
}

func formatTerm(fn *Function, b *Block) string {
	switch b.Term.Kind {
	case TermBranch:
		return fmt.Sprintf("branch %s ? B%d : B%d", fn.TempName(b.Term.Cond), b.Succs[0].To, b.Succs[1].To)
	case TermReturn:
		return "return " + tempList(fn, b.Term.Values)
	case TermAbort:
		return "abort " + fn.TempName(b.Term.Code)
	}
	if len(b.Succs) == 0 {
		return "jump ?"
	}
	return fmt.Sprintf("jump B%d", b.Succs[0].To)
}

func tempList(fn *Function, ts []Temp) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = fn.TempName(t)
	}
	return strings.Join(parts, ", ")
}

func blockList(ids []BlockID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("B%d", id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
