package debug

import (
	"fmt"
	"strings"

	"github.com/mpyw/resprove/internal/dataflow"
	"github.com/mpyw/resprove/internal/stackless"
)

// FormatBorrows renders the borrow graph of a function together with the
// write effects and loop effects derived from it.
func FormatBorrows(res *dataflow.Result) string {
	fn := res.Fn
	g := res.Borrows
	var buf strings.Builder

	fmt.Fprintf(&buf, "Nodes:\n")
	for _, n := range g.Nodes {
		fmt.Fprintf(&buf, "  n%d %s", n.ID, g.Describe(n.ID))
		if n.Parent >= 0 {
			fmt.Fprintf(&buf, " <- n%d", n.Parent)
		}
		fmt.Fprintf(&buf, "  (def d%d)\n", n.Def)
	}

	if len(res.Writes) > 0 {
		fmt.Fprintf(&buf, "\nWrites:\n")
		for _, w := range res.Writes {
			fmt.Fprintf(&buf, "  B%d:%d through %s %s\n", w.Point.Block, w.Point.Index, fn.TempName(w.Ref), nodeList(w.Nodes))
			for i, a := range w.Aliases {
				branch := "├─"
				if i == len(w.Aliases)-1 {
					branch = "└─"
				}
				fmt.Fprintf(&buf, "       %s alias %s %s\n", branch, fn.TempName(a.Temp), nodeList(a.Nodes))
			}
		}
	}

	if len(fn.Loops) > 0 {
		fmt.Fprintf(&buf, "\nLoops:\n")
		for _, l := range fn.Loops {
			e := res.Loop(l.Header)
			if e == nil {
				continue
			}
			fmt.Fprintf(&buf, "  header B%d\n", l.Header)
			fmt.Fprintf(&buf, "       ├─ temps: %s\n", tempNames(fn, e.Temps))
			fmt.Fprintf(&buf, "       ├─ params: %s\n", tempNames(fn, e.Params))
			fmt.Fprintf(&buf, "       ├─ refs: %s\n", tempNames(fn, e.Refs))
			structs := make([]string, len(e.Structs))
			for i, s := range e.Structs {
				structs[i] = s.Name
			}
			fmt.Fprintf(&buf, "       └─ storage: %s", orNone(strings.Join(structs, ", ")))
			if e.Unknown {
				fmt.Fprintf(&buf, " + unknown references")
			}
			fmt.Fprintf(&buf, "\n")
		}
	}
	return buf.String()
}

func nodeList(ids []dataflow.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("n%d", id)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func tempNames(fn *stackless.Function, ts []stackless.Temp) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = fn.TempName(t)
	}
	return orNone(strings.Join(parts, ", "))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
