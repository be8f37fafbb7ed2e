package debug

import (
	"fmt"
	"strings"

	"github.com/mpyw/resprove/internal/solver"
	"github.com/mpyw/resprove/internal/vc"
)

// FormatResult renders a solver result. For an invalid query it lists the
// failed assertions and the entry values of the counterexample.
func FormatResult(q *vc.Query, res *solver.Result) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Query: %s (%s)\n", q.Name(), q.Fingerprint.Hex())
	if res == nil {
		fmt.Fprintf(&buf, "  Status: not solved\n")
		return buf.String()
	}
	fmt.Fprintf(&buf, "  Status: %s after %d attempt(s) in %s\n", res.Status, res.Attempts, res.Elapsed)
	if res.Err != nil {
		fmt.Fprintf(&buf, "    └─ %v\n", res.Err)
	}
	if res.Status != solver.StatusInvalid {
		return buf.String()
	}

	fmt.Fprintf(&buf, "\n  Failed:\n")
	n := 0
	for _, c := range q.Checks {
		if !res.Model.True(c.Var) {
			continue
		}
		n++
		fmt.Fprintf(&buf, "    %d. %s #%d %s\n", n, c.Var, c.Assertion.ID, c.Assertion.Kind)
		fmt.Fprintf(&buf, "       └─ %s\n", c.Assertion.Message)
	}
	if len(q.Inputs) > 0 {
		fmt.Fprintf(&buf, "\n  Inputs:\n")
		for _, in := range q.Inputs {
			v, ok := res.Model.Value(in.Symbol)
			if !ok {
				v = "(no value)"
			}
			fmt.Fprintf(&buf, "    %s = %s\n", in.Name, v)
		}
	}
	return buf.String()
}
