package debug

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/dataflow"
	"github.com/mpyw/resprove/internal/instrument"
	"github.com/mpyw/resprove/internal/solver"
	"github.com/mpyw/resprove/internal/stackless"
	"github.com/mpyw/resprove/internal/vc"
)

const src = `module 0x1::Dbg

fun alias(): u64 {
    local x: u64
    local r1: &u64
    local r2: &mut u64
    ld_u64 1
    st_loc x
    imm_borrow_loc x
    st_loc r1
    mut_borrow_loc x
    st_loc r2
    ld_u64 5
    move_loc r2
    write_ref
    move_loc r1
    read_ref
    ret
}
`

// =============================================================================
// Collector
// =============================================================================

func TestCollector_Filter(t *testing.T) {
	c := NewCollector(regexp.MustCompile(`::Bank::`))
	calls := 0
	render := func() string { calls++; return "text" }

	c.Record("0x1::Bank::deposit", StageStackless, "", render)
	c.Record("0x1::Other::f", StageStackless, "", render)

	if calls != 1 {
		t.Errorf("render called %d times, want 1", calls)
	}
	if got := c.Functions(); len(got) != 1 || got[0] != "0x1::Bank::deposit" {
		t.Errorf("Functions = %v", got)
	}
}

func TestCollector_Disabled(t *testing.T) {
	for _, c := range []*Collector{nil, NewCollector(nil)} {
		c.Record("f", StageQuery, "", func() string {
			t.Error("render called on a disabled collector")
			return ""
		})
		if c.Enabled("f") || len(c.Functions()) != 0 {
			t.Error("disabled collector keeps dumps")
		}
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector(regexp.MustCompile(`.`))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record("f", StageQuery, "", func() string { return "q" })
		}()
	}
	wg.Wait()
	if n := len(c.Dumps("f")); n != 8 {
		t.Errorf("dumps = %d, want 8", n)
	}
}

// =============================================================================
// Formatting
// =============================================================================

func TestWrite(t *testing.T) {
	c := NewCollector(regexp.MustCompile(`.`))
	c.Record("b", StageQuery, "#1-of-2", func() string { return "(check-sat)" })
	c.Record("a", StageStackless, "", func() string { return "B0:\n" })

	var buf bytes.Buffer
	if err := Write(&buf, c); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	a := strings.Index(out, "=== Debug output for a ===")
	b := strings.Index(out, "=== Debug output for b ===")
	if a < 0 || b < 0 || a > b {
		t.Errorf("functions missing or unsorted:\n%s", out)
	}
	if !strings.Contains(out, "--- query #1-of-2 ---\n(check-sat)\n") {
		t.Errorf("query section malformed:\n%s", out)
	}
}

func TestFormatBorrows(t *testing.T) {
	m, _, err := bytecode.Parse("dbg.mvasm", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := bytecode.NewProgram(m)
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	fn, err := stackless.Translate(prog, m.Function("alias"))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	res, err := dataflow.Analyze(fn, dataflow.Summarize(prog, nil))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	out := FormatBorrows(res)
	for _, want := range []string{"Nodes:", "&mut local x", "&local x", "Writes:", "alias r1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q\n%s", want, out)
		}
	}
}

func TestFormatResult(t *testing.T) {
	a0 := &instrument.Assertion{ID: 0, Kind: instrument.KindUndeclaredAbort, Message: "addition overflow"}
	a1 := &instrument.Assertion{ID: 1, Kind: instrument.KindEnsures, Message: "post-condition may not hold"}
	q := &vc.Query{
		Function: bytecode.FunctionRef{Name: "f"},
		Parts:    1,
		Checks:   []vc.Check{{Var: "fail!0", Assertion: a0}, {Var: "fail!1", Assertion: a1}},
		Inputs:   []vc.Input{{Name: "a", Symbol: "a@0"}, {Name: "b", Symbol: "b@0"}},
	}
	res := &solver.Result{
		Status:   solver.StatusInvalid,
		Attempts: 1,
		Model:    &solver.Model{Values: map[string]string{"fail!0": "true", "fail!1": "false", "a@0": "18446744073709551615"}},
	}

	out := FormatResult(q, res)
	if !strings.Contains(out, "1. fail!0 #0 undeclared-abort") || strings.Contains(out, "fail!1 #1") {
		t.Errorf("failed list wrong:\n%s", out)
	}
	if !strings.Contains(out, "a = 18446744073709551615") || !strings.Contains(out, "b = (no value)") {
		t.Errorf("inputs wrong:\n%s", out)
	}

	if out := FormatResult(q, nil); !strings.Contains(out, "not solved") {
		t.Errorf("nil result: %s", out)
	}
}
