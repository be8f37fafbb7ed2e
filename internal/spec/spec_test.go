package spec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mpyw/resprove/internal/bytecode"
)

const bankSrc = `module 0x1::Bank
struct Account has key { balance: u64, frozen: bool }
struct Range { lo: u64, hi: u64 }
spec struct Range invariant lo <= hi
spec struct Range invariant lo

public fun deposit(owner: address, amount: u64): u64 {
    local i: u64
    spec requires exists<Account>(owner)
    spec ensures result == old(global<Account>(owner).balance) + amount
    spec aborts_if !exists<Account>(owner)
    spec aborts_if global<Account>(owner).balance + amount > MAX_U64 with 3
    spec modifies global<Account>(owner)
    spec invariant at head: i <= amount
    spec pragma timeout = 5
head:
    ld_u64 0
    ret
}

fun bad(x: u64): u64 {
    spec requires old(x) == 1
    spec ensures result == x
    spec ensures y > 0
    spec modifies x
    spec pragma frobnicate
    ld_u64 1
    ret
}

fun uses_range(r: Range): u64 {
    ld_u64 0
    ret
}

fun pair(): (u64, bool) {
    spec ensures result_1 > 0 && result_2
    ld_u64 1
    ld_true
    ret
}

native fun opaque_one(x: u64): u64 { spec pragma opaque }
`

func bindBank(t *testing.T) (*Env, *bytecode.Program) {
	t.Helper()
	m, blocks, err := bytecode.Parse("bank.mvasm", []byte(bankSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := bytecode.NewProgram(m)
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	return Bind(prog, blocks), prog
}

func fref(prog *bytecode.Program, name string) bytecode.FunctionRef {
	return bytecode.FunctionRef{Module: prog.Modules[0].ID, Name: name}
}

// =============================================================================
// Lexer / Parser Tests
// =============================================================================

func TestLex(t *testing.T) {
	toks, err := Lex("a ==> b && !c.f <= 0x1f_ff @0xCAFE")
	if err != nil {
		t.Fatalf("Lex: %v", err)
	}
	want := []TokenKind{IDENT, IMPLIES, IDENT, ANDAND, NOT, IDENT, DOT, IDENT, LE, INT, ADDR, EOF}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(toks), len(want))
	}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Errorf("token %d = %s, want %s", i, toks[i].Kind, k)
		}
	}
}

func TestLex_BadCharacter(t *testing.T) {
	if _, err := Lex("a $ b"); err == nil {
		t.Error("expected error for $")
	}
}

func TestParseExpr_Precedence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a + b * c", "(a + (b * c))"},
		{"a - b - c", "((a - b) - c)"},
		{"a ==> b ==> c", "(a ==> (b ==> c))"},
		{"a || b && c", "(a || (b && c))"},
		{"!a.f == b", "(!a.f == b)"},
		{"x < y + 1", "(x < (y + 1))"},
		{"global<S>(a).v + 1 > MAX_U8", "((global<S>(a).v + 1) > 255)"},
		{"forall a: address: exists<S>(a) ==> x", "forall a: address: (exists<S>(a) ==> x)"},
		{"(a + b) * c", "((a + b) * c)"},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.in, bytecode.Range{})
		if err != nil {
			t.Errorf("ParseExpr(%q): %v", tt.in, err)
			continue
		}
		if got := Format(e); got != tt.want {
			t.Errorf("ParseExpr(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseExpr_Ranges(t *testing.T) {
	base := bytecode.Range{Start: 100, End: 111}
	e, err := ParseExpr("x + old(y)", base)
	if err != nil {
		t.Fatalf("ParseExpr: %v", err)
	}
	b := e.(*Binary)
	if r := b.Range(); r.Start != 100 || r.End != 110 {
		t.Errorf("binary range = %d:%d, want 100:110", r.Start, r.End)
	}
	if r := b.Y.Range(); r.Start != 104 || r.End != 110 {
		t.Errorf("old range = %d:%d, want 104:110", r.Start, r.End)
	}
}

func TestParseExpr_Errors(t *testing.T) {
	for _, in := range []string{"a +", "exists(a)", "a b", "(a", "forall x: vec: true", "global<>(a)"} {
		if _, err := ParseExpr(in, bytecode.Range{}); err == nil {
			t.Errorf("ParseExpr(%q) should fail", in)
		}
	}
}

func TestParseAbortsIf_With(t *testing.T) {
	e, code, err := parseAbortsIf("x > 1 with 42", bytecode.Range{})
	if err != nil {
		t.Fatalf("parseAbortsIf: %v", err)
	}
	if Format(e) != "(x > 1)" || code == nil || code.Uint64() != 42 {
		t.Errorf("got %s with %v", Format(e), code)
	}
	if _, _, err := parseAbortsIf("x with 0x1_0000_0000_0000_0000", bytecode.Range{}); err == nil {
		t.Error("abort code above u64 should fail")
	}
}

// =============================================================================
// Binding Tests
// =============================================================================

func TestBind_Deposit(t *testing.T) {
	env, prog := bindBank(t)
	ref := fref(prog, "deposit")
	if errs := env.Errors(ref); len(errs) != 0 {
		t.Fatalf("deposit errors: %v", errs)
	}
	fs := env.Function(ref)
	if len(fs.Requires) != 1 || len(fs.Ensures) != 1 || len(fs.AbortsIf) != 2 || len(fs.Modifies) != 1 {
		t.Fatalf("deposit spec = %+v", fs)
	}
	if !fs.HasContract() {
		t.Error("deposit should have a contract")
	}
	if fs.AbortsIf[0].AbortCode != nil {
		t.Error("first aborts_if has no code")
	}
	if c := fs.AbortsIf[1].AbortCode; c == nil || c.Uint64() != 3 {
		t.Errorf("second aborts_if code = %v, want 3", c)
	}
	if fs.Pragmas.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", fs.Pragmas.Timeout)
	}
	if got := len(fs.InvariantsAt("head")); got != 1 {
		t.Errorf("invariants at head = %d, want 1", got)
	}
	if got := env.Conditions(ref, Postcondition); len(got) != 1 {
		t.Errorf("Conditions(ensures) = %d", len(got))
	}
	mods := fs.ModifiedStructs()
	if len(mods) != 1 || mods[0].Name != "Account" {
		t.Errorf("ModifiedStructs = %v", mods)
	}

	// typed AST
	ens := fs.Ensures[0].Expr.(*Binary)
	res := ens.X.(*Ident)
	if res.Kind != IdentResult || res.Type() != (Type{Kind: TInt, Width: 64}) {
		t.Errorf("result ident = %+v", res)
	}
	if ens.Y.Type() != Num {
		t.Errorf("sum type = %s, want num", ens.Y.Type())
	}
	inv := fs.Invariants[0].Expr.(*Binary).X.(*Ident)
	if inv.Kind != IdentLocal || inv.Index != 2 {
		t.Errorf("loop local ident = %+v", inv)
	}
}

func TestBind_ErrorsAreLocal(t *testing.T) {
	env, prog := bindBank(t)
	errs := env.Errors(fref(prog, "bad"))
	wantMsgs := []string{
		"old() is not allowed in requires",
		"undeclared identifier y",
		"modifies target must be a global resource",
		"unknown pragma",
	}
	if len(errs) != len(wantMsgs) {
		t.Fatalf("bad errors = %v, want %d", errs, len(wantMsgs))
	}
	for i, want := range wantMsgs {
		if !strings.Contains(errs[i].Error(), want) {
			t.Errorf("error %d = %q, want %q", i, errs[i], want)
		}
	}
	// ensures result == x bound despite sibling errors
	if got := len(env.Function(fref(prog, "bad")).Ensures); got != 1 {
		t.Errorf("bad ensures = %d, want 1", got)
	}
	if len(env.Errors(fref(prog, "pair"))) != 0 {
		t.Error("pair should bind cleanly")
	}
}

func TestBind_StructInvariantErrors(t *testing.T) {
	env, prog := bindBank(t)
	rangeRef := bytecode.StructRef{Module: prog.Modules[0].ID, Name: "Range"}
	if got := len(env.StructInvariants(rangeRef)); got != 1 {
		t.Errorf("Range invariants = %d, want 1", got)
	}
	errs := env.Errors(fref(prog, "uses_range"))
	if len(errs) != 1 {
		t.Fatalf("uses_range errors = %v, want the ill-typed struct invariant", errs)
	}
	if errs[0].Expected != "bool" || errs[0].Found != "u64" {
		t.Errorf("error = %+v", errs[0])
	}
	var ste *SpecTypeError
	if !errors.As(error(errs[0]), &ste) {
		t.Error("errors.As should find SpecTypeError")
	}
}

func TestBind_OpaqueNative(t *testing.T) {
	env, prog := bindBank(t)
	fs := env.Function(fref(prog, "opaque_one"))
	if !fs.Pragmas.Opaque || !fs.HasContract() {
		t.Errorf("opaque pragma not applied: %+v", fs.Pragmas)
	}
	if env.Function(fref(prog, "uses_range")).HasContract() {
		t.Error("uses_range has no contract")
	}
}

func TestCheck_TypeErrors(t *testing.T) {
	_, prog := bindBank(t)
	fn := prog.Function(fref(prog, "deposit"))
	tests := []struct {
		name     string
		kind     Kind
		expr     string
		expected string
		found    string
	}{
		{"bool plus", Precondition, "true + 1 > 0", "integer", "bool"},
		{"address compare", Precondition, "owner == amount", "address", "u64"},
		{"result in requires", Precondition, "result > 0", "", ""},
		{"non-resource", Precondition, "exists<Range>(owner)", "struct with key", "Range"},
		{"not bool", Precondition, "amount", "bool", "u64"},
		{"bad field", Postcondition, "global<Account>(owner).nope", "field of Account", "nope"},
		{"old in aborts_if", AbortsIf, "old(amount) > 0", "", ""},
		{"local outside invariant", Postcondition, "i == 0", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseExpr(tt.expr, bytecode.Range{Module: fn.Ref.Module})
			if err != nil {
				t.Fatalf("ParseExpr: %v", err)
			}
			c := &checker{prog: prog, fn: fn, kind: tt.kind}
			terr := c.expect(e, Bool)
			if terr == nil {
				t.Fatal("expected SpecTypeError")
			}
			if terr.Expected != tt.expected || terr.Found != tt.found {
				t.Errorf("got expected=%q found=%q (%s)", terr.Expected, terr.Found, terr.Msg)
			}
		})
	}
}

func TestParsePragma(t *testing.T) {
	tests := []struct {
		text    string
		timeout time.Duration
		wantErr bool
	}{
		{"timeout = 5", 5 * time.Second, false},
		{"timeout = 0x10", 16 * time.Second, false},
		{"timeout = 0", 0, true},
		{"timeout", 0, true},
		{"timeout = soon", 0, true},
		{"timeout = 18446744073709551615", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			var p Pragmas
			err := parsePragma(tt.text, bytecode.Range{}, &p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if p.Timeout != tt.timeout {
				t.Errorf("timeout = %s, want %s", p.Timeout, tt.timeout)
			}
		})
	}
}
