package bytecode

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"
)

const counterSrc = `module 0x1::Counter
# a resource and a plain struct
struct Counter has key { value: u64 }
struct Pair {
    a: u64,
    b: u64
}
spec struct Pair invariant a <= b

public fun inc(addr: address): u64 {
    local r: &mut Counter
    spec requires exists<Counter>(addr)
    spec aborts_if global<Counter>(addr).value + 1 > MAX_U64 with 7
    spec invariant at top: true
    spec pragma timeout = 20
top:
    copy_loc addr
    mut_borrow_global Counter
    st_loc r
    copy_loc 1
    imm_borrow_field Counter.value
    read_ref
    ld_u64 1
    add
    ret
}

native fun f(x: u64): u64 { spec ensures result == x }
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Counter(t *testing.T) {
	m, specs, err := Parse("counter.mvasm", []byte(counterSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := m.ID.String(); got != "0x1::Counter" {
		t.Errorf("module id = %s, want 0x1::Counter", got)
	}

	counter := m.Struct("Counter")
	if counter == nil || !counter.HasKey || len(counter.Fields) != 1 {
		t.Fatalf("Counter struct = %+v", counter)
	}
	pair := m.Struct("Pair")
	if pair == nil || pair.HasKey || len(pair.Fields) != 2 {
		t.Fatalf("Pair struct = %+v", pair)
	}
	if pair.FieldIndex("b") != 1 {
		t.Errorf("Pair.b index = %d, want 1", pair.FieldIndex("b"))
	}

	inc := m.Function("inc")
	if inc == nil {
		t.Fatal("inc not found")
	}
	if !inc.Public || inc.Native {
		t.Errorf("inc flags public=%v native=%v", inc.Public, inc.Native)
	}
	if len(inc.Params) != 1 || len(inc.Locals) != 2 {
		t.Errorf("inc params=%d locals=%d, want 1 and 2", len(inc.Params), len(inc.Locals))
	}
	if !inc.Locals[1].Type.IsMutableReference() {
		t.Errorf("local r type = %s, want &mut", inc.Locals[1].Type)
	}
	if len(inc.Code) != 9 {
		t.Fatalf("inc code len = %d, want 9", len(inc.Code))
	}
	if inc.Labels["top"] != 0 {
		t.Errorf("label top = %d, want 0", inc.Labels["top"])
	}
	if in := inc.Code[2]; in.Op != OpStLoc || in.Local != 1 {
		t.Errorf("code[2] = %s, want st_loc 1", in)
	}
	if in := inc.Code[3]; in.Op != OpCopyLoc || in.Local != 1 {
		t.Errorf("code[3] = %s, want copy_loc 1 (numeric operand)", in)
	}
	if in := inc.Code[4]; in.Field != "value" || in.Struct.Name != "Counter" {
		t.Errorf("code[4] = %s, want field Counter.value", in)
	}
	if in := inc.Code[6]; in.Const == nil || in.Const.Uint64() != 1 {
		t.Errorf("code[6] = %s, want ld_u64 1", in)
	}

	f := m.Function("f")
	if f == nil || !f.Native || len(f.Code) != 0 {
		t.Fatalf("native f = %+v", f)
	}

	if len(specs) != 6 {
		t.Fatalf("spec blocks = %d, want 6", len(specs))
	}
	for _, s := range specs {
		got := counterSrc[s.Range.Start:s.Range.End]
		if got != s.Text {
			t.Errorf("spec range text = %q, want %q", got, s.Text)
		}
	}
	if specs[0].Struct != "Pair" || specs[0].Keyword != "invariant" {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if specs[3].Label != "top" || specs[3].Text != "true" {
		t.Errorf("loop invariant = %+v", specs[3])
	}
	if specs[5].Function != "f" || specs[5].Keyword != "ensures" {
		t.Errorf("native spec = %+v", specs[5])
	}
}

func TestParse_InstructionRanges(t *testing.T) {
	m, _, err := Parse("counter.mvasm", []byte(counterSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, in := range m.Function("inc").Code {
		if !in.Range.Within(len(counterSrc)) {
			t.Errorf("%s: range %v outside source", in, in.Range)
			continue
		}
		text := counterSrc[in.Range.Start:in.Range.End]
		if !strings.HasPrefix(text, in.Op.String()) {
			t.Errorf("range text %q does not start with %s", text, in.Op)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing header", "fun f() {\n}\n", "expected module header"},
		{"unknown opcode", "module 0x1::M\nfun f() {\n frobnicate\n}\n", "unknown opcode"},
		{"unknown label", "module 0x1::M\nfun f() {\n branch nowhere\n}\n", "unknown label"},
		{"unknown local", "module 0x1::M\nfun f() {\n copy_loc x\n}\n", "unknown local"},
		{"u8 overflow", "module 0x1::M\nfun f() {\n ld_u8 256\n}\n", "does not fit"},
		{"unterminated", "module 0x1::M\nfun f() {\n ret\n", "unterminated function"},
		{"native code", "module 0x1::M\nnative fun f() {\n ret\n}\n", "cannot have code"},
		{"vector type", "module 0x1::M\nfun f(v: vector<u8>) {\n ret\n}\n", "vector types"},
		{"bad invariant", "module 0x1::M\nfun f() {\n spec invariant true\n ret\n}\n", "invariant at LABEL"},
		{"duplicate label", "module 0x1::M\nfun f() {\nl:\nl:\n ret\n}\n", "duplicate label"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse("m.mvasm", []byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not *ParseError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParse_ErrorPosition(t *testing.T) {
	_, _, err := Parse("m.mvasm", []byte("module 0x1::M\nfun f() {\n  bogus\n}\n"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Pos.Line != 3 || pe.Pos.Column != 3 {
		t.Errorf("position = %s, want line 3 column 3", pe.Pos)
	}
}

func TestParse_QualifiedOperands(t *testing.T) {
	src := "module 0xcafe::M\nfun f() {\n call 0x1::Other::g\n ld_addr @0x2a\n ret\n}\n"
	m, _, err := Parse("m.mvasm", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	code := m.Function("f").Code
	if got := code[0].Function.String(); got != "0x1::Other::g" {
		t.Errorf("call target = %s", got)
	}
	if got := FormatAddress(code[1].Address); got != "0x2a" {
		t.Errorf("address = %s, want 0x2a", got)
	}
	if got := m.ID.String(); got != "0xcafe::M" {
		t.Errorf("module = %s", got)
	}
}

// =============================================================================
// Archive Tests
// =============================================================================

func TestLoadArchive(t *testing.T) {
	ar := txtar.Parse([]byte(`comment
-- b.mvasm --
module 0x1::B
fun g(): u64 {
    ld_u64 1
    ret
}
-- a.mvasm --
module 0x1::A
fun f(): u64 {
    call 0x1::B::g
    ret
}
-- notes.txt --
ignored
`))
	b, err := LoadArchive(ar)
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	if len(b.Program.Modules) != 2 {
		t.Fatalf("modules = %d, want 2", len(b.Program.Modules))
	}
	if b.Program.Modules[0].ID.Name != "A" {
		t.Errorf("modules not sorted: first = %s", b.Program.Modules[0].ID)
	}
	callee := b.Program.Function(b.Program.Modules[0].Functions[0].Code[0].Function)
	if callee == nil || callee.Ref.Name != "g" {
		t.Errorf("cross-module call did not resolve")
	}
}

func TestLoadArchive_Duplicate(t *testing.T) {
	ar := txtar.Parse([]byte("-- a.mvasm --\nmodule 0x1::A\n-- b.mvasm --\nmodule 0x1::A\n"))
	if _, err := LoadArchive(ar); err == nil {
		t.Error("expected duplicate module error")
	}
}

// =============================================================================
// Opcode Table Tests
// =============================================================================

func TestOpcodeNamesTotal(t *testing.T) {
	seen := make(map[string]Opcode)
	for op := Opcode(0); op < NumOpcodes; op++ {
		name := op.String()
		if strings.HasPrefix(name, "opcode(") {
			t.Errorf("opcode %d has no name", op)
			continue
		}
		if prev, dup := seen[name]; dup {
			t.Errorf("name %q shared by %d and %d", name, prev, op)
		}
		seen[name] = op
		if got, ok := LookupOpcode(name); !ok || got != op {
			t.Errorf("LookupOpcode(%q) = %v, %v", name, got, ok)
		}
	}
}

func TestParseType(t *testing.T) {
	self := ModuleID{Name: "M"}
	tests := []struct {
		in   string
		want string
	}{
		{"u8", "u8"},
		{"&mut u64", "&mut u64"},
		{"&Counter", "&0x0::M::Counter"},
		{"0x1::Coin::Coin", "0x1::Coin::Coin"},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in, self)
		if err != nil {
			t.Errorf("ParseType(%q): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMaxForWidth(t *testing.T) {
	if got := MaxForWidth(8).Uint64(); got != 255 {
		t.Errorf("MaxForWidth(8) = %d", got)
	}
	if got := U64Type.MaxValue().Uint64(); got != ^uint64(0) {
		t.Errorf("u64 max = %d", got)
	}
	if got := U128Type.MaxValue().Hex(); got != "0xffffffffffffffffffffffffffffffff" {
		t.Errorf("u128 max = %s", got)
	}
}
