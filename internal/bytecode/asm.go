package bytecode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// SpecBlock is a raw specification line handed from the loader to the spec
// binder. Exactly one of Function and Struct is set.
type SpecBlock struct {
	Module   ModuleID
	Function string
	Struct   string
	Keyword  string // requires, ensures, aborts_if, modifies, invariant, pragma
	Label    string // invariant label
	Text     string
	Range    Range // range of Text
}

// ParseError reports malformed assembly.
type ParseError struct {
	Pos Position
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// =============================================================================
// Assembler
// =============================================================================

// Parse reads one module in textual assembly form. The returned spec blocks
// are in source order.
func Parse(file string, src []byte) (*Module, []SpecBlock, error) {
	p := &asmParser{
		file:  file,
		src:   src,
		lines: NewLineIndex(file, src),
	}
	if err := p.run(); err != nil {
		return nil, nil, err
	}
	return p.mod, p.specs, nil
}

// span is a piece of source text together with its byte offset.
type span struct {
	text  string
	start int
}

func (s span) end() int { return s.start + len(s.text) }

func (s span) trim() span {
	lead := len(s.text) - len(strings.TrimLeft(s.text, " \t\r"))
	t := strings.TrimSpace(s.text)
	return span{text: t, start: s.start + lead}
}

// cut splits s around the first occurrence of sep.
func (s span) cut(sep string) (span, span, bool) {
	i := strings.Index(s.text, sep)
	if i < 0 {
		return s, span{start: s.end()}, false
	}
	return span{text: s.text[:i], start: s.start},
		span{text: s.text[i+len(sep):], start: s.start + i + len(sep)}, true
}

func (s span) from(i int) span {
	return span{text: s.text[i:], start: s.start + i}
}

type pendingOperand struct {
	pc   int
	text span
}

type funcBuilder struct {
	def     *FunctionDef
	labels  map[string]int
	pending []pendingOperand
}

type asmParser struct {
	file  string
	src   []byte
	lines *LineIndex
	mod   *Module
	specs []SpecBlock
	fn    *funcBuilder
	st    *StructDef // struct with an open multi-line body
}

func (p *asmParser) errorf(off int, format string, args ...any) error {
	return &ParseError{Pos: p.lines.Position(off), Msg: fmt.Sprintf(format, args...)}
}

func (p *asmParser) rng(s span) Range {
	r := Range{Start: s.start, End: s.end()}
	if p.mod != nil {
		r.Module = p.mod.ID
	}
	return r
}

func (p *asmParser) run() error {
	off := 0
	for _, raw := range strings.SplitAfter(string(p.src), "\n") {
		line := span{text: strings.TrimSuffix(raw, "\n"), start: off}
		off += len(raw)
		if i := strings.IndexByte(line.text, '#'); i >= 0 {
			line.text = line.text[:i]
		}
		line = line.trim()
		if line.text == "" {
			continue
		}
		if err := p.line(line); err != nil {
			return err
		}
	}
	switch {
	case p.mod == nil:
		return p.errorf(0, "missing module header")
	case p.fn != nil:
		return p.errorf(len(p.src), "unterminated function %s", p.fn.def.Ref.Name)
	case p.st != nil:
		return p.errorf(len(p.src), "unterminated struct %s", p.st.Ref.Name)
	}
	return nil
}

func (p *asmParser) line(l span) error {
	if p.mod == nil {
		return p.moduleHeader(l)
	}
	if p.st != nil {
		return p.structBodyLine(l)
	}
	if p.fn != nil {
		return p.bodyLine(l)
	}
	word, _, _ := strings.Cut(l.text, " ")
	switch word {
	case "struct":
		return p.structDecl(l)
	case "spec":
		return p.structSpec(l)
	case "public", "native", "fun":
		return p.funcHeader(l)
	case "module":
		return p.errorf(l.start, "only one module per file")
	}
	return p.errorf(l.start, "unexpected %q at module level", word)
}

func (p *asmParser) moduleHeader(l span) error {
	rest, ok := strings.CutPrefix(l.text, "module ")
	if !ok {
		return p.errorf(l.start, "expected module header")
	}
	id, err := ParseModuleID(strings.TrimSpace(rest))
	if err != nil {
		return p.errorf(l.start, "%v", err)
	}
	p.mod = &Module{ID: id, File: p.file, Source: p.src}
	return nil
}

// =============================================================================
// Structs
// =============================================================================

func (p *asmParser) structDecl(l span) error {
	head, body, hasBody := l.from(len("struct ")).cut("{")
	if !hasBody {
		return p.errorf(l.start, "struct declaration needs a body")
	}
	words := strings.Fields(head.text)
	if len(words) == 0 || !isIdent(words[0]) {
		return p.errorf(head.start, "invalid struct name")
	}
	def := &StructDef{
		Ref:   StructRef{Module: p.mod.ID, Name: words[0]},
		Range: p.rng(l),
	}
	switch {
	case len(words) == 1:
	case len(words) >= 3 && words[1] == "has":
		for _, ab := range strings.Split(strings.Join(words[2:], ""), ",") {
			switch ab {
			case "key":
				def.HasKey = true
			case "store", "copy", "drop":
			default:
				return p.errorf(head.start, "unknown ability %q", ab)
			}
		}
	default:
		return p.errorf(head.start, "malformed struct header")
	}
	if p.mod.Struct(def.Ref.Name) != nil {
		return p.errorf(l.start, "duplicate struct %s", def.Ref.Name)
	}
	p.mod.Structs = append(p.mod.Structs, def)

	inner, _, closed := body.cut("}")
	if err := p.fieldList(def, inner); err != nil {
		return err
	}
	if !closed {
		p.st = def
	}
	return nil
}

func (p *asmParser) structBodyLine(l span) error {
	inner, _, closed := l.cut("}")
	if err := p.fieldList(p.st, inner); err != nil {
		return err
	}
	if closed {
		p.st.Range.End = l.end()
		p.st = nil
	}
	return nil
}

func (p *asmParser) fieldList(def *StructDef, s span) error {
	for _, part := range strings.Split(s.text, ",") {
		f := span{text: part, start: s.start}
		s = s.from(min(len(part)+1, len(s.text)))
		f = f.trim()
		if f.text == "" {
			continue
		}
		name, typ, ok := f.cut(":")
		name, typ = name.trim(), typ.trim()
		if !ok || !isIdent(name.text) {
			return p.errorf(f.start, "malformed field %q", f.text)
		}
		t, err := ParseType(typ.text, p.mod.ID)
		if err != nil {
			return p.errorf(typ.start, "%v", err)
		}
		if t.IsReference() {
			return p.errorf(typ.start, "field %s cannot have reference type", name.text)
		}
		if def.FieldIndex(name.text) >= 0 {
			return p.errorf(name.start, "duplicate field %s", name.text)
		}
		def.Fields = append(def.Fields, Field{Name: name.text, Type: t})
	}
	return nil
}

// structSpec handles "spec struct Name invariant expr".
func (p *asmParser) structSpec(l span) error {
	rest := l.from(len("spec")).trim()
	if !strings.HasPrefix(rest.text, "struct ") {
		return p.errorf(l.start, "module-level spec must target a struct")
	}
	rest = rest.from(len("struct ")).trim()
	name, expr, _ := rest.cut(" ")
	expr = expr.trim()
	kw, expr, _ := expr.cut(" ")
	if kw.text != "invariant" {
		return p.errorf(kw.start, "struct spec supports only invariant, got %q", kw.text)
	}
	expr = expr.trim()
	if expr.text == "" {
		return p.errorf(l.start, "empty struct invariant")
	}
	p.specs = append(p.specs, SpecBlock{
		Module:  p.mod.ID,
		Struct:  name.text,
		Keyword: "invariant",
		Text:    expr.text,
		Range:   p.rng(expr),
	})
	return nil
}

// =============================================================================
// Functions
// =============================================================================

func (p *asmParser) funcHeader(l span) error {
	def := &FunctionDef{Labels: make(map[string]int), Range: p.rng(l)}
	rest := l
	for {
		word, after, _ := rest.cut(" ")
		if word.text == "public" {
			def.Public = true
		} else if word.text == "native" {
			def.Native = true
		} else if word.text == "fun" {
			rest = after.trim()
			break
		} else {
			return p.errorf(word.start, "expected fun, got %q", word.text)
		}
		rest = after.trim()
	}

	name, rest, ok := rest.cut("(")
	name = name.trim()
	if !ok || !isIdent(name.text) {
		return p.errorf(rest.start, "malformed function header")
	}
	if p.mod.Function(name.text) != nil {
		return p.errorf(name.start, "duplicate function %s", name.text)
	}
	def.Ref = FunctionRef{Module: p.mod.ID, Name: name.text}

	params, rest, ok := rest.cut(")")
	if !ok {
		return p.errorf(rest.start, "unterminated parameter list")
	}
	for _, part := range strings.Split(params.text, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pname, ptype, ok := strings.Cut(part, ":")
		pname = strings.TrimSpace(pname)
		if !ok || !isIdent(pname) {
			return p.errorf(params.start, "malformed parameter %q", strings.TrimSpace(part))
		}
		t, err := ParseType(ptype, p.mod.ID)
		if err != nil {
			return p.errorf(params.start, "%v", err)
		}
		if def.LocalIndex(pname) >= 0 {
			return p.errorf(params.start, "duplicate parameter %s", pname)
		}
		def.Params = append(def.Params, Local{Name: pname, Type: t})
		def.Locals = append(def.Locals, Local{Name: pname, Type: t})
	}

	sig, body, ok := rest.cut("{")
	if !ok {
		return p.errorf(rest.start, "function header must end with {")
	}
	if rets := strings.TrimSpace(sig.text); rets != "" {
		rets, ok = strings.CutPrefix(rets, ":")
		if !ok {
			return p.errorf(sig.start, "malformed return type %q", rets)
		}
		rets = strings.TrimSpace(rets)
		if strings.HasPrefix(rets, "(") && strings.HasSuffix(rets, ")") {
			rets = rets[1 : len(rets)-1]
		}
		for _, r := range strings.Split(rets, ",") {
			if strings.TrimSpace(r) == "" {
				continue
			}
			t, err := ParseType(r, p.mod.ID)
			if err != nil {
				return p.errorf(sig.start, "%v", err)
			}
			def.Returns = append(def.Returns, t)
		}
	}

	p.fn = &funcBuilder{def: def, labels: def.Labels}
	body = body.trim()
	if body.text == "" {
		return nil
	}
	// single-line body: "{ spec ... }" or "{ }"
	if !strings.HasSuffix(body.text, "}") {
		return p.bodyLine(body)
	}
	inner := span{text: body.text[:len(body.text)-1], start: body.start}.trim()
	if inner.text != "" {
		if err := p.bodyLine(inner); err != nil {
			return err
		}
	}
	return p.bodyLine(span{text: "}", start: body.end() - 1})
}

func (p *asmParser) bodyLine(l span) error {
	fb := p.fn
	def := fb.def
	switch {
	case l.text == "}":
		def.Range.End = l.end()
		return p.closeFunction()
	case strings.HasPrefix(l.text, "local "):
		decl := l.from(len("local ")).trim()
		name, typ, ok := decl.cut(":")
		name = name.trim()
		if !ok || !isIdent(name.text) {
			return p.errorf(l.start, "malformed local %q", decl.text)
		}
		if def.LocalIndex(name.text) >= 0 {
			return p.errorf(name.start, "duplicate local %s", name.text)
		}
		t, err := ParseType(typ.text, p.mod.ID)
		if err != nil {
			return p.errorf(typ.start, "%v", err)
		}
		def.Locals = append(def.Locals, Local{Name: name.text, Type: t})
		return nil
	case strings.HasPrefix(l.text, "spec "):
		return p.functionSpec(l)
	case strings.HasSuffix(l.text, ":") && isIdent(strings.TrimSuffix(l.text, ":")):
		name := strings.TrimSuffix(l.text, ":")
		if _, dup := fb.labels[name]; dup {
			return p.errorf(l.start, "duplicate label %s", name)
		}
		fb.labels[name] = len(def.Code)
		return nil
	}
	if def.Native {
		return p.errorf(l.start, "native function %s cannot have code", def.Ref.Name)
	}
	return p.instruction(l)
}

func (p *asmParser) functionSpec(l span) error {
	rest := l.from(len("spec ")).trim()
	kw, expr, _ := rest.cut(" ")
	expr = expr.trim()
	block := SpecBlock{Module: p.mod.ID, Function: p.fn.def.Ref.Name, Keyword: kw.text}
	switch kw.text {
	case "requires", "ensures", "aborts_if", "modifies", "pragma":
	case "invariant":
		at, rest, ok := expr.cut(":")
		label, ok2 := strings.CutPrefix(strings.TrimSpace(at.text), "at ")
		if !ok || !ok2 || !isIdent(strings.TrimSpace(label)) {
			return p.errorf(expr.start, "loop invariant must be written as 'invariant at LABEL: expr'")
		}
		block.Label = strings.TrimSpace(label)
		expr = rest.trim()
	default:
		return p.errorf(kw.start, "unknown spec keyword %q", kw.text)
	}
	if expr.text == "" {
		return p.errorf(l.start, "empty %s condition", kw.text)
	}
	block.Text = expr.text
	block.Range = p.rng(expr)
	p.specs = append(p.specs, block)
	return nil
}

func (p *asmParser) instruction(l span) error {
	mnemonic, operand, _ := l.cut(" ")
	operand = operand.trim()
	op, ok := LookupOpcode(mnemonic.text)
	if !ok {
		return p.errorf(l.start, "unknown opcode %q", mnemonic.text)
	}
	def := p.fn.def
	in := Instruction{Op: op, Range: p.rng(l)}
	kind := op.Operand()
	if kind == OperandNone {
		if operand.text != "" {
			return p.errorf(operand.start, "%s takes no operand", op)
		}
		def.Code = append(def.Code, in)
		return nil
	}
	if operand.text == "" {
		return p.errorf(l.end(), "%s needs an operand", op)
	}
	var err error
	switch kind {
	case OperandLocal, OperandLabel:
		p.fn.pending = append(p.fn.pending, pendingOperand{pc: len(def.Code), text: operand})
	case OperandConst:
		in.Const, err = parseConst(operand.text, in.ConstType())
	case OperandAddress:
		in.Address, err = ParseAddress(strings.TrimPrefix(operand.text, "@"))
	case OperandStruct:
		in.Struct, err = ParseStructRef(operand.text, p.mod.ID)
	case OperandField:
		i := strings.LastIndexByte(operand.text, '.')
		if i <= 0 || !isIdent(operand.text[i+1:]) {
			return p.errorf(operand.start, "field operand must be Struct.field")
		}
		in.Field = operand.text[i+1:]
		in.Struct, err = ParseStructRef(operand.text[:i], p.mod.ID)
	case OperandFunction:
		in.Function, err = ParseFunctionRef(operand.text, p.mod.ID)
	case OperandCount:
		in.Count, err = strconv.Atoi(operand.text)
	}
	if err != nil {
		return p.errorf(operand.start, "%v", err)
	}
	def.Code = append(def.Code, in)
	return nil
}

// closeFunction resolves local and label operands once every local and label
// of the function is known.
func (p *asmParser) closeFunction() error {
	fb := p.fn
	def := fb.def
	for _, po := range fb.pending {
		in := &def.Code[po.pc]
		switch in.Op.Operand() {
		case OperandLocal:
			idx := def.LocalIndex(po.text.text)
			if idx < 0 {
				n, err := strconv.Atoi(po.text.text)
				if err != nil || n < 0 || n >= len(def.Locals) {
					return p.errorf(po.text.start, "unknown local %q", po.text.text)
				}
				idx = n
			}
			in.Local = idx
		case OperandLabel:
			target, ok := fb.labels[po.text.text]
			if !ok {
				return p.errorf(po.text.start, "unknown label %q", po.text.text)
			}
			in.Target = target
		}
	}
	p.mod.Functions = append(p.mod.Functions, def)
	p.fn = nil
	return nil
}

// parseConst parses a decimal or 0x-prefixed literal and checks it fits t.
func parseConst(s string, t Type) (*uint256.Int, error) {
	s = strings.ReplaceAll(s, "_", "")
	var v *uint256.Int
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = uint256.FromHex("0x" + strings.TrimLeft(s[2:], "0"))
		if err != nil && strings.TrimLeft(s[2:], "0") == "" {
			v, err = new(uint256.Int), nil
		}
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q: %w", s, err)
	}
	if v.Gt(t.MaxValue()) {
		return nil, fmt.Errorf("literal %s does not fit in %s", s, t)
	}
	return v, nil
}
