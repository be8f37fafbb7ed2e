package spec

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/mpyw/resprove/internal/bytecode"
)

// parser is a Pratt parser over spec tokens. Offsets are rebased onto the
// module source with base.
type parser struct {
	src  string
	toks []Token
	i    int
	base bytecode.Range
	self bytecode.ModuleID
}

// syntaxError is a parse failure at a token.
type syntaxError struct {
	rng bytecode.Range
	msg string
}

func (e *syntaxError) Error() string { return e.msg }

func newParser(text string, base bytecode.Range) (*parser, error) {
	toks, err := Lex(text)
	if err != nil {
		le := err.(*lexError)
		r := base
		r.Start += le.off
		r.End = r.Start + 1
		return nil, &syntaxError{rng: r, msg: le.msg}
	}
	return &parser{src: text, toks: toks, base: base, self: base.Module}, nil
}

// ParseExpr parses a complete spec expression. base is the source range of
// text inside its module.
func ParseExpr(text string, base bytecode.Range) (Expr, error) {
	p, err := newParser(text, base)
	if err != nil {
		return nil, err
	}
	e, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *parser) peek() Token { return p.toks[p.i] }

func (p *parser) next() Token {
	t := p.toks[p.i]
	if t.Kind != EOF {
		p.i++
	}
	return t
}

func (p *parser) rangeOf(start, end int) bytecode.Range {
	return bytecode.Range{Module: p.base.Module, Start: p.base.Start + start, End: p.base.Start + end}
}

func (p *parser) errorf(t Token, format string, args ...any) error {
	return &syntaxError{rng: p.rangeOf(t.Start, t.End), msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(k TokenKind) (Token, error) {
	t := p.peek()
	if t.Kind != k {
		return t, p.errorf(t, "expected %s, found %s", k, describe(t))
	}
	return p.next(), nil
}

func (p *parser) expectEnd() error {
	if t := p.peek(); t.Kind != EOF {
		return p.errorf(t, "unexpected %s after expression", describe(t))
	}
	return nil
}

func (p *parser) isWord(w string) bool {
	t := p.peek()
	return t.Kind == IDENT && t.Text == w
}

func describe(t Token) string {
	if t.Kind == EOF {
		return t.Kind.String()
	}
	return fmt.Sprintf("%q", t.Text)
}

// =============================================================================
// Binding Powers
// =============================================================================

const (
	bpImplies = 10
	bpOr      = 20
	bpAnd     = 30
	bpEq      = 40
	bpCmp     = 50
	bpAdd     = 60
	bpMul     = 70
	bpPrefix  = 80
	bpPostfix = 90
)

func lbp(k TokenKind) (int, bool) {
	switch k {
	case IMPLIES:
		return bpImplies, true
	case OROR:
		return bpOr, true
	case ANDAND:
		return bpAnd, true
	case EQ, NEQ:
		return bpEq, true
	case LT, LE, GT, GE:
		return bpCmp, true
	case PLUS, MINUS:
		return bpAdd, true
	case STAR, SLASH, PERCENT:
		return bpMul, true
	}
	return 0, false
}

func (p *parser) expr(minBP int) (Expr, error) {
	left, err := p.prefix()
	if err != nil {
		return nil, err
	}
	for {
		// postfix field access binds tighter than any infix operator
		if p.peek().Kind == DOT {
			p.next()
			name, err := p.expect(IDENT)
			if err != nil {
				return nil, err
			}
			left = &FieldAccess{
				node:  node{Rng: p.span(left.Range(), name.End)},
				X:     left,
				Field: name.Text,
			}
			continue
		}
		op := p.peek()
		bp, ok := lbp(op.Kind)
		if !ok || bp < minBP {
			break
		}
		p.next()
		nextBP := bp + 1
		if op.Kind == IMPLIES {
			nextBP = bp // right associative
		}
		right, err := p.expr(nextBP)
		if err != nil {
			return nil, err
		}
		left = &Binary{
			node: node{Rng: p.join(left.Range(), right.Range())},
			Op:   op.Kind,
			X:    left,
			Y:    right,
		}
	}
	return left, nil
}

func (p *parser) span(from bytecode.Range, end int) bytecode.Range {
	from.End = p.base.Start + end
	return from
}

func (p *parser) join(a, b bytecode.Range) bytecode.Range {
	a.End = b.End
	return a
}

func (p *parser) prefix() (Expr, error) {
	t := p.next()
	switch t.Kind {
	case INT:
		v, err := parseInt(t.Text)
		if err != nil {
			return nil, p.errorf(t, "%v", err)
		}
		return &IntLit{node: node{Rng: p.rangeOf(t.Start, t.End)}, Value: v}, nil
	case ADDR:
		a, err := bytecode.ParseAddress(strings.ReplaceAll(t.Text[1:], "_", ""))
		if err != nil {
			return nil, p.errorf(t, "%v", err)
		}
		return &AddrLit{node: node{Rng: p.rangeOf(t.Start, t.End)}, Value: a}, nil
	case NOT, MINUS:
		x, err := p.expr(bpPrefix)
		if err != nil {
			return nil, err
		}
		return &Unary{node: node{Rng: p.join(p.rangeOf(t.Start, t.End), x.Range())}, Op: t.Kind, X: x}, nil
	case LPAREN:
		x, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
		return x, nil
	case IDENT:
		return p.word(t)
	}
	return nil, p.errorf(t, "expected expression, found %s", describe(t))
}

// word parses keywords, builtins and plain identifiers.
func (p *parser) word(t Token) (Expr, error) {
	rng := p.rangeOf(t.Start, t.End)
	switch t.Text {
	case "true", "false":
		return &BoolLit{node: node{Rng: rng}, Value: t.Text == "true"}, nil
	case "MAX_U8", "MAX_U64", "MAX_U128":
		var w uint
		fmt.Sscanf(t.Text, "MAX_U%d", &w)
		return &IntLit{node: node{Rng: rng}, Value: bytecode.MaxForWidth(w)}, nil
	case "old", "address_of":
		if _, err := p.expect(LPAREN); err != nil {
			return nil, err
		}
		x, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		rp, err := p.expect(RPAREN)
		if err != nil {
			return nil, err
		}
		n := node{Rng: p.span(rng, rp.End)}
		if t.Text == "old" {
			return &Old{node: n, X: x}, nil
		}
		return &AddressOf{node: n, X: x}, nil
	case "exists", "global":
		if _, err := p.expect(LT); err != nil {
			return nil, err
		}
		ref, err := p.structName()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(GT); err != nil {
			return nil, err
		}
		if _, err := p.expect(LPAREN); err != nil {
			return nil, err
		}
		addr, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		rp, err := p.expect(RPAREN)
		if err != nil {
			return nil, err
		}
		n := node{Rng: p.span(rng, rp.End)}
		if t.Text == "exists" {
			return &Exists{node: n, Struct: ref, Addr: addr}, nil
		}
		return &Global{node: n, Struct: ref, Addr: addr}, nil
	case "forall":
		v, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(COLON); err != nil {
			return nil, err
		}
		typ, err := p.typeName()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(COLON); err != nil {
			return nil, err
		}
		body, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		return &Forall{
			node:    node{Rng: p.join(rng, body.Range())},
			Var:     v.Text,
			VarType: typ,
			Body:    body,
		}, nil
	}
	return &Ident{node: node{Rng: rng}, Name: t.Text}, nil
}

// structName parses S or 0x1::M::S.
func (p *parser) structName() (bytecode.StructRef, error) {
	first := p.next()
	text := first.Text
	if first.Kind == INT {
		for _, k := range []TokenKind{COLONCOLON, IDENT, COLONCOLON, IDENT} {
			t, err := p.expect(k)
			if err != nil {
				return bytecode.StructRef{}, err
			}
			text += t.Text
		}
	} else if first.Kind != IDENT {
		return bytecode.StructRef{}, p.errorf(first, "expected struct name, found %s", describe(first))
	}
	ref, err := bytecode.ParseStructRef(text, p.self)
	if err != nil {
		return bytecode.StructRef{}, p.errorf(first, "%v", err)
	}
	return ref, nil
}

func (p *parser) typeName() (Type, error) {
	t, err := p.expect(IDENT)
	if err != nil {
		return Type{}, err
	}
	switch t.Text {
	case "num":
		return Num, nil
	case "bool":
		return Bool, nil
	case "address":
		return Address, nil
	case "u8", "u64", "u128":
		bt, _ := bytecode.ParseType(t.Text, p.self)
		return FromBytecode(bt), nil
	}
	return Type{}, p.errorf(t, "quantifier over %s is not supported", t.Text)
}

func parseInt(s string) (*uint256.Int, error) {
	s = strings.ReplaceAll(s, "_", "")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return new(uint256.Int), nil
		}
		v, err := uint256.FromHex("0x" + digits)
		if err != nil {
			return nil, fmt.Errorf("invalid integer literal %s: %w", s, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid integer literal %s: %w", s, err)
	}
	return v, nil
}

// =============================================================================
// Condition Clauses
// =============================================================================

// parseAbortsIf parses "E [with CODE]".
func parseAbortsIf(text string, base bytecode.Range) (Expr, *uint256.Int, error) {
	p, err := newParser(text, base)
	if err != nil {
		return nil, nil, err
	}
	e, err := p.expr(0)
	if err != nil {
		return nil, nil, err
	}
	var code *uint256.Int
	if p.isWord("with") {
		p.next()
		t := p.next()
		switch {
		case t.Kind == INT:
			code, err = parseInt(t.Text)
		case t.Kind == IDENT && strings.HasPrefix(t.Text, "MAX_U"):
			var lit Expr
			lit, err = p.word(t)
			if err == nil {
				code = lit.(*IntLit).Value
			}
		default:
			err = p.errorf(t, "abort code must be an integer literal")
		}
		if err != nil {
			return nil, nil, err
		}
		if code.BitLen() > 64 {
			return nil, nil, p.errorf(t, "abort code %s does not fit in u64", code.Dec())
		}
	}
	if err := p.expectEnd(); err != nil {
		return nil, nil, err
	}
	return e, code, nil
}
