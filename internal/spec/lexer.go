package spec

import (
	"fmt"
)

// TokenKind is the kind of a spec token.
type TokenKind int

const (
	EOF TokenKind = iota
	IDENT
	INT
	ADDR // @0x...

	LPAREN
	RPAREN
	COMMA
	COLON
	COLONCOLON
	DOT

	NOT
	PLUS
	MINUS
	STAR
	SLASH
	PERCENT
	LT
	LE
	GT
	GE
	EQ
	NEQ
	ANDAND
	OROR
	IMPLIES
	ASSIGN
)

var tokenNames = map[TokenKind]string{
	EOF: "end of expression", IDENT: "identifier", INT: "integer", ADDR: "address",
	LPAREN: "(", RPAREN: ")", COMMA: ",", COLON: ":", COLONCOLON: "::", DOT: ".",
	NOT: "!", PLUS: "+", MINUS: "-", STAR: "*", SLASH: "/", PERCENT: "%",
	LT: "<", LE: "<=", GT: ">", GE: ">=", EQ: "==", NEQ: "!=",
	ANDAND: "&&", OROR: "||", IMPLIES: "==>", ASSIGN: "=",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is a lexeme with byte offsets relative to the start of the text.
type Token struct {
	Kind  TokenKind
	Text  string
	Start int
	End   int
}

// lexError carries the offset of an invalid character.
type lexError struct {
	off int
	msg string
}

func (e *lexError) Error() string { return e.msg }

// Lex splits a spec expression into tokens. The result always ends in EOF.
func Lex(src string) ([]Token, error) {
	var toks []Token
	i := 0
	emit := func(k TokenKind, n int) {
		toks = append(toks, Token{Kind: k, Text: src[i : i+n], Start: i, End: i + n})
		i += n
	}
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case isLetter(c):
			n := 1
			for i+n < len(src) && (isLetter(src[i+n]) || isDigit(src[i+n])) {
				n++
			}
			emit(IDENT, n)
		case isDigit(c):
			emit(INT, scanNumber(src[i:]))
		case c == '@':
			n := scanNumber(src[i+1:])
			if n == 0 {
				return nil, &lexError{off: i, msg: "address literal needs a hex value after @"}
			}
			emit(ADDR, n+1)
		default:
			k, n := punct(src[i:])
			if n == 0 {
				return nil, &lexError{off: i, msg: fmt.Sprintf("unexpected character %q", c)}
			}
			emit(k, n)
		}
	}
	toks = append(toks, Token{Kind: EOF, Start: len(src), End: len(src)})
	return toks, nil
}

func punct(s string) (TokenKind, int) {
	if len(s) >= 3 && s[:3] == "==>" {
		return IMPLIES, 3
	}
	if len(s) >= 2 {
		switch s[:2] {
		case "::":
			return COLONCOLON, 2
		case "<=":
			return LE, 2
		case ">=":
			return GE, 2
		case "==":
			return EQ, 2
		case "!=":
			return NEQ, 2
		case "&&":
			return ANDAND, 2
		case "||":
			return OROR, 2
		}
	}
	switch s[0] {
	case '(':
		return LPAREN, 1
	case ')':
		return RPAREN, 1
	case ',':
		return COMMA, 1
	case ':':
		return COLON, 1
	case '.':
		return DOT, 1
	case '!':
		return NOT, 1
	case '+':
		return PLUS, 1
	case '-':
		return MINUS, 1
	case '*':
		return STAR, 1
	case '/':
		return SLASH, 1
	case '%':
		return PERCENT, 1
	case '<':
		return LT, 1
	case '>':
		return GT, 1
	case '=':
		return ASSIGN, 1
	}
	return EOF, 0
}

// scanNumber returns the length of a decimal or 0x-prefixed literal,
// underscores allowed as separators.
func scanNumber(s string) int {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		n := 2
		for n < len(s) && (isHex(s[n]) || s[n] == '_') {
			n++
		}
		return n
	}
	n := 0
	for n < len(s) && (isDigit(s[n]) || s[n] == '_') {
		n++
	}
	return n
}

func isLetter(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isHex(c byte) bool    { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }
