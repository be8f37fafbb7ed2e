package solver

import (
	"fmt"
	"strings"
)

// Model is the answer to get-value: the value of every requested term,
// keyed by its symbol without quoting bars.
type Model struct {
	Values map[string]string
}

// Value returns the value of a symbol. Quoted and plain spellings are
// accepted.
func (m *Model) Value(symbol string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.Values[unquote(symbol)]
	return v, ok
}

// True reports whether a Boolean symbol is true in the model.
func (m *Model) True(symbol string) bool {
	v, ok := m.Value(symbol)
	return ok && v == "true"
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '|' && s[len(s)-1] == '|' {
		return s[1 : len(s)-1]
	}
	return s
}

// =============================================================================
// S-Expressions
// =============================================================================

type sexp struct {
	atom string
	list []sexp
	leaf bool
}

func (s sexp) String() string {
	if s.leaf {
		return s.atom
	}
	// Negative integers are printed as (- n).
	if len(s.list) == 2 && s.list[0].leaf && s.list[0].atom == "-" && s.list[1].leaf {
		return "-" + s.list[1].atom
	}
	parts := make([]string, len(s.list))
	for i, e := range s.list {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// readSexps reads every s-expression in src.
func readSexps(src string) ([]sexp, error) {
	r := &sexpReader{src: src}
	var out []sexp
	for {
		r.skip()
		if r.pos >= len(r.src) {
			return out, nil
		}
		e, err := r.read()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
}

type sexpReader struct {
	src string
	pos int
}

func (r *sexpReader) skip() {
	for r.pos < len(r.src) {
		switch c := r.src[r.pos]; {
		case c == ';':
			for r.pos < len(r.src) && r.src[r.pos] != '\n' {
				r.pos++
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			r.pos++
		default:
			return
		}
	}
}

func (r *sexpReader) read() (sexp, error) {
	r.skip()
	if r.pos >= len(r.src) {
		return sexp{}, fmt.Errorf("unexpected end of output")
	}
	switch r.src[r.pos] {
	case '(':
		r.pos++
		var list []sexp
		for {
			r.skip()
			if r.pos >= len(r.src) {
				return sexp{}, fmt.Errorf("unbalanced parenthesis")
			}
			if r.src[r.pos] == ')' {
				r.pos++
				return sexp{list: list}, nil
			}
			e, err := r.read()
			if err != nil {
				return sexp{}, err
			}
			list = append(list, e)
		}
	case ')':
		return sexp{}, fmt.Errorf("unexpected ) at offset %d", r.pos)
	case '|', '"':
		quote := r.src[r.pos]
		end := strings.IndexByte(r.src[r.pos+1:], quote)
		if end < 0 {
			return sexp{}, fmt.Errorf("unterminated %c at offset %d", quote, r.pos)
		}
		atom := r.src[r.pos : r.pos+end+2]
		r.pos += end + 2
		return sexp{atom: atom, leaf: true}, nil
	}
	start := r.pos
	for r.pos < len(r.src) && !strings.ContainsRune("() \t\r\n;", rune(r.src[r.pos])) {
		r.pos++
	}
	return sexp{atom: r.src[start:r.pos], leaf: true}, nil
}

// parseModel reads a get-value answer: ((t1 v1) (t2 v2) ...).
func parseModel(src string) (*Model, error) {
	es, err := readSexps(src)
	if err != nil {
		return nil, err
	}
	if len(es) == 0 {
		return nil, fmt.Errorf("no model in output")
	}
	if es[0].leaf {
		return nil, fmt.Errorf("model is not a list: %s", es[0].atom)
	}
	m := &Model{Values: make(map[string]string)}
	for _, pair := range es[0].list {
		if pair.leaf || len(pair.list) != 2 || !pair.list[0].leaf {
			return nil, fmt.Errorf("malformed model entry %s", pair)
		}
		m.Values[unquote(pair.list[0].atom)] = pair.list[1].String()
	}
	return m, nil
}
