package logic

import (
	"strings"
)

// Script accumulates SMT-LIB2 commands. Output order is command order, so a
// script built the same way twice prints the same text.
type Script struct {
	b        strings.Builder
	declared map[string]bool
	commands int
}

// NewScript returns an empty script.
func NewScript() *Script {
	return &Script{declared: make(map[string]bool)}
}

func (s *Script) line(text string) {
	s.b.WriteString(text)
	s.b.WriteByte('\n')
	s.commands++
}

// Comment adds a "; text" line. Newlines in text are flattened.
func (s *Script) Comment(text string) {
	s.b.WriteString("; " + strings.ReplaceAll(text, "\n", " ") + "\n")
}

// SetOption adds (set-option :name value).
func (s *Script) SetOption(name, value string) {
	s.line("(set-option :" + name + " " + value + ")")
}

// SetLogic adds (set-logic name).
func (s *Script) SetLogic(name string) {
	s.line("(set-logic " + name + ")")
}

// DeclareDatatypes declares all datatypes in one command so that they may
// refer to each other.
func (s *Script) DeclareDatatypes(dts []*Datatype) {
	if len(dts) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("(declare-datatypes (")
	for i, d := range dts {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("(" + Symbol(d.Name) + " 0)")
	}
	b.WriteString(") (")
	for i, d := range dts {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("((" + Symbol(d.Ctor()))
		for j, f := range d.Fields {
			b.WriteString(" (" + Symbol(d.Selector(j)) + " " + f.Sort.String() + ")")
		}
		b.WriteString("))")
	}
	b.WriteString("))")
	s.line(b.String())
}

// DeclareConst declares v once.
func (s *Script) DeclareConst(v *Var) {
	if s.declared[v.Name] {
		return
	}
	s.declared[v.Name] = true
	s.line("(declare-const " + Symbol(v.Name) + " " + v.S.String() + ")")
}

// DeclareFun declares an uninterpreted function once.
func (s *Script) DeclareFun(name string, args []Sort, ret Sort) {
	if s.declared[name] {
		return
	}
	s.declared[name] = true
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	s.line("(declare-fun " + Symbol(name) + " (" + strings.Join(parts, " ") + ") " + ret.String() + ")")
}

// Define binds name to t with define-fun and returns the defined constant.
func (s *Script) Define(name string, t Term) *Var {
	v := &Var{Name: name, S: t.Sort()}
	s.declared[name] = true
	s.line("(define-fun " + Symbol(name) + " () " + v.S.String() + " " + String(t) + ")")
	return v
}

// Declared reports whether name was declared or defined.
func (s *Script) Declared(name string) bool { return s.declared[name] }

// Assert adds (assert t).
func (s *Script) Assert(t Term) {
	s.line("(assert " + String(t) + ")")
}

// CheckSat adds (check-sat).
func (s *Script) CheckSat() { s.line("(check-sat)") }

// GetValue asks for the model values of ts.
func (s *Script) GetValue(ts []Term) {
	if len(ts) == 0 {
		return
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = String(t)
	}
	s.line("(get-value (" + strings.Join(parts, " ") + "))")
}

// Commands returns the number of commands so far, comments excluded.
func (s *Script) Commands() int { return s.commands }

// String returns the script text.
func (s *Script) String() string { return s.b.String() }
