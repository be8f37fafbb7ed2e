package instrument

import (
	"strings"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/stackless"
)

// addressBits bounds address values.
const addressBits = 160

// state owns the state variables and datatypes of one function's encoding.
type state struct {
	prog  *bytecode.Program
	dts   map[bytecode.StructRef]*logic.Datatype
	order []*logic.Datatype
	vars  map[string]*logic.Var
	list  []*logic.Var
}

func newState(prog *bytecode.Program) *state {
	s := &state{
		prog: prog,
		dts:  make(map[bytecode.StructRef]*logic.Datatype),
		vars: make(map[string]*logic.Var),
	}
	for _, m := range prog.Modules {
		for _, st := range m.Structs {
			s.dts[st.Ref] = &logic.Datatype{Name: st.Ref.String()}
			s.order = append(s.order, s.dts[st.Ref])
		}
	}
	for _, m := range prog.Modules {
		for _, st := range m.Structs {
			d := s.dts[st.Ref]
			for _, f := range st.Fields {
				d.Fields = append(d.Fields, logic.Field{Name: f.Name, Sort: s.sortOf(f.Type)})
			}
		}
	}
	return s
}

// sortOf maps a bytecode type to its logical sort. References are modelled
// by the value of their referent.
func (s *state) sortOf(t bytecode.Type) logic.Sort {
	t = t.Deref()
	switch t.Kind {
	case bytecode.KindBool:
		return logic.BoolSort
	case bytecode.KindStruct:
		return logic.DataSort(t.Struct.String())
	}
	return logic.IntSort
}

func (s *state) datatype(ref bytecode.StructRef) *logic.Datatype { return s.dts[ref] }

// variable returns the state variable called name, creating it on first use.
func (s *state) variable(name string, sort logic.Sort) *logic.Var {
	if v, ok := s.vars[name]; ok {
		return v
	}
	v := &logic.Var{Name: name, S: sort}
	s.vars[name] = v
	s.list = append(s.list, v)
	return v
}

func (s *state) memSort(ref bytecode.StructRef) logic.Sort {
	return logic.ArraySort(logic.IntSort, logic.DataSort(ref.String()))
}

// mem is the resource value stored per address.
func (s *state) mem(ref bytecode.StructRef) *logic.Var {
	return s.variable("mem["+ref.String()+"]", s.memSort(ref))
}

// exists is the existence predicate per address.
func (s *state) exists(ref bytecode.StructRef) *logic.Var {
	return s.variable("exists["+ref.String()+"]", logic.ArraySort(logic.IntSort, logic.BoolSort))
}

// old is the entry snapshot of v.
func (s *state) old(v *logic.Var) *logic.Var { return s.variable("old("+v.Name+")", v.S) }

// prev is the snapshot taken before a storage or root update.
func (s *state) prev(v *logic.Var) *logic.Var { return s.variable("prev("+v.Name+")", v.S) }

// pre is the snapshot taken before a call.
func (s *state) pre(v *logic.Var) *logic.Var { return s.variable("pre("+v.Name+")", v.S) }

// resources returns every resource type of the program.
func (s *state) resources() []bytecode.StructRef {
	var out []bytecode.StructRef
	for _, m := range s.prog.Modules {
		for _, st := range m.Structs {
			if st.HasKey {
				out = append(out, st.Ref)
			}
		}
	}
	return out
}

// tempName names the state variable of a temp. Locals keep their source
// names; stack temps cannot clash with them.
func tempName(fn *stackless.Function, t stackless.Temp) string {
	if fn.IsLocal(t) {
		return fn.TempName(t)
	}
	return "$" + fn.TempName(t)
}

// referentName names the state variable of the referent of a reference
// parameter.
func referentName(fn *stackless.Function, p stackless.Temp) string {
	return "*" + fn.TempName(p)
}

// =============================================================================
// Well-formedness
// =============================================================================

// wellFormed bounds every integer inside a value of type t.
func (s *state) wellFormed(x logic.Term, t bytecode.Type) logic.Term {
	return s.wellFormedDepth(x, t.Deref(), 0)
}

func (s *state) wellFormedDepth(x logic.Term, t bytecode.Type, depth int) logic.Term {
	switch {
	case t.IsInteger():
		return logic.InRange(x, t.MaxValue())
	case t.Kind == bytecode.KindAddress, t.Kind == bytecode.KindSigner:
		return logic.InRange(x, bytecode.MaxForWidth(addressBits))
	case t.Kind == bytecode.KindStruct:
		def := s.prog.Struct(t.Struct)
		if def == nil || depth > 8 {
			return logic.True
		}
		d := s.datatype(t.Struct)
		var parts []logic.Term
		for i, f := range def.Fields {
			parts = append(parts, s.wellFormedDepth(logic.Get(d, i, x), f.Type, depth+1))
		}
		return logic.And(parts...)
	}
	return logic.True
}

// isSnapshot reports whether v only records an earlier state.
func (s *state) isSnapshot(v *logic.Var) bool {
	for _, p := range []string{"old(", "prev(", "pre("} {
		if strings.HasPrefix(v.Name, p) {
			return true
		}
	}
	return false
}
