package dataflow

import (
	"sort"

	"golang.org/x/tools/container/intsets"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Summaries maps every function to the resource types whose global storage
// it may write, directly or through callees.
type Summaries struct {
	structs []bytecode.StructRef
	index   map[bytecode.StructRef]int
	writes  map[bytecode.FunctionRef]*intsets.Sparse
}

// Declared returns the resource types a function's contract says it may
// write.
type Declared func(bytecode.FunctionRef) []bytecode.StructRef

// Summarize computes modify-set summaries as a fixpoint over the call graph.
// Natives have no body, so they write what declared reports for them; with
// a nil declared they write nothing.
func Summarize(prog *bytecode.Program, declared Declared) *Summaries {
	s := &Summaries{
		index:  make(map[bytecode.StructRef]int),
		writes: make(map[bytecode.FunctionRef]*intsets.Sparse),
	}
	for _, m := range prog.Modules {
		for _, st := range m.Structs {
			s.index[st.Ref] = len(s.structs)
			s.structs = append(s.structs, st.Ref)
		}
	}

	calls := make(map[bytecode.FunctionRef][]bytecode.FunctionRef)
	fns := prog.Functions()
	for _, fn := range fns {
		set := new(intsets.Sparse)
		if fn.Native && declared != nil {
			for _, st := range declared(fn.Ref) {
				if i, ok := s.index[st]; ok {
					set.Insert(i)
				}
			}
		}
		for _, in := range fn.Code {
			switch in.Op {
			case bytecode.OpMutBorrowGlobal, bytecode.OpMoveFrom, bytecode.OpMoveTo:
				if i, ok := s.index[in.Struct]; ok {
					set.Insert(i)
				}
			case bytecode.OpCall, bytecode.OpCallGeneric:
				calls[fn.Ref] = append(calls[fn.Ref], in.Function)
			}
		}
		s.writes[fn.Ref] = set
	}

	for changed := true; changed; {
		changed = false
		for _, fn := range fns {
			set := s.writes[fn.Ref]
			for _, callee := range calls[fn.Ref] {
				if cs, ok := s.writes[callee]; ok && set.UnionWith(cs) {
					changed = true
				}
			}
		}
	}
	return s
}

// Of returns the resource types fn may write, sorted.
func (s *Summaries) Of(fn bytecode.FunctionRef) []bytecode.StructRef {
	set, ok := s.writes[fn]
	if !ok {
		return nil
	}
	var out []bytecode.StructRef
	for _, i := range set.AppendTo(nil) {
		out = append(out, s.structs[i])
	}
	return out
}

// Writes reports whether fn may write global storage of st.
func (s *Summaries) Writes(fn bytecode.FunctionRef, st bytecode.StructRef) bool {
	set, ok := s.writes[fn]
	i, known := s.index[st]
	return ok && known && set.Has(i)
}

func sortStructs(list []bytecode.StructRef) []bytecode.StructRef {
	sort.Slice(list, func(i, j int) bool { return list[i].String() < list[j].String() })
	out := list[:0]
	for i, s := range list {
		if i == 0 || s != list[i-1] {
			out = append(out, s)
		}
	}
	return out
}
