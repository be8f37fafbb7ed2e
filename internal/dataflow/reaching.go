package dataflow

import (
	"golang.org/x/tools/container/intsets"

	"github.com/mpyw/resprove/internal/stackless"
)

// DefID indexes ReachingDefs.Defs.
type DefID int

// Def is one definition of a temporary. Parameters are defined on entry by
// a definition without an instruction.
type Def struct {
	ID    DefID
	Temp  stackless.Temp
	Point Point // Index -1 for parameters
	Instr *stackless.Instr
}

// IsParam reports whether d is the entry definition of a parameter.
func (d *Def) IsParam() bool { return d.Instr == nil }

// ReachingDefs holds the definitions reaching every block.
type ReachingDefs struct {
	fn     *stackless.Function
	Defs   []*Def
	byTemp map[stackless.Temp][]DefID
	byInst map[*stackless.Instr][]DefID
	in     []intsets.Sparse
	out    []intsets.Sparse
}

// ComputeReachingDefs runs the forward reaching-definitions fixpoint.
func ComputeReachingDefs(fn *stackless.Function) *ReachingDefs {
	n := len(fn.Blocks)
	r := &ReachingDefs{
		fn:     fn,
		byTemp: make(map[stackless.Temp][]DefID),
		byInst: make(map[*stackless.Instr][]DefID),
		in:     make([]intsets.Sparse, n),
		out:    make([]intsets.Sparse, n),
	}

	var entry intsets.Sparse
	for p := 0; p < fn.NumParams; p++ {
		d := r.add(stackless.Temp(p), Point{Block: fn.Entry, Index: -1}, nil)
		entry.Insert(int(d))
	}
	for _, b := range fn.Blocks {
		for i, in := range b.Instrs {
			for _, dst := range in.Dsts {
				d := r.add(dst, Point{Block: b.ID, Index: i}, in)
				r.byInst[in] = append(r.byInst[in], d)
			}
		}
	}

	order := stackless.NewAnalyzer().ReversePostorder(fn)
	for changed := true; changed; {
		changed = false
		for _, id := range order {
			b := fn.Blocks[id]
			var in intsets.Sparse
			if id == fn.Entry {
				in.Copy(&entry)
			}
			for _, p := range b.Preds {
				in.UnionWith(&r.out[p])
			}
			r.in[id].Copy(&in)
			out := r.apply(&in, b, len(b.Instrs))
			if !out.Equals(&r.out[id]) {
				r.out[id].Copy(out)
				changed = true
			}
		}
	}
	return r
}

func (r *ReachingDefs) add(t stackless.Temp, p Point, in *stackless.Instr) DefID {
	id := DefID(len(r.Defs))
	r.Defs = append(r.Defs, &Def{ID: id, Temp: t, Point: p, Instr: in})
	r.byTemp[t] = append(r.byTemp[t], id)
	return id
}

// apply runs the first n instructions of b over a copy of set.
func (r *ReachingDefs) apply(set *intsets.Sparse, b *stackless.Block, n int) *intsets.Sparse {
	cur := new(intsets.Sparse)
	cur.Copy(set)
	for _, in := range b.Instrs[:n] {
		for k, dst := range in.Dsts {
			for _, d := range r.byTemp[dst] {
				cur.Remove(int(d))
			}
			cur.Insert(int(r.byInst[in][k]))
		}
	}
	return cur
}

// At returns the definitions of t reaching p, before the instruction at p
// executes.
func (r *ReachingDefs) At(p Point, t stackless.Temp) []DefID {
	b := r.fn.Blocks[p.Block]
	n := p.Index
	if n > len(b.Instrs) {
		n = len(b.Instrs)
	}
	if n < 0 {
		n = 0
	}
	set := r.apply(&r.in[p.Block], b, n)
	var out []DefID
	for _, d := range r.byTemp[t] {
		if set.Has(int(d)) {
			out = append(out, d)
		}
	}
	return out
}

// AtEnd returns the definitions of t reaching the end of block b.
func (r *ReachingDefs) AtEnd(b stackless.BlockID, t stackless.Temp) []DefID {
	return r.At(Point{Block: b, Index: len(r.fn.Blocks[b].Instrs)}, t)
}

// DefsOf returns the definitions made by an instruction, one per destination.
func (r *ReachingDefs) DefsOf(in *stackless.Instr) []DefID { return r.byInst[in] }

// Def returns the definition with the given id.
func (r *ReachingDefs) Def(id DefID) *Def { return r.Defs[id] }
