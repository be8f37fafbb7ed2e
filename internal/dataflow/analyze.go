// Package dataflow computes liveness, reaching definitions and the borrow
// graph of a stackless function.
//
// # Borrow Graph
//
// Every reference definition gets provenance nodes: a root (local, referent
// of a reference parameter, global storage slot) plus a field path. Nodes
// are kept in an arena and point to the node they were derived from:
//
//	r := borrow_global[mut]<Coin> a     n0 global<Coin>(a)
//	f := borrow_field[mut] r .#0        n1 global<Coin>(a).#0  -> n0
//	g := freeze_ref f                   n2 &global<Coin>(a).#0 -> n1
//
// Merges and assignments copy provenance, so a temporary may have several
// nodes.
//
// # Write Effects
//
// write_ref and calls taking &mut arguments write through a reference. For
// each such point the analysis lists every other live reference whose
// provenance may overlap the written one; their values are stale after the
// write.
package dataflow

import (
	"sort"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/diag"
	"github.com/mpyw/resprove/internal/stackless"
)

// Alias is a live reference that may overlap a written location.
type Alias struct {
	Temp  stackless.Temp
	Nodes []NodeID
}

// WriteEffect is a write through a reference.
type WriteEffect struct {
	Point   Point
	Ref     stackless.Temp
	Nodes   []NodeID
	Aliases []Alias
	Range   bytecode.Range
}

// LoopEffects is what an iteration of a loop may change.
type LoopEffects struct {
	Temps   []stackless.Temp     // merged at the header or written through references
	Params  []stackless.Temp     // reference parameters whose referent is written
	Structs []bytecode.StructRef // global storage written
	Refs    []stackless.Temp     // references live at the header that may alias a write
	Unknown bool                 // writes through references of unknown origin
}

// Result bundles the analyses of one function.
type Result struct {
	Fn      *stackless.Function
	Live    *Liveness
	Reach   *ReachingDefs
	Borrows *BorrowGraph
	Writes  []*WriteEffect

	writeAt map[Point][]*WriteEffect
	loops   map[stackless.BlockID]*LoopEffects
}

// Analyze runs all analyses over fn. It fails with a TranslationInternalError
// when two live mutable references definitely overlap.
func Analyze(fn *stackless.Function, sums *Summaries) (*Result, error) {
	r := &Result{
		Fn:      fn,
		Live:    ComputeLiveness(fn),
		Reach:   ComputeReachingDefs(fn),
		writeAt: make(map[Point][]*WriteEffect),
		loops:   make(map[stackless.BlockID]*LoopEffects),
	}
	r.Borrows = BuildBorrowGraph(fn, r.Reach)

	tracker := NewTracker(fn, r.Borrows)
	for _, b := range fn.Blocks {
		for i, in := range b.Instrs {
			p := Point{Block: b.ID, Index: i}
			next := Point{Block: b.ID, Index: i + 1}
			tracker.RecordPoint(p, in.Range, r.Live.LiveAfter(p), func(t stackless.Temp) []NodeID {
				return r.Borrows.ProvenanceAt(next, t)
			})
			for _, ref := range writtenRefs(fn, in) {
				r.addWrite(p, ref, in.Range)
			}
		}
	}
	tracker.DetectViolations()
	if vs := tracker.CollectViolations(); len(vs) > 0 {
		return nil, diag.Internalf(fn.Def.Ref, diag.StageAnalyze, vs[0].Range, "%s", vs[0].Message)
	}

	for _, l := range fn.Loops {
		r.loops[l.Header] = r.loopEffects(l, sums)
	}
	return r, nil
}

// writtenRefs returns the references an instruction writes through.
func writtenRefs(fn *stackless.Function, in *stackless.Instr) []stackless.Temp {
	switch in.Op {
	case stackless.OpWriteRef:
		return in.Srcs[:1]
	case stackless.OpCall:
		var out []stackless.Temp
		for _, a := range in.Srcs {
			if fn.Type(a).IsMutableReference() {
				out = append(out, a)
			}
		}
		return out
	}
	return nil
}

func (r *Result) addWrite(p Point, ref stackless.Temp, rng bytecode.Range) {
	w := &WriteEffect{Point: p, Ref: ref, Range: rng, Nodes: r.Borrows.ProvenanceAt(p, ref)}
	next := Point{Block: p.Block, Index: p.Index + 1}
	for _, t := range r.Live.LiveAfter(p) {
		if t == ref || !r.Fn.Type(t).IsReference() {
			continue
		}
		nodes := r.Borrows.ProvenanceAt(next, t)
		if r.overlaps(w.Nodes, nodes) {
			w.Aliases = append(w.Aliases, Alias{Temp: t, Nodes: nodes})
		}
	}
	r.Writes = append(r.Writes, w)
	r.writeAt[p] = append(r.writeAt[p], w)
}

func (r *Result) overlaps(a, b []NodeID) bool {
	for _, x := range a {
		for _, y := range b {
			if r.Borrows.MayAlias(x, y) {
				return true
			}
		}
	}
	return false
}

// WritesAt returns the write effects of the instruction at p.
func (r *Result) WritesAt(p Point) []*WriteEffect { return r.writeAt[p] }

// Loop returns the effects of the loop headed by header, or nil.
func (r *Result) Loop(header stackless.BlockID) *LoopEffects { return r.loops[header] }

func (r *Result) loopEffects(l *stackless.Loop, sums *Summaries) *LoopEffects {
	eff := &LoopEffects{}
	temps := make(map[stackless.Temp]bool)
	params := make(map[stackless.Temp]bool)
	var structs []bytecode.StructRef
	var written []NodeID

	for _, in := range r.Fn.Blocks[l.Header].Instrs {
		if in.Op == stackless.OpMerge {
			temps[in.Dst()] = true
		}
	}
	for _, bid := range l.Body {
		for _, in := range r.Fn.Blocks[bid].Instrs {
			switch in.Op {
			case stackless.OpBorrowGlobal:
				if in.Mutable {
					structs = append(structs, in.Struct)
				}
			case stackless.OpMoveFrom, stackless.OpMoveTo:
				structs = append(structs, in.Struct)
			case stackless.OpCall:
				if sums != nil {
					structs = append(structs, sums.Of(in.Func)...)
				}
			}
		}
	}
	for _, w := range r.Writes {
		if !l.Contains(w.Point.Block) {
			continue
		}
		written = append(written, w.Nodes...)
		for _, n := range w.Nodes {
			root := r.Borrows.Nodes[n].Root
			switch root.Kind {
			case RootLocal:
				temps[root.Local] = true
			case RootParam:
				params[root.Local] = true
			case RootGlobal:
				structs = append(structs, root.Struct)
			case RootUnknown:
				eff.Unknown = true
			}
		}
	}

	headerStart := Point{Block: l.Header, Index: 0}
	for _, t := range r.Live.LiveIn(l.Header) {
		if !r.Fn.Type(t).IsReference() {
			continue
		}
		if r.overlaps(r.Borrows.ProvenanceAt(headerStart, t), written) {
			eff.Refs = append(eff.Refs, t)
		}
	}
	eff.Temps = sortedTemps(temps)
	eff.Params = sortedTemps(params)
	eff.Structs = sortStructs(structs)
	return eff
}

func sortedTemps(set map[stackless.Temp]bool) []stackless.Temp {
	out := make([]stackless.Temp, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
