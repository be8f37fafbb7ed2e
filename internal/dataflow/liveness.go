package dataflow

import (
	"golang.org/x/tools/container/intsets"

	"github.com/mpyw/resprove/internal/stackless"
)

// Point is a program point: instruction Index of Block. Index equal to the
// number of instructions denotes the terminator.
type Point struct {
	Block stackless.BlockID
	Index int
}

// Liveness holds the temporaries live at every program point.
type Liveness struct {
	fn      *stackless.Function
	liveIn  []intsets.Sparse
	liveOut []intsets.Sparse
	after   [][]*intsets.Sparse // after[b][i]: live after instruction i
}

// ComputeLiveness runs the backward liveness fixpoint. Merge sources are
// live at the end of the predecessor they are named for, not at the start
// of the merging block.
func ComputeLiveness(fn *stackless.Function) *Liveness {
	n := len(fn.Blocks)
	l := &Liveness{
		fn:      fn,
		liveIn:  make([]intsets.Sparse, n),
		liveOut: make([]intsets.Sparse, n),
		after:   make([][]*intsets.Sparse, n),
	}

	for changed := true; changed; {
		changed = false
		for i := n - 1; i >= 0; i-- {
			b := fn.Blocks[i]
			var out intsets.Sparse
			l.edgeLive(b, &out)
			in := l.transfer(b, &out, nil)
			if !in.Equals(&l.liveIn[i]) {
				l.liveIn[i].Copy(in)
				changed = true
			}
			l.liveOut[i].Copy(&out)
		}
	}

	for i, b := range fn.Blocks {
		l.after[i] = make([]*intsets.Sparse, len(b.Instrs))
		l.transfer(b, &l.liveOut[i], l.after[i])
	}
	return l
}

// edgeLive collects what is live along every outgoing edge of b.
func (l *Liveness) edgeLive(b *stackless.Block, out *intsets.Sparse) {
	for _, e := range b.Succs {
		out.UnionWith(&l.liveIn[e.To])
		for _, in := range l.fn.Blocks[e.To].Instrs {
			if in.Op != stackless.OpMerge {
				continue
			}
			for k, from := range in.From {
				if from == b.ID {
					out.Insert(int(in.Srcs[k]))
				}
			}
		}
	}
}

// transfer walks b backwards from out. When after is non-nil it records the
// set live after each instruction.
func (l *Liveness) transfer(b *stackless.Block, out *intsets.Sparse, after []*intsets.Sparse) *intsets.Sparse {
	live := new(intsets.Sparse)
	live.Copy(out)
	for _, t := range termUses(b.Term) {
		live.Insert(int(t))
	}
	for i := len(b.Instrs) - 1; i >= 0; i-- {
		in := b.Instrs[i]
		if after != nil {
			snap := new(intsets.Sparse)
			snap.Copy(live)
			after[i] = snap
		}
		for _, d := range in.Dsts {
			live.Remove(int(d))
		}
		for _, s := range instrUses(in) {
			live.Insert(int(s))
		}
	}
	return live
}

// LiveIn returns the temporaries live on entry to b, merge destinations
// excluded.
func (l *Liveness) LiveIn(b stackless.BlockID) []stackless.Temp { return temps(&l.liveIn[b]) }

// LiveOut returns the temporaries live at the end of b.
func (l *Liveness) LiveOut(b stackless.BlockID) []stackless.Temp { return temps(&l.liveOut[b]) }

// LiveAfter returns the temporaries live right after the instruction at p.
// For the terminator it is the live-out set.
func (l *Liveness) LiveAfter(p Point) []stackless.Temp {
	if p.Index >= len(l.after[p.Block]) {
		return temps(&l.liveOut[p.Block])
	}
	return temps(l.after[p.Block][p.Index])
}

// IsLiveAfter reports whether t is live right after the instruction at p.
func (l *Liveness) IsLiveAfter(p Point, t stackless.Temp) bool {
	if p.Index >= len(l.after[p.Block]) {
		return l.liveOut[p.Block].Has(int(t))
	}
	return l.after[p.Block][p.Index].Has(int(t))
}

func instrUses(in *stackless.Instr) []stackless.Temp {
	if in.Op == stackless.OpMerge {
		return nil
	}
	return in.Srcs
}

func termUses(t stackless.Terminator) []stackless.Temp {
	switch t.Kind {
	case stackless.TermBranch:
		return []stackless.Temp{t.Cond}
	case stackless.TermReturn:
		return t.Values
	case stackless.TermAbort:
		return []stackless.Temp{t.Code}
	}
	return nil
}

func temps(s *intsets.Sparse) []stackless.Temp {
	var out []stackless.Temp
	for _, x := range s.AppendTo(nil) {
		out = append(out, stackless.Temp(x))
	}
	return out
}
