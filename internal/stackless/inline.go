package stackless

import (
	"fmt"

	"github.com/mpyw/resprove/internal/bytecode"
)

// CallSite locates a call instruction.
type CallSite struct {
	Block BlockID
	Index int
}

// CallSites returns every call in block order.
func CallSites(fn *Function) []CallSite {
	var sites []CallSite
	for _, b := range fn.Blocks {
		for i, in := range b.Instrs {
			if in.Op == OpCall {
				sites = append(sites, CallSite{Block: b.ID, Index: i})
			}
		}
	}
	return sites
}

// Instr returns the call instruction at the site.
func (s CallSite) Instr(fn *Function) *Instr { return fn.Blocks[s.Block].Instrs[s.Index] }

// Inline returns a new function in which the call at site is replaced by
// the body of callee. Neither input is modified.
//
//	caller B:  pre; call f; post; term
//	result  B:  pre; params := args; jump f.entry
//	       f.*: callee blocks, returns assign the call results and jump to C
//	        C:  post; term
//
// Callee aborts flow to the caller's abort exit. Inlining fails when the
// callee is already on the inline stack of the site or maxDepth is exceeded.
func Inline(caller *Function, site CallSite, callee *Function, maxDepth int) (*Function, error) {
	b := caller.Blocks[site.Block]
	call := b.Instrs[site.Index]
	if call.Op != OpCall || call.Func != callee.Def.Ref {
		return nil, fmt.Errorf("inline %s: instruction %d of block %d is not a call to it", callee.Def.Ref, site.Index, site.Block)
	}
	chain := append(append([]bytecode.FunctionRef{}, b.Chain...), callee.Def.Ref)
	if callee.Def.Ref == caller.Def.Ref || containsRef(b.Chain, callee.Def.Ref) {
		return nil, inlineError(caller, call, "recursive call to %s has no contract", callee.Def.Ref)
	}
	if len(chain) > maxDepth {
		return nil, inlineError(caller, call, "inlining %s exceeds depth %d", callee.Def.Ref, maxDepth)
	}

	var normal, calleeNormal []*Block
	for _, cb := range caller.Blocks {
		if !cb.IsExit() {
			normal = append(normal, cb)
		}
	}
	for _, cb := range callee.Blocks {
		if !cb.IsExit() {
			calleeNormal = append(calleeNormal, cb)
		}
	}

	out := &Function{
		Def:       caller.Def,
		Temps:     append(append([]bytecode.Type{}, caller.Temps...), callee.Temps...),
		NumLocals: caller.NumLocals,
		NumParams: caller.NumParams,
		Inlined:   append(append([]bytecode.FunctionRef{}, caller.Inlined...), callee.Def.Ref),
	}
	cont := BlockID(len(normal))
	calleeBase := cont + 1
	out.ReturnExit = calleeBase + BlockID(len(calleeNormal))
	out.AbortExit = out.ReturnExit + 1

	// block ids: caller normals keep theirs, exits move to the end
	callerID := func(id BlockID) BlockID {
		switch id {
		case caller.ReturnExit:
			return out.ReturnExit
		case caller.AbortExit:
			return out.AbortExit
		}
		return id
	}
	calleeIDs := make(map[BlockID]BlockID, len(calleeNormal))
	for i, cb := range calleeNormal {
		calleeIDs[cb.ID] = calleeBase + BlockID(i)
	}
	calleeID := func(id BlockID) BlockID {
		switch id {
		case callee.ReturnExit:
			return cont
		case callee.AbortExit:
			return out.AbortExit
		}
		return calleeIDs[id]
	}
	offset := Temp(len(caller.Temps))
	calleeTemp := func(t Temp) Temp { return t + offset }
	same := func(t Temp) Temp { return t }
	mergeFrom := func(id BlockID) BlockID {
		if id == site.Block {
			return cont
		}
		return callerID(id)
	}

	for _, cb := range normal {
		nb := cloneBlock(cb, cb.ID, same, mergeFrom, callerID)
		if cb.ID == site.Block {
			nb.Instrs = nb.Instrs[:site.Index]
			for i, arg := range call.Srcs {
				nb.Instrs = append(nb.Instrs, &Instr{
					Op:    OpAssign,
					Dsts:  []Temp{calleeTemp(Temp(i))},
					Srcs:  []Temp{arg},
					PC:    call.PC,
					Range: call.Range,
				})
			}
			nb.Term = Terminator{Kind: TermJump, Range: call.Range}
			nb.Succs = []Edge{{From: nb.ID, To: calleeID(callee.Entry), Kind: EdgeJump}}
		}
		out.Blocks = append(out.Blocks, nb)
	}

	rest := cloneBlock(b, cont, same, mergeFrom, callerID)
	rest.Label = ""
	rest.Instrs = rest.Instrs[site.Index+1:]
	rest.PC = call.PC
	out.Blocks = append(out.Blocks, rest)

	for _, cb := range calleeNormal {
		nb := cloneBlock(cb, calleeIDs[cb.ID], calleeTemp, calleeID, calleeID)
		nb.Chain = append(append([]bytecode.FunctionRef{}, chain...), cb.Chain...)
		if cb.Term.Kind == TermReturn {
			for i, v := range cb.Term.Values {
				nb.Instrs = append(nb.Instrs, &Instr{
					Op:    OpAssign,
					Dsts:  []Temp{call.Dsts[i]},
					Srcs:  []Temp{calleeTemp(v)},
					PC:    -1,
					Range: cb.Term.Range,
				})
			}
			nb.Term = Terminator{Kind: TermJump, Range: cb.Term.Range}
			nb.Succs = []Edge{{From: nb.ID, To: cont, Kind: EdgeJump}}
		}
		out.Blocks = append(out.Blocks, nb)
	}

	for _, exit := range []BlockID{caller.ReturnExit, caller.AbortExit} {
		nb := cloneBlock(caller.Blocks[exit], callerID(exit), same, callerID, callerID)
		out.Blocks = append(out.Blocks, nb)
	}
	out.Entry = callerID(caller.Entry)

	finalize(out)
	for i, nb := range out.Blocks {
		if nb.ID != BlockID(i) {
			return nil, fmt.Errorf("inline %s: block %d placed at %d", callee.Def.Ref, nb.ID, i)
		}
	}
	return out, nil
}

func cloneBlock(b *Block, id BlockID, temp func(Temp) Temp, from, to func(BlockID) BlockID) *Block {
	nb := &Block{
		ID:    id,
		Kind:  b.Kind,
		Label: b.Label,
		PC:    b.PC,
		Func:  b.Func,
		Chain: append([]bytecode.FunctionRef(nil), b.Chain...),
		Term: Terminator{
			Kind:   b.Term.Kind,
			Cond:   temp(b.Term.Cond),
			Code:   temp(b.Term.Code),
			Values: mapTemps(b.Term.Values, temp),
			Range:  b.Term.Range,
		},
	}
	for _, in := range b.Instrs {
		c := *in
		c.Dsts = mapTemps(in.Dsts, temp)
		c.Srcs = mapTemps(in.Srcs, temp)
		if in.From != nil {
			c.From = make([]BlockID, len(in.From))
			for i, f := range in.From {
				c.From[i] = from(f)
			}
		}
		nb.Instrs = append(nb.Instrs, &c)
	}
	for _, e := range b.Succs {
		nb.Succs = append(nb.Succs, Edge{From: id, To: to(e.To), Kind: e.Kind})
	}
	return nb
}

func mapTemps(ts []Temp, fn func(Temp) Temp) []Temp {
	if ts == nil {
		return nil
	}
	out := make([]Temp, len(ts))
	for i, t := range ts {
		out[i] = fn(t)
	}
	return out
}

func containsRef(list []bytecode.FunctionRef, r bytecode.FunctionRef) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}

func inlineError(fn *Function, call *Instr, format string, args ...any) error {
	return &UnsupportedBytecodeError{
		Function: fn.Def.Ref,
		PC:       call.PC,
		Op:       bytecode.OpCall,
		Range:    call.Range,
		Msg:      fmt.Sprintf(format, args...),
	}
}
