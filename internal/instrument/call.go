package instrument

import (
	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/logic"
	"github.com/mpyw/resprove/internal/spec"
	"github.com/mpyw/resprove/internal/stackless"
)

// =============================================================================
// CallHandler
// =============================================================================

// CallHandler replaces a call by the callee's contract:
//
//	pre(args) := args            snapshot
//	assert requires              in the caller's state
//	abort point aborts_if
//	havoc written memories       framed by the callee's modifies
//	havoc &mut args, results
//	assume ensures
//	write back &mut args
//
// The callee body is never looked at. Callees without a contract must be
// inlined before instrumentation, and a callee with spec errors cannot be
// called at all since its bound contract is incomplete.
type CallHandler struct{}

// Handle encodes one call.
func (h *CallHandler) Handle(c *Context, in *stackless.Instr) error {
	def := c.Env.Program().Function(in.Func)
	if def == nil {
		return c.internal(in.Range, "call to unknown function %s", in.Func)
	}
	cs := c.Env.Function(in.Func)
	if cs == nil || !cs.HasContract() {
		return c.unsupported(in, "call to %s without a contract", in.Func)
	}
	if errs := c.Env.Errors(in.Func); len(errs) > 0 {
		return c.unsupported(in, "call to %s whose contract does not bind: %s", in.Func, errs[0].Error())
	}
	name := in.Func.Name
	effects := h.effects(c, cs, in.Func)

	args := make([]logic.Term, len(in.Srcs))
	for i, s := range in.Srcs {
		v := c.temp(s)
		p := c.st.pre(v)
		c.assign(p, v, "call "+name)
		args[i] = p
	}
	snapped := make(map[bytecode.StructRef]bool)
	for _, s := range effects {
		c.assign(c.st.pre(c.st.mem(s)), c.st.mem(s), "call "+name)
		c.assign(c.st.pre(c.st.exists(s)), c.st.exists(s), "call "+name)
		snapped[s] = true
	}

	pre := &scope{
		param: func(i int) logic.Term { return args[i] },
		local: func(i int) logic.Term { return args[i] },
		mem: func(s bytecode.StructRef) logic.Term {
			if snapped[s] {
				return c.st.pre(c.st.mem(s))
			}
			return c.st.mem(s)
		},
		exists: func(s bytecode.StructRef) logic.Term {
			if snapped[s] {
				return c.st.pre(c.st.exists(s))
			}
			return c.st.exists(s)
		},
	}
	pre.old = pre

	for _, r := range cs.Requires {
		c.assert(KindPrecondition, in.Range, c.enc.encode(r.Expr, pre), "precondition of %s may not hold: %s", name, spec.Format(r.Expr))
	}

	var guards []logic.Term
	for _, a := range cs.AbortsIf {
		guards = append(guards, c.enc.encode(a.Expr, pre))
	}
	if cs.Pragmas.AbortsIfIsPartial {
		unknown := c.st.variable("abort?"+in.Func.String(), logic.BoolSort)
		c.havoc(unknown, "undeclared aborts of "+name)
		guards = append(guards, unknown)
	}
	c.abortPoint(logic.Or(guards...), in.Range, "call to "+name)

	for _, s := range effects {
		targets := h.targets(c, cs, s, pre)
		switch {
		case len(c.Spec.Modifies) == 0:
		case len(targets) == 0:
			c.assert(KindModifies, in.Range, logic.False, "call to %s may write %s at addresses no modifies clause covers", name, s.Name)
		default:
			for _, t := range targets {
				c.modifiesCheck(s, t, in.Range)
			}
		}
		for _, arr := range []*logic.Var{c.st.mem(s), c.st.exists(s)} {
			c.havoc(arr, "effect of "+name)
			if len(targets) > 0 {
				c.assume(c.frame(arr, c.st.pre(arr), targets), "frame of "+name)
			}
		}
	}

	for _, s := range in.Srcs {
		if c.Fn.Type(s).IsMutableReference() {
			c.havoc(c.temp(s), "written by "+name)
		}
	}
	for _, d := range in.Dsts {
		v := c.temp(d)
		c.havoc(v, "result of "+name)
		if t := c.Fn.Type(d).Deref(); t.Kind == bytecode.KindStruct {
			c.assume(c.enc.structInvariant(c.Env, t.Struct, v), "data invariant of "+t.Struct.Name)
		}
	}

	post := c.current()
	post.old = pre
	post.param = func(i int) logic.Term {
		if c.Fn.Type(in.Srcs[i]).IsMutableReference() {
			return c.temp(in.Srcs[i])
		}
		return args[i]
	}
	post.local = post.param
	for _, d := range in.Dsts {
		post.result = append(post.result, c.temp(d))
	}
	for _, e := range cs.Ensures {
		c.assume(c.enc.encode(e.Expr, post), "ensures of "+name)
	}

	for _, w := range c.Result.WritesAt(c.point) {
		if err := c.writeBack(w, in); err != nil {
			return err
		}
	}
	return nil
}

// effects returns the resource types the callee may write: the analyzer's
// summary plus anything its modifies clauses name.
func (h *CallHandler) effects(c *Context, cs *spec.FunctionSpec, callee bytecode.FunctionRef) []bytecode.StructRef {
	seen := make(map[bytecode.StructRef]bool)
	var out []bytecode.StructRef
	for _, list := range [][]bytecode.StructRef{c.Sums.Of(callee), cs.ModifiedStructs()} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// targets encodes the addresses of the callee's modifies clauses for s in
// the state before the call.
func (h *CallHandler) targets(c *Context, cs *spec.FunctionSpec, s bytecode.StructRef, pre *scope) []logic.Term {
	var out []logic.Term
	for _, m := range cs.Modifies {
		if m.Target.Struct == s {
			out = append(out, c.enc.encode(m.Target.Addr, pre))
		}
	}
	return out
}
