package logic

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Term is a logical expression. Terms are immutable and may be shared.
type Term interface {
	Sort() Sort
	write(b *strings.Builder)
}

// Var is a named constant of the query.
type Var struct {
	Name string
	S    Sort
}

// Lit is a Bool or Int literal.
type Lit struct {
	Text string // "true", "false" or a decimal numeral
	S    Sort
}

// App applies a function symbol. Op may be an indexed identifier such as
// "(_ int2bv 64)".
type App struct {
	Op   string
	Args []Term
	S    Sort
}

// Quant is a universally quantified formula.
type Quant struct {
	Vars []*Var
	Body Term
}

func (v *Var) Sort() Sort   { return v.S }
func (l *Lit) Sort() Sort   { return l.S }
func (a *App) Sort() Sort   { return a.S }
func (q *Quant) Sort() Sort { return BoolSort }

func (v *Var) write(b *strings.Builder) { b.WriteString(Symbol(v.Name)) }
func (l *Lit) write(b *strings.Builder) { b.WriteString(l.Text) }

func (a *App) write(b *strings.Builder) {
	if len(a.Args) == 0 {
		b.WriteString(a.Op)
		return
	}
	b.WriteByte('(')
	b.WriteString(a.Op)
	for _, x := range a.Args {
		b.WriteByte(' ')
		x.write(b)
	}
	b.WriteByte(')')
}

func (q *Quant) write(b *strings.Builder) {
	b.WriteString("(forall (")
	for i, v := range q.Vars {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("(" + Symbol(v.Name) + " " + v.S.String() + ")")
	}
	b.WriteString(") ")
	q.Body.write(b)
	b.WriteByte(')')
}

// String renders t in SMT-LIB2 syntax.
func String(t Term) string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

// =============================================================================
// Literals
// =============================================================================

var (
	True  Term = &Lit{Text: "true", S: BoolSort}
	False Term = &Lit{Text: "false", S: BoolSort}
)

// Bool returns the literal for v.
func Bool(v bool) Term {
	if v {
		return True
	}
	return False
}

// Int returns an integer literal.
func Int(v *uint256.Int) Term { return &Lit{Text: v.Dec(), S: IntSort} }

// IntU64 returns an integer literal.
func IntU64(v uint64) Term { return Int(uint256.NewInt(v)) }

// IsTrue reports whether t is the literal true.
func IsTrue(t Term) bool { return t == True || isLit(t, "true") }

// IsFalse reports whether t is the literal false.
func IsFalse(t Term) bool { return t == False || isLit(t, "false") }

func isLit(t Term, text string) bool {
	l, ok := t.(*Lit)
	return ok && l.Text == text
}

// =============================================================================
// Boolean Connectives
// =============================================================================

// And conjoins ts, flattening nested conjunctions and dropping true.
func And(ts ...Term) Term {
	var args []Term
	for _, t := range ts {
		switch {
		case IsTrue(t):
			continue
		case IsFalse(t):
			return False
		}
		if a, ok := t.(*App); ok && a.Op == "and" {
			args = append(args, a.Args...)
			continue
		}
		args = append(args, t)
	}
	switch len(args) {
	case 0:
		return True
	case 1:
		return args[0]
	}
	return &App{Op: "and", Args: args, S: BoolSort}
}

// Or disjoins ts, flattening nested disjunctions and dropping false.
func Or(ts ...Term) Term {
	var args []Term
	for _, t := range ts {
		switch {
		case IsFalse(t):
			continue
		case IsTrue(t):
			return True
		}
		if a, ok := t.(*App); ok && a.Op == "or" {
			args = append(args, a.Args...)
			continue
		}
		args = append(args, t)
	}
	switch len(args) {
	case 0:
		return False
	case 1:
		return args[0]
	}
	return &App{Op: "or", Args: args, S: BoolSort}
}

// Not negates t.
func Not(t Term) Term {
	switch {
	case IsTrue(t):
		return False
	case IsFalse(t):
		return True
	}
	if a, ok := t.(*App); ok && a.Op == "not" {
		return a.Args[0]
	}
	return &App{Op: "not", Args: []Term{t}, S: BoolSort}
}

// Implies builds a ==> b.
func Implies(a, b Term) Term {
	switch {
	case IsTrue(a):
		return b
	case IsFalse(a), IsTrue(b):
		return True
	case IsFalse(b):
		return Not(a)
	}
	return &App{Op: "=>", Args: []Term{a, b}, S: BoolSort}
}

// Ite builds if c then a else b.
func Ite(c, a, b Term) Term {
	switch {
	case IsTrue(c):
		return a
	case IsFalse(c):
		return b
	}
	return &App{Op: "ite", Args: []Term{c, a, b}, S: a.Sort()}
}

// Eq builds a = b. Equal literals fold to true and distinct literals of
// the same sort to false.
func Eq(a, b Term) Term {
	if la, ok := a.(*Lit); ok {
		if lb, ok := b.(*Lit); ok && la.S.Equal(lb.S) {
			return Bool(la.Text == lb.Text)
		}
	}
	if a == b {
		return True
	}
	if a.Sort().Kind == SortBool {
		switch {
		case IsTrue(b):
			return a
		case IsTrue(a):
			return b
		}
	}
	return &App{Op: "=", Args: []Term{a, b}, S: BoolSort}
}

// Distinct builds a != b.
func Distinct(a, b Term) Term { return Not(Eq(a, b)) }

// Forall quantifies body over vars.
func Forall(vars []*Var, body Term) Term {
	if len(vars) == 0 || IsTrue(body) {
		return body
	}
	return &Quant{Vars: vars, Body: body}
}

// =============================================================================
// Integer Arithmetic
// =============================================================================

func arith(op string, a, b Term) Term {
	return &App{Op: op, Args: []Term{a, b}, S: IntSort}
}

func cmp(op string, a, b Term) Term {
	return &App{Op: op, Args: []Term{a, b}, S: BoolSort}
}

func Add(a, b Term) Term { return arith("+", a, b) }
func Sub(a, b Term) Term { return arith("-", a, b) }
func Mul(a, b Term) Term { return arith("*", a, b) }
func Div(a, b Term) Term { return arith("div", a, b) }
func Mod(a, b Term) Term { return arith("mod", a, b) }
func Lt(a, b Term) Term  { return cmp("<", a, b) }
func Le(a, b Term) Term  { return cmp("<=", a, b) }
func Gt(a, b Term) Term  { return cmp(">", a, b) }
func Ge(a, b Term) Term  { return cmp(">=", a, b) }

// Neg builds unary minus.
func Neg(a Term) Term { return &App{Op: "-", Args: []Term{a}, S: IntSort} }

// InRange builds 0 <= a <= max.
func InRange(a Term, max *uint256.Int) Term {
	return And(Le(IntU64(0), a), Le(a, Int(max)))
}

// Bitwise applies a bit-vector operation of the given width to integer
// operands through int2bv/bv2nat. op is a bit-vector function such as
// bvor or bvshl.
func Bitwise(op string, width uint, a, b Term) Term {
	conv := "(_ int2bv " + uitoa(width) + ")"
	bv := &App{Op: op, Args: []Term{
		&App{Op: conv, Args: []Term{a}},
		&App{Op: conv, Args: []Term{b}},
	}}
	return &App{Op: "bv2nat", Args: []Term{bv}, S: IntSort}
}

func uitoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

// =============================================================================
// Arrays and Datatypes
// =============================================================================

// Select reads arr[idx].
func Select(arr, idx Term) Term {
	return &App{Op: "select", Args: []Term{arr, idx}, S: *arr.Sort().Value}
}

// Store builds arr with idx set to v.
func Store(arr, idx, v Term) Term {
	return &App{Op: "store", Args: []Term{arr, idx, v}, S: arr.Sort()}
}

// Mk builds a datatype value from its field values.
func Mk(d *Datatype, fields []Term) Term {
	if len(fields) == 0 {
		return &App{Op: Symbol(d.Ctor()), S: d.Sort()}
	}
	return &App{Op: Symbol(d.Ctor()), Args: fields, S: d.Sort()}
}

// Get selects field i of x. Selecting from a constructor application
// returns the field argument directly.
func Get(d *Datatype, i int, x Term) Term {
	if a, ok := x.(*App); ok && a.Op == Symbol(d.Ctor()) && i < len(a.Args) {
		return a.Args[i]
	}
	return &App{Op: Symbol(d.Selector(i)), Args: []Term{x}, S: d.Fields[i].Sort}
}

// Set returns x with field i replaced by v.
func Set(d *Datatype, x Term, i int, v Term) Term {
	fields := make([]Term, len(d.Fields))
	for j := range d.Fields {
		if j == i {
			fields[j] = v
			continue
		}
		fields[j] = Get(d, j, x)
	}
	return Mk(d, fields)
}

// Apply applies an uninterpreted function.
func Apply(name string, s Sort, args ...Term) Term {
	return &App{Op: Symbol(name), Args: args, S: s}
}

// =============================================================================
// Traversal
// =============================================================================

// Substitute replaces free variables. fn returns nil to keep a variable.
func Substitute(t Term, fn func(*Var) Term) Term {
	return subst(t, fn, nil)
}

func subst(t Term, fn func(*Var) Term, bound map[string]bool) Term {
	switch x := t.(type) {
	case *Var:
		if bound[x.Name] {
			return x
		}
		if r := fn(x); r != nil {
			return r
		}
		return x
	case *App:
		var args []Term
		for i, a := range x.Args {
			na := subst(a, fn, bound)
			if na != a && args == nil {
				args = make([]Term, len(x.Args))
				copy(args, x.Args[:i])
			}
			if args != nil {
				args[i] = na
			}
		}
		if args == nil {
			return x
		}
		return &App{Op: x.Op, Args: args, S: x.S}
	case *Quant:
		inner := make(map[string]bool, len(bound)+len(x.Vars))
		for k := range bound {
			inner[k] = true
		}
		for _, v := range x.Vars {
			inner[v.Name] = true
		}
		body := subst(x.Body, fn, inner)
		if body == x.Body {
			return x
		}
		return &Quant{Vars: x.Vars, Body: body}
	}
	return t
}

// FreeVars returns the free variables of t in first-occurrence order.
func FreeVars(t Term) []*Var {
	var out []*Var
	seen := make(map[string]bool)
	var walk func(Term, map[string]bool)
	walk = func(t Term, bound map[string]bool) {
		switch x := t.(type) {
		case *Var:
			if !bound[x.Name] && !seen[x.Name] {
				seen[x.Name] = true
				out = append(out, x)
			}
		case *App:
			for _, a := range x.Args {
				walk(a, bound)
			}
		case *Quant:
			inner := make(map[string]bool, len(bound)+len(x.Vars))
			for k := range bound {
				inner[k] = true
			}
			for _, v := range x.Vars {
				inner[v.Name] = true
			}
			walk(x.Body, inner)
		}
	}
	walk(t, nil)
	return out
}
