package dataflow

import (
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/tools/container/intsets"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/stackless"
)

// RootKind classifies the storage location a borrow chain starts from.
type RootKind int

const (
	RootLocal   RootKind = iota // a local of the function
	RootParam                   // the referent of a reference parameter
	RootGlobal                  // global storage of a resource type at an address
	RootUnknown                 // a reference returned by a call
)

func (k RootKind) String() string {
	switch k {
	case RootLocal:
		return "local"
	case RootParam:
		return "param"
	case RootGlobal:
		return "global"
	}
	return "unknown"
}

// Root is the base of a provenance.
type Root struct {
	Kind      RootKind
	Local     stackless.Temp     // RootLocal, RootParam
	Struct    bytecode.StructRef // RootGlobal
	Addr      stackless.Temp     // RootGlobal: address operand, -1 when it may be reassigned
	AddrConst *uint256.Int       // RootGlobal: address value when constant
}

// NodeID indexes BorrowGraph.Nodes.
type NodeID int

// Node is a provenance: a root and a field path below it.
type Node struct {
	ID      NodeID
	Root    Root
	Path    []int
	Mutable bool
	Parent  NodeID // -1 for nodes created directly on a root
	Def     DefID
	Range   bytecode.Range
}

// BorrowEdge links a derived reference to the reference it was derived from.
// Field is -1 when the path is unchanged (freeze).
type BorrowEdge struct {
	From  NodeID
	To    NodeID
	Field int
}

type nodeKey struct {
	def    DefID
	parent NodeID
}

// BorrowGraph is an arena of provenance nodes with index-based edges. A
// reference temporary may have several nodes when it is defined by a merge.
type BorrowGraph struct {
	Nodes []*Node
	Edges []BorrowEdge

	fn    *stackless.Function
	rd    *ReachingDefs
	byKey map[nodeKey]NodeID
	prov  map[DefID]*intsets.Sparse
}

// BuildBorrowGraph computes the provenance of every reference definition.
func BuildBorrowGraph(fn *stackless.Function, rd *ReachingDefs) *BorrowGraph {
	g := &BorrowGraph{
		fn:    fn,
		rd:    rd,
		byKey: make(map[nodeKey]NodeID),
		prov:  make(map[DefID]*intsets.Sparse),
	}
	for _, d := range rd.Defs {
		if d.IsParam() && fn.Type(d.Temp).IsReference() {
			n := g.node(d.ID, -1, Root{Kind: RootParam, Local: d.Temp}, nil, fn.Type(d.Temp).Mutable, fn.Def.Range)
			g.provOf(d.ID).Insert(int(n))
		}
	}

	order := stackless.NewAnalyzer().ReversePostorder(fn)
	for changed := true; changed; {
		changed = false
		for _, id := range order {
			for i, in := range fn.Blocks[id].Instrs {
				if g.step(Point{Block: id, Index: i}, in) {
					changed = true
				}
			}
		}
	}
	return g
}

// step updates the provenance of the reference definitions of in.
func (g *BorrowGraph) step(p Point, in *stackless.Instr) bool {
	defs := g.rd.DefsOf(in)
	changed := false
	for k, dst := range in.Dsts {
		typ := g.fn.Type(dst)
		if !typ.IsReference() {
			continue
		}
		def := defs[k]
		var set intsets.Sparse
		switch in.Op {
		case stackless.OpBorrowLoc:
			set.Insert(int(g.node(def, -1, Root{Kind: RootLocal, Local: in.Srcs[0]}, nil, in.Mutable, in.Range)))
		case stackless.OpBorrowGlobal:
			root := Root{Kind: RootGlobal, Struct: in.Struct, Addr: -1}
			if !g.fn.IsLocal(in.Srcs[0]) {
				root.Addr = in.Srcs[0]
			}
			root.AddrConst = g.constValue(p, in.Srcs[0], 0)
			set.Insert(int(g.node(def, -1, root, nil, in.Mutable, in.Range)))
		case stackless.OpBorrowField, stackless.OpFreezeRef:
			field := -1
			if in.Op == stackless.OpBorrowField {
				field = in.Field
			}
			for _, parent := range g.ProvenanceAt(p, in.Srcs[0]) {
				pn := g.Nodes[parent]
				path := append([]int(nil), pn.Path...)
				if field >= 0 {
					path = append(path, field)
				}
				n := g.node(def, parent, pn.Root, path, in.Op == stackless.OpBorrowField && in.Mutable, in.Range)
				set.Insert(int(n))
			}
		case stackless.OpAssign:
			for _, n := range g.ProvenanceAt(p, in.Srcs[0]) {
				set.Insert(int(n))
			}
		case stackless.OpMerge:
			for i, src := range in.Srcs {
				for _, d := range g.rd.AtEnd(in.From[i], src) {
					set.UnionWith(g.provOf(d))
				}
			}
		default:
			set.Insert(int(g.node(def, -1, Root{Kind: RootUnknown}, nil, typ.Mutable, in.Range)))
		}
		if g.provOf(def).UnionWith(&set) {
			changed = true
		}
	}
	return changed
}

func (g *BorrowGraph) node(def DefID, parent NodeID, root Root, path []int, mut bool, rng bytecode.Range) NodeID {
	key := nodeKey{def: def, parent: parent}
	if id, ok := g.byKey[key]; ok {
		return id
	}
	id := NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, &Node{ID: id, Root: root, Path: path, Mutable: mut, Parent: parent, Def: def, Range: rng})
	g.byKey[key] = id
	if parent >= 0 {
		field := -1
		if len(path) > len(g.Nodes[parent].Path) {
			field = path[len(path)-1]
		}
		g.Edges = append(g.Edges, BorrowEdge{From: id, To: parent, Field: field})
	}
	return id
}

func (g *BorrowGraph) provOf(d DefID) *intsets.Sparse {
	s, ok := g.prov[d]
	if !ok {
		s = new(intsets.Sparse)
		g.prov[d] = s
	}
	return s
}

// constValue follows assignments back to a constant.
func (g *BorrowGraph) constValue(p Point, t stackless.Temp, depth int) *uint256.Int {
	defs := g.rd.At(p, t)
	if len(defs) != 1 || depth > 16 {
		return nil
	}
	d := g.rd.Def(defs[0])
	if d.IsParam() {
		return nil
	}
	switch d.Instr.Op {
	case stackless.OpConst:
		return d.Instr.Value
	case stackless.OpAssign:
		return g.constValue(d.Point, d.Instr.Srcs[0], depth+1)
	}
	return nil
}

// ProvenanceAt returns the nodes a reference temporary may point to at p.
func (g *BorrowGraph) ProvenanceAt(p Point, t stackless.Temp) []NodeID {
	var set intsets.Sparse
	for _, d := range g.rd.At(p, t) {
		if s, ok := g.prov[d]; ok {
			set.UnionWith(s)
		}
	}
	var out []NodeID
	for _, x := range set.AppendTo(nil) {
		out = append(out, NodeID(x))
	}
	return out
}

// Provenance returns the nodes of a definition.
func (g *BorrowGraph) Provenance(d DefID) []NodeID {
	s, ok := g.prov[d]
	if !ok {
		return nil
	}
	var out []NodeID
	for _, x := range s.AppendTo(nil) {
		out = append(out, NodeID(x))
	}
	return out
}

// =============================================================================
// Alias Queries
// =============================================================================

func prefixRelated(a, b []int) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameRoot(a, b Root, must bool) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case RootLocal, RootParam:
		return a.Local == b.Local
	case RootGlobal:
		if a.Struct != b.Struct {
			return false
		}
		if a.AddrConst != nil && b.AddrConst != nil {
			return a.AddrConst.Eq(b.AddrConst)
		}
		if !must {
			return true
		}
		return a.Addr >= 0 && a.Addr == b.Addr
	}
	return false
}

// MayAlias reports whether two provenances can denote overlapping storage.
// Global roots of one type alias unless both addresses are distinct
// constants. Unknown roots alias everything.
func (g *BorrowGraph) MayAlias(a, b NodeID) bool {
	na, nb := g.Nodes[a], g.Nodes[b]
	if na.Root.Kind == RootUnknown || nb.Root.Kind == RootUnknown {
		return true
	}
	return sameRoot(na.Root, nb.Root, false) && prefixRelated(na.Path, nb.Path)
}

// MustAlias reports whether two provenances definitely overlap.
func (g *BorrowGraph) MustAlias(a, b NodeID) bool {
	na, nb := g.Nodes[a], g.Nodes[b]
	if na.Root.Kind == RootUnknown || nb.Root.Kind == RootUnknown {
		return false
	}
	return sameRoot(na.Root, nb.Root, true) && prefixRelated(na.Path, nb.Path)
}

// Derived reports whether one node is reachable from the other along
// borrow edges.
func (g *BorrowGraph) Derived(a, b NodeID) bool {
	return g.isAncestor(a, b) || g.isAncestor(b, a)
}

func (g *BorrowGraph) isAncestor(anc, n NodeID) bool {
	for cur := n; cur >= 0; cur = g.Nodes[cur].Parent {
		if cur == anc {
			return true
		}
	}
	return false
}

// Describe renders a node for debug output.
func (g *BorrowGraph) Describe(id NodeID) string {
	n := g.Nodes[id]
	var base string
	switch n.Root.Kind {
	case RootLocal, RootParam:
		base = fmt.Sprintf("%s %s", n.Root.Kind, g.fn.TempName(n.Root.Local))
	case RootGlobal:
		addr := "?"
		switch {
		case n.Root.AddrConst != nil:
			addr = n.Root.AddrConst.Hex()
		case n.Root.Addr >= 0:
			addr = g.fn.TempName(n.Root.Addr)
		}
		base = fmt.Sprintf("global<%s>(%s)", n.Root.Struct.Name, addr)
	default:
		base = "unknown"
	}
	for _, f := range n.Path {
		base += fmt.Sprintf(".#%d", f)
	}
	if n.Mutable {
		return "&mut " + base
	}
	return "&" + base
}
