package dataflow

import (
	"fmt"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/stackless"
)

// Violation is a detected breach of mutable-borrow uniqueness.
type Violation struct {
	Point   Point
	Range   bytecode.Range
	Message string
}

// Tracker checks that at most one mutable reference to a location is live
// at any point.
//
// Design principle:
//   - Every point records the live mutable references and their provenance
//   - Two of them with definitely overlapping provenance are a violation,
//     unless one was derived from the other
//   - References with several possible provenances are never definite
type Tracker struct {
	graph *BorrowGraph
	fn    *stackless.Function

	// points holds the live mutable references per recorded point.
	points []pointInfo

	violations []Violation
}

type pointInfo struct {
	point Point
	rng   bytecode.Range
	refs  []liveRef
}

type liveRef struct {
	temp stackless.Temp
	node NodeID // -1 when the provenance is not a single node
}

// NewTracker creates a new Tracker.
func NewTracker(fn *stackless.Function, graph *BorrowGraph) *Tracker {
	return &Tracker{graph: graph, fn: fn}
}

// RecordPoint records the mutable references live after the instruction at p.
func (t *Tracker) RecordPoint(p Point, rng bytecode.Range, live []stackless.Temp, provAfter func(stackless.Temp) []NodeID) {
	info := pointInfo{point: p, rng: rng}
	for _, temp := range live {
		if !t.fn.Type(temp).IsMutableReference() {
			continue
		}
		ref := liveRef{temp: temp, node: -1}
		if nodes := provAfter(temp); len(nodes) == 1 {
			ref.node = nodes[0]
		}
		info.refs = append(info.refs, ref)
	}
	if len(info.refs) > 1 {
		t.points = append(t.points, info)
	}
}

// DetectViolations performs violation detection after all points are recorded.
func (t *Tracker) DetectViolations() {
	for _, info := range t.points {
	pairs:
		for i, a := range info.refs {
			for _, b := range info.refs[i+1:] {
				if a.node < 0 || b.node < 0 {
					continue
				}
				if !t.graph.MustAlias(a.node, b.node) || t.graph.Derived(a.node, b.node) {
					continue
				}
				t.violations = append(t.violations, Violation{
					Point: info.point,
					Range: info.rng,
					Message: fmt.Sprintf("two live mutable references %s and %s to %s",
						t.fn.TempName(a.temp), t.fn.TempName(b.temp), t.graph.Describe(a.node)),
				})
				break pairs
			}
		}
	}
}

// CollectViolations returns all detected violations.
func (t *Tracker) CollectViolations() []Violation {
	return t.violations
}
