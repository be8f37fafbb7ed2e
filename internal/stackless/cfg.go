package stackless

import (
	"sort"
)

// Analyzer provides control flow graph queries over stackless functions.
// It is stateless and can be reused across multiple analyses.
type Analyzer struct{}

// NewAnalyzer creates a new Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// LoopInfo contains information about loops in a function.
type LoopInfo struct {
	Loops      []*Loop
	loopBlocks map[BlockID]bool
	backEdges  map[[2]BlockID]bool
}

// IsInLoop returns true if the block is inside a loop.
func (l *LoopInfo) IsInLoop(b BlockID) bool {
	return l.loopBlocks[b]
}

// IsBackEdge reports whether from→to closes a loop.
func (l *LoopInfo) IsBackEdge(from, to BlockID) bool {
	return l.backEdges[[2]BlockID{from, to}]
}

// CanReach checks if src can reach dst in the CFG using BFS.
func (a *Analyzer) CanReach(fn *Function, src, dst BlockID) bool {
	if src == dst {
		return true
	}

	visited := make(map[BlockID]bool)
	queue := []BlockID{src}
	visited[src] = true

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]

		for _, e := range fn.Blocks[b].Succs {
			if e.To == dst {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

// ReversePostorder returns the blocks reachable from the entry in reverse
// postorder. Successors are visited in edge order, so the result is
// deterministic.
func (a *Analyzer) ReversePostorder(fn *Function) []BlockID {
	visited := make([]bool, len(fn.Blocks))
	var post []BlockID
	var visit func(BlockID)
	visit = func(b BlockID) {
		visited[b] = true
		for _, e := range fn.Blocks[b].Succs {
			if !visited[e.To] {
				visit(e.To)
			}
		}
		post = append(post, b)
	}
	visit(fn.Entry)

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// DetectLoops finds back-edges with a depth-first search and computes the
// natural loop of every header.
func (a *Analyzer) DetectLoops(fn *Function) *LoopInfo {
	info := &LoopInfo{
		loopBlocks: make(map[BlockID]bool),
		backEdges:  make(map[[2]BlockID]bool),
	}
	if len(fn.Blocks) == 0 {
		return info
	}

	// Detect back-edges: edges into a block still on the DFS stack
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(fn.Blocks))
	latches := make(map[BlockID][]BlockID)
	var dfs func(BlockID)
	dfs = func(b BlockID) {
		color[b] = grey
		for _, e := range fn.Blocks[b].Succs {
			switch color[e.To] {
			case white:
				dfs(e.To)
			case grey:
				info.backEdges[[2]BlockID{b, e.To}] = true
				latches[e.To] = append(latches[e.To], b)
			}
		}
		color[b] = black
	}
	dfs(fn.Entry)

	headers := make([]BlockID, 0, len(latches))
	for h := range latches {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i] < headers[j] })

	for _, h := range headers {
		loop := &Loop{Header: h, Latches: dedupe(latches[h])}
		loop.Body = a.markLoopBlocks(fn, h, loop.Latches)
		for _, b := range loop.Body {
			info.loopBlocks[b] = true
		}
		info.Loops = append(info.Loops, loop)
	}
	return info
}

// markLoopBlocks collects the natural loop of header: every block that can
// reach a latch without passing through the header.
func (a *Analyzer) markLoopBlocks(fn *Function, header BlockID, latches []BlockID) []BlockID {
	in := map[BlockID]bool{header: true}
	stack := append([]BlockID(nil), latches...)
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if in[b] {
			continue
		}
		in[b] = true
		stack = append(stack, fn.Blocks[b].Preds...)
	}
	body := make([]BlockID, 0, len(in))
	for b := range in {
		body = append(body, b)
	}
	sort.Slice(body, func(i, j int) bool { return body[i] < body[j] })
	return body
}

// IsReducible reports whether every loop header dominates its latches, that
// is, every loop is entered only through its header. It returns a latch that
// can be reached around the header otherwise.
func (a *Analyzer) IsReducible(fn *Function, info *LoopInfo) (BlockID, bool) {
	for _, l := range info.Loops {
		if l.Header == fn.Entry {
			continue
		}
		visited := map[BlockID]bool{fn.Entry: true, l.Header: true}
		queue := []BlockID{fn.Entry}
		for len(queue) > 0 {
			b := queue[0]
			queue = queue[1:]
			for _, e := range fn.Blocks[b].Succs {
				if visited[e.To] {
					continue
				}
				if containsBlock(l.Latches, e.To) {
					return e.To, false
				}
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return 0, true
}

// finalize recomputes predecessors, back-edge flags and loops after the
// block graph changed.
func finalize(fn *Function) *LoopInfo {
	for _, b := range fn.Blocks {
		b.Preds = nil
	}
	for _, b := range fn.Blocks {
		for _, e := range b.Succs {
			to := fn.Blocks[e.To]
			if !containsBlock(to.Preds, b.ID) {
				to.Preds = append(to.Preds, b.ID)
			}
		}
	}
	a := NewAnalyzer()
	info := a.DetectLoops(fn)
	for _, b := range fn.Blocks {
		for i := range b.Succs {
			b.Succs[i].Back = info.IsBackEdge(b.ID, b.Succs[i].To)
		}
	}
	fn.Loops = info.Loops
	return info
}

func containsBlock(list []BlockID, b BlockID) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

func dedupe(list []BlockID) []BlockID {
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	out := list[:0]
	for i, b := range list {
		if i == 0 || b != list[i-1] {
			out = append(out, b)
		}
	}
	return out
}
