package bytecode

import (
	"fmt"
	"sort"
)

// Range is a half-open byte range [Start, End) in a module's source text.
type Range struct {
	Module ModuleID
	Start  int
	End    int
}

// IsZero reports whether r carries no location.
func (r Range) IsZero() bool { return r.Start == 0 && r.End == 0 }

// Within reports whether r lies inside a source text of length n.
func (r Range) Within(n int) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End <= n
}

// Less orders ranges by module, then offset.
func (r Range) Less(o Range) bool {
	if a, b := r.Module.String(), o.Module.String(); a != b {
		return a < b
	}
	if r.Start != o.Start {
		return r.Start < o.Start
	}
	return r.End < o.End
}

func (r Range) String() string {
	return fmt.Sprintf("%s@%d:%d", r.Module, r.Start, r.End)
}

// Position is a human readable location.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// LineIndex converts byte offsets to line/column positions.
type LineIndex struct {
	file  string
	lines []int // offset of each line start
}

// NewLineIndex indexes src.
func NewLineIndex(file string, src []byte) *LineIndex {
	lines := []int{0}
	for i, c := range src {
		if c == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &LineIndex{file: file, lines: lines}
}

// Position returns the 1-based line and column of offset.
func (x *LineIndex) Position(offset int) Position {
	i := sort.Search(len(x.lines), func(i int) bool { return x.lines[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	return Position{File: x.file, Line: i + 1, Column: offset - x.lines[i] + 1}
}
