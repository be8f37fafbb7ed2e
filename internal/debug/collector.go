// Package debug records intermediate artifacts for functions matching a
// filter and prints them in pipeline order.
package debug

import (
	"regexp"
	"sort"
	"sync"
)

// Collector keeps debug dumps of the functions matching a filter. It is
// safe for concurrent use by the per-function workers.
type Collector struct {
	filter *regexp.Regexp

	mu    sync.Mutex
	dumps map[string][]Dump
}

// NewCollector creates a Collector. A nil filter disables collection.
func NewCollector(filter *regexp.Regexp) *Collector {
	return &Collector{
		filter: filter,
		dumps:  make(map[string][]Dump),
	}
}

// Enabled reports whether dumps of fn are kept.
func (c *Collector) Enabled(fn string) bool {
	return c != nil && c.filter != nil && c.filter.MatchString(fn)
}

// Record stores a dump of fn when fn matches the filter. render is only
// called for matching functions.
func (c *Collector) Record(fn string, stage Stage, title string, render func() string) {
	if !c.Enabled(fn) {
		return
	}
	d := Dump{Function: fn, Stage: stage, Title: title, Text: render()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dumps[fn] = append(c.dumps[fn], d)
}

// Functions returns the functions with dumps in sorted order.
func (c *Collector) Functions() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.dumps))
	for fn := range c.dumps {
		out = append(out, fn)
	}
	sort.Strings(out)
	return out
}

// Dumps returns the dumps of fn in recording order.
func (c *Collector) Dumps(fn string) []Dump {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Dump(nil), c.dumps[fn]...)
}
