package debug

import (
	"fmt"
	"io"
	"strings"
)

// Write renders every collected dump, grouped by function in sorted order.
func Write(w io.Writer, c *Collector) error {
	for _, fn := range c.Functions() {
		if _, err := io.WriteString(w, Format(fn, c.Dumps(fn))); err != nil {
			return err
		}
	}
	return nil
}

// Format renders the dumps of one function.
func Format(fn string, dumps []Dump) string {
	if len(dumps) == 0 {
		return ""
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "\n=== Debug output for %s ===\n", fn)
	for _, d := range dumps {
		head := string(d.Stage)
		if d.Title != "" {
			head += " " + d.Title
		}
		fmt.Fprintf(&buf, "\n--- %s ---\n", head)
		buf.WriteString(d.Text)
		if !strings.HasSuffix(d.Text, "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}
