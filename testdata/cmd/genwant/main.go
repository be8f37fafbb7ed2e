// Command genwant rewrites the want member of every verification fixture
// from a run against the configured solver.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/tools/txtar"

	"github.com/mpyw/resprove"
)

func main() {
	files, err := filepath.Glob(filepath.Join("testdata", "verify", "*.txtar"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	prover, err := resprove.New(resprove.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, file := range files {
		fmt.Printf("Generating want for %s...\n", filepath.Base(file))
		if err := generate(prover, file); err != nil {
			fmt.Printf("  Error: %v\n", err)
			continue
		}
	}
}

func generate(prover *resprove.Prover, path string) error {
	ar, err := txtar.ParseFile(path)
	if err != nil {
		return err
	}
	report, err := prover.VerifyFiles(context.Background(), path)
	if err != nil {
		return err
	}

	var want bytes.Buffer
	for _, o := range report.Outcomes {
		fmt.Fprintf(&want, "%s %s", o.Function, o.Status)
		if o.Status != resprove.StatusValid && len(o.Diagnostics) > 0 {
			fmt.Fprintf(&want, " %s", o.Diagnostics[0].Kind)
		}
		want.WriteByte('\n')
	}

	kept := ar.Files[:0]
	for _, f := range ar.Files {
		if f.Name != "want" {
			kept = append(kept, f)
		}
	}
	ar.Files = append(kept, txtar.File{Name: "want", Data: want.Bytes()})
	return os.WriteFile(path, txtar.Format(ar), 0o644)
}
