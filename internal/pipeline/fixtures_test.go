package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/config"
	"github.com/mpyw/resprove/internal/debug"
)

// wiring lists, per function, text that must appear (or, prefixed with
// "!", must not appear) in its annotated program.
var wiring = map[string][]string{
	"0x1::Alias::stale":            {"havoc r1", "; relink", "[ensures]"},
	"0x1::Alias::fresh":            {"havoc r1", "; relink", "[ensures]"},
	"0x1::Arith::add_unchecked":    {"[undeclared-abort]", "[ensures]"},
	"0x1::Arith::add_declared":     {"[aborts-if]", "[aborts-if-strict]", "![undeclared-abort]"},
	"0x1::Calls::inc":              {"[undeclared-abort]", "[ensures]"},
	"0x1::Calls::six":              {"[precondition]", "; ensures of inc"},
	"0x1::Calls::too_big":          {"[precondition]"},
	"0x1::Vault::take":             {"; frame", "[modifies]", "[ensures]"},
	"0x1::Vault::take_claims_kept": {"; frame", "[ensures]"},
	"0x1::Mixed::id":               {"[ensures]"},
}

type verifyFixture struct {
	name   string
	bundle *bytecode.Bundle
	want   map[string][]string // function -> status [kind]
}

func loadFixtures(t *testing.T) []verifyFixture {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("..", "..", "testdata", "verify", "*.txtar"))
	if err != nil || len(paths) == 0 {
		t.Fatalf("no fixtures: %v", err)
	}
	var out []verifyFixture
	for _, p := range paths {
		ar, err := txtar.ParseFile(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		b, err := bytecode.LoadArchive(ar)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		f := verifyFixture{name: filepath.Base(p), bundle: b, want: make(map[string][]string)}
		for _, file := range ar.Files {
			if file.Name != "want" {
				continue
			}
			sc := bufio.NewScanner(bytes.NewReader(file.Data))
			for sc.Scan() {
				if fields := strings.Fields(sc.Text()); len(fields) >= 2 {
					f.want[fields[0]] = fields[1:]
				}
			}
		}
		out = append(out, f)
	}
	return out
}

// =============================================================================
// Fixtures
// =============================================================================

// TestFixtures_Assembled checks every fixture without a solver: translation
// errors must match exactly, functions expected invalid must carry an
// assertion of the expected kind in a dispatched query, and the annotated
// programs must contain the encoding the verdict depends on.
func TestFixtures_Assembled(t *testing.T) {
	for _, f := range loadFixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.DebugFilter = "."
			gw := &fakeGateway{}
			p, err := New(cfg, gw, quiet())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			r, err := p.Run(context.Background(), f.bundle)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(r.Outcomes) != len(f.want) {
				t.Errorf("outcomes = %d, want %d", len(r.Outcomes), len(f.want))
			}

			for _, o := range r.Outcomes {
				fn := o.Function.String()
				want, ok := f.want[fn]
				if !ok {
					t.Errorf("unexpected outcome for %s", fn)
					continue
				}
				status := Status(want[0])
				kind := ""
				if len(want) > 1 {
					kind = want[1]
				}

				if status == StatusTranslationError {
					if o.Status != StatusTranslationError || len(o.Diagnostics) == 0 || o.Diagnostics[0].Kind != kind {
						t.Errorf("%s = %s %+v, want translation_error %s", fn, o.Status, o.Diagnostics, kind)
					}
					continue
				}
				if o.Status == StatusTranslationError {
					t.Errorf("%s failed to translate: %+v", fn, o.Diagnostics)
					continue
				}
				if _, ok := gw.requests[fn]; !ok {
					t.Errorf("%s: no query dispatched", fn)
				}

				annotated := dump(p.Debug(), fn, debug.StageAnnotated)
				if kind != "" && !strings.Contains(annotated, "["+kind+"]") {
					t.Errorf("%s: no %s assertion to fail\n%s", fn, kind, annotated)
				}
				for _, w := range wiring[fn] {
					if neg, found := strings.CutPrefix(w, "!"); found {
						if strings.Contains(annotated, neg) {
							t.Errorf("%s: unexpected %q\n%s", fn, neg, annotated)
						}
					} else if !strings.Contains(annotated, w) {
						t.Errorf("%s: missing %q\n%s", fn, w, annotated)
					}
				}
			}
		})
	}
}

func TestFixtures_WiringCoversValidFunctions(t *testing.T) {
	for _, f := range loadFixtures(t) {
		for fn, want := range f.want {
			if want[0] != string(StatusTranslationError) && len(wiring[fn]) == 0 {
				t.Errorf("%s (%s) has no wiring expectations", fn, f.name)
			}
		}
	}
}

func dump(c *debug.Collector, fn string, stage debug.Stage) string {
	var b strings.Builder
	for _, d := range c.Dumps(fn) {
		if d.Stage == stage {
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
