package resprove_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/tools/txtar"

	"github.com/mpyw/resprove"
	"github.com/mpyw/resprove/internal/solver"
)

// expectation is one line of a fixture's want file:
//
//	<function> <status> [<diagnostic kind>]
type expectation struct {
	status resprove.Status
	kind   string
}

type fixture struct {
	path   string
	bundle *resprove.Bundle
	want   map[string]expectation
}

func fixtures(t *testing.T) []fixture {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("testdata", "verify", "*.txtar"))
	if err != nil || len(paths) == 0 {
		t.Fatalf("no fixtures: %v", err)
	}
	var out []fixture
	for _, p := range paths {
		ar, err := txtar.ParseFile(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		b, err := resprove.Load(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		f := fixture{path: p, bundle: b, want: make(map[string]expectation)}
		for _, file := range ar.Files {
			if file.Name != "want" {
				continue
			}
			sc := bufio.NewScanner(bytes.NewReader(file.Data))
			for sc.Scan() {
				fields := strings.Fields(sc.Text())
				if len(fields) < 2 {
					continue
				}
				e := expectation{status: resprove.Status(fields[1])}
				if len(fields) > 2 {
					e.kind = fields[2]
				}
				f.want[fields[0]] = e
			}
		}
		out = append(out, f)
	}
	return out
}

func quiet() log.Logger { return log.NewLogger(log.NewTerminalHandler(io.Discard, false)) }

// provable answers every query valid.
type provable struct{}

func (provable) Solve(ctx context.Context, req resprove.SolverRequest) (*resprove.SolverResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &resprove.SolverResult{Name: req.Name, Status: solver.StatusValid, Attempts: 1}, nil
}

// =============================================================================
// With a Real Solver
// =============================================================================

func TestVerify_Fixtures(t *testing.T) {
	if _, err := exec.LookPath("z3"); err != nil {
		t.Skip("z3 not installed")
	}
	prover, err := resprove.New(resprove.DefaultConfig(), resprove.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, f := range fixtures(t) {
		t.Run(filepath.Base(f.path), func(t *testing.T) {
			report, err := prover.Verify(context.Background(), f.bundle)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if len(report.Outcomes) != len(f.want) {
				t.Errorf("outcomes = %d, want %d", len(report.Outcomes), len(f.want))
			}
			for _, o := range report.Outcomes {
				want, ok := f.want[o.Function.String()]
				if !ok {
					t.Errorf("unexpected outcome for %s", o.Function)
					continue
				}
				if o.Status != want.status {
					t.Errorf("%s: status = %s, want %s\n%+v", o.Function, o.Status, want.status, o.Diagnostics)
				}
				if want.kind != "" && (len(o.Diagnostics) == 0 || o.Diagnostics[0].Kind != want.kind) {
					t.Errorf("%s: diagnostics = %+v, want kind %s", o.Function, o.Diagnostics, want.kind)
				}
			}
		})
	}
}

// =============================================================================
// Without a Solver
// =============================================================================

func TestVerify_TranslationOutcomes(t *testing.T) {
	prover, err := resprove.New(nil, resprove.WithGateway(provable{}), resprove.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, f := range fixtures(t) {
		t.Run(filepath.Base(f.path), func(t *testing.T) {
			report, err := prover.Verify(context.Background(), f.bundle)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			for _, o := range report.Outcomes {
				want := f.want[o.Function.String()]
				gotErr := o.Status == resprove.StatusTranslationError
				wantErr := want.status == resprove.StatusTranslationError
				if gotErr != wantErr {
					t.Errorf("%s: status = %s, want %s", o.Function, o.Status, want.status)
				}
			}
		})
	}
}

// Every diagnostic points into the source of its own module.
func TestVerify_DiagnosticsInsideSource(t *testing.T) {
	prover, err := resprove.New(nil, resprove.WithGateway(provable{}), resprove.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, f := range fixtures(t) {
		report, err := prover.Verify(context.Background(), f.bundle)
		if err != nil {
			t.Fatalf("%s: %v", f.path, err)
		}
		for _, o := range report.Outcomes {
			for _, d := range o.Diagnostics {
				src := f.bundle.Program.Source(d.Range)
				if src == nil || !d.Range.Within(len(src)) || d.Range.Module != o.Function.Module {
					t.Errorf("%s: diagnostic %q at %s outside its module", o.Function, d.Message, d.Range)
				}
				if d.Position.Line < 1 {
					t.Errorf("%s: diagnostic %q has no line", o.Function, d.Message)
				}
			}
		}
	}
}

func TestVerify_Deterministic(t *testing.T) {
	fingerprints := func(workers int) map[string]string {
		cfg := resprove.DefaultConfig()
		cfg.Workers = workers
		prover, err := resprove.New(cfg, resprove.WithGateway(provable{}), resprove.WithLogger(quiet()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		out := make(map[string]string)
		for _, f := range fixtures(t) {
			report, err := prover.Verify(context.Background(), f.bundle)
			if err != nil {
				t.Fatalf("%s: %v", f.path, err)
			}
			for _, o := range report.Outcomes {
				var parts []string
				for _, h := range o.Fingerprints {
					parts = append(parts, h.Hex())
				}
				out[o.Function.String()] = strings.Join(parts, ",")
			}
		}
		return out
	}

	a, b := fingerprints(1), fingerprints(8)
	if len(a) != len(b) {
		t.Fatalf("outcome counts differ: %d vs %d", len(a), len(b))
	}
	for fn, h := range a {
		if b[fn] != h {
			t.Errorf("%s: fingerprints differ between runs", fn)
		}
	}
}

func TestVerifyFiles_Missing(t *testing.T) {
	prover, err := resprove.New(nil, resprove.WithGateway(provable{}), resprove.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := prover.VerifyFiles(context.Background(), filepath.Join(t.TempDir(), "none.mvasm")); err == nil {
		t.Error("VerifyFiles of a missing file succeeded")
	}
}

func TestWriteDebug(t *testing.T) {
	cfg := resprove.DefaultConfig()
	cfg.DebugFilter = `::Arith::add_declared$`
	prover, err := resprove.New(cfg, resprove.WithGateway(provable{}), resprove.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := prover.VerifyFiles(context.Background(), filepath.Join("testdata", "verify", "overflow.txtar")); err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}
	var buf bytes.Buffer
	if err := prover.WriteDebug(&buf); err != nil {
		t.Fatalf("WriteDebug: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "0x1::Arith::add_declared") || strings.Contains(out, "add_unchecked") {
		t.Errorf("debug output:\n%s", out)
	}
}
