package solver

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stub writes a shell script acting as the solver.
func stub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub solvers are shell scripts")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh")
	}
	path := filepath.Join(t.TempDir(), "solver.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newStub(t *testing.T, body string) *Process {
	return NewProcess(Options{
		Command:     stub(t, body),
		Args:        []string{"{file}", "{timeout}"},
		RelaxedArgs: []string{"--relaxed"},
		Timeout:     time.Second,
		Grace:       200 * time.Millisecond,
	})
}

const query = "(check-sat)\n"

// =============================================================================
// Classification
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		out       output
		want      Status
		wantCrash bool
		wantTO    bool
	}{
		{"unsat", output{stdout: "unsat\n"}, StatusValid, false, false},
		{"unsat then get-value error", output{stdout: "unsat\n(error \"model is not available\")\n", exitCode: 1}, StatusValid, false, false},
		{"sat", output{stdout: "sat\n((fail!0 true))\n"}, StatusInvalid, false, false},
		{"unknown", output{stdout: "unknown\n(error \"model is not available\")\n"}, StatusUnknown, false, true},
		{"solver timeout", output{stdout: "timeout\n"}, StatusUnknown, false, true},
		{"killed", output{killed: true, exitCode: -1}, StatusUnknown, false, true},
		{"error before verdict", output{stdout: "(error \"line 3: unknown constant x\")\nsat\n"}, StatusUnknown, true, false},
		{"nonzero exit", output{stderr: "segfault\n", exitCode: 139}, StatusUnknown, true, false},
		{"no verdict", output{stdout: "hello\n"}, StatusUnknown, true, false},
		{"sat with broken model", output{stdout: "sat\n((fail!0 true)\n"}, StatusUnknown, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := classify("q", time.Second, tt.out)
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			var crash *SolverCrashError
			var to *SolverTimeoutError
			if errors.As(err, &crash) != tt.wantCrash {
				t.Errorf("crash = %v, want %v", err, tt.wantCrash)
			}
			if errors.As(err, &to) != tt.wantTO {
				t.Errorf("timeout = %v, want %v", err, tt.wantTO)
			}
		})
	}
}

func TestParseModel(t *testing.T) {
	m, err := parseModel("((fail!0 true)\n (fail!1 false)\n (a@0 (- 3))\n (|x y@0| 7)\n (c@0 (mk!Coin 5)))\n")
	if err != nil {
		t.Fatalf("parseModel: %v", err)
	}
	for sym, want := range map[string]string{
		"fail!0":  "true",
		"fail!1":  "false",
		"a@0":     "-3",
		"|x y@0|": "7",
		"x y@0":   "7",
		"c@0":     "(mk!Coin 5)",
	} {
		if got, ok := m.Value(sym); !ok || got != want {
			t.Errorf("Value(%s) = %q, %v; want %q", sym, got, ok, want)
		}
	}
	if !m.True("fail!0") || m.True("fail!1") || m.True("missing") {
		t.Error("True misreads Boolean values")
	}

	for _, bad := range []string{"", "x", "((a 1 2))", "((a 1)"} {
		if _, err := parseModel(bad); err == nil {
			t.Errorf("parseModel(%q) succeeded", bad)
		}
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("0x1::Math::add#1-of-2"); got != "0x1__Math__add_1-of-2.smt2" {
		t.Errorf("FileName = %q", got)
	}
}

// =============================================================================
// Process
// =============================================================================

func TestProcess_Valid(t *testing.T) {
	p := newStub(t, `test -f "$1" || exit 3
test "$2" = 1 || exit 4
echo unsat`)
	res, err := p.Solve(context.Background(), Request{Name: "f", Text: query})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != StatusValid || res.Err != nil || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_Invalid(t *testing.T) {
	p := newStub(t, `echo sat
echo '((fail!0 false) (fail!1 true) (a@0 18446744073709551615))'`)
	res, err := p.Solve(context.Background(), Request{Name: "f", Text: query})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != StatusInvalid {
		t.Fatalf("status = %s (%v)", res.Status, res.Err)
	}
	if !res.Model.True("fail!1") || res.Model.True("fail!0") {
		t.Errorf("model = %+v", res.Model.Values)
	}
	if v, _ := res.Model.Value("a@0"); v != "18446744073709551615" {
		t.Errorf("a@0 = %q", v)
	}
}

func TestProcess_Timeout(t *testing.T) {
	p := newStub(t, "exec sleep 5")
	start := time.Now()
	res, err := p.Solve(context.Background(), Request{Name: "slow", Text: query, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	var to *SolverTimeoutError
	if res.Status != StatusUnknown || !errors.As(res.Err, &to) {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("timeouts retried: attempts = %d", res.Attempts)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("solver not killed at the deadline")
	}
}

func TestProcess_CrashRetriedRelaxed(t *testing.T) {
	p := newStub(t, `case "$*" in
*--relaxed*) echo unsat ;;
*) echo '(error "out of memory")'; exit 1 ;;
esac`)
	res, err := p.Solve(context.Background(), Request{Name: "f", Text: query})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != StatusValid || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_CrashTwice(t *testing.T) {
	p := newStub(t, `echo boom >&2
exit 2`)
	res, err := p.Solve(context.Background(), Request{Name: "f", Text: query})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	var crash *SolverCrashError
	if res.Status != StatusUnknown || !errors.As(res.Err, &crash) {
		t.Fatalf("result = %+v", res)
	}
	if crash.ExitCode != 2 || crash.Detail != "boom" || res.Attempts != 2 {
		t.Errorf("crash = %+v, attempts %d", crash, res.Attempts)
	}
}

func TestNewProcess_Defaults(t *testing.T) {
	def := DefaultOptions()
	tests := []struct {
		name    string
		opts    Options
		command string
		args    []string
		relaxed []string
	}{
		{"zero", Options{}, def.Command, def.Args, def.RelaxedArgs},
		{"default command keeps args", Options{Args: []string{"{file}"}}, def.Command, []string{"{file}"}, def.RelaxedArgs},
		{"own command", Options{Command: "cvc5", Args: []string{"{file}"}}, "cvc5", []string{"{file}"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcess(tt.opts)
			if p.opts.Command != tt.command {
				t.Errorf("command = %q, want %q", p.opts.Command, tt.command)
			}
			if strings.Join(p.opts.Args, " ") != strings.Join(tt.args, " ") {
				t.Errorf("args = %v, want %v", p.opts.Args, tt.args)
			}
			if strings.Join(p.opts.RelaxedArgs, " ") != strings.Join(tt.relaxed, " ") {
				t.Errorf("relaxed args = %v, want %v", p.opts.RelaxedArgs, tt.relaxed)
			}
			if p.opts.Timeout != def.Timeout || p.opts.Grace != def.Grace {
				t.Errorf("timeout = %s grace = %s", p.opts.Timeout, p.opts.Grace)
			}
		})
	}
}

func TestProcess_MissingCommand(t *testing.T) {
	p := NewProcess(Options{Command: filepath.Join(t.TempDir(), "no-such-solver"), Args: []string{"{file}"}})
	res, err := p.Solve(context.Background(), Request{Name: "f", Text: query})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	var crash *SolverCrashError
	if !errors.As(res.Err, &crash) || crash.ExitCode != -1 {
		t.Errorf("err = %v", res.Err)
	}
}

func TestProcess_KeepDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queries")
	p := newStub(t, "echo unsat")
	p.opts.KeepDir = dir
	if _, err := p.Solve(context.Background(), Request{Name: "0x1::M::f", Text: query}); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "0x1__M__f.smt2"))
	if err != nil {
		t.Fatalf("query not kept: %v", err)
	}
	if string(data) != query {
		t.Errorf("kept query = %q", data)
	}
}

func TestProcess_Cancelled(t *testing.T) {
	p := newStub(t, "exec sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := p.Solve(ctx, Request{Name: "f", Text: query})
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Errorf("Solve = %+v, %v; want context.Canceled", res, err)
	}
}

// =============================================================================
// Pool
// =============================================================================

type fakeGateway struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	calls    atomic.Int32
}

func (g *fakeGateway) Solve(ctx context.Context, req Request) (*Result, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.inFlight++
	g.peak = max(g.peak, g.inFlight)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if strings.HasPrefix(req.Name, "bad") {
		return &Result{Name: req.Name, Status: StatusInvalid}, nil
	}
	return &Result{Name: req.Name, Status: StatusValid}, nil
}

func TestPool_BoundedAndOrdered(t *testing.T) {
	g := &fakeGateway{}
	pool := &Pool{Gateway: g, Workers: 2}
	reqs := []Request{{Name: "a"}, {Name: "bad1"}, {Name: "c"}, {Name: "d"}, {Name: "bad2"}}

	results, err := pool.SolveAll(context.Background(), reqs)
	if err != nil {
		t.Fatalf("SolveAll: %v", err)
	}
	if g.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", g.peak)
	}
	for i, r := range results {
		if r == nil || r.Name != reqs[i].Name {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if results[1].Status != StatusInvalid || results[0].Status != StatusValid {
		t.Errorf("statuses = %s, %s", results[0].Status, results[1].Status)
	}
}

func TestPool_CancelKeepsPartialResults(t *testing.T) {
	g := &fakeGateway{}
	pool := &Pool{Gateway: g, Workers: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := pool.SolveAll(ctx, []Request{{Name: "a"}, {Name: "b"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	for _, r := range results {
		if r != nil {
			t.Errorf("cancelled request produced %+v", r)
		}
	}
}
