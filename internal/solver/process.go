package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Options configure a solver process.
type Options struct {
	// Command is the solver executable.
	Command string
	// Args are passed to Command. "{file}" is replaced by the query path,
	// "{timeout}" by the timeout in whole seconds (rounded up) and
	// "{timeout_ms}" by the timeout in milliseconds.
	Args []string
	// RelaxedArgs are appended to Args when a crashed query is retried.
	RelaxedArgs []string
	// Timeout applies to queries without their own timeout.
	Timeout time.Duration
	// Grace is how long the process may run past its timeout before it is
	// killed, so the solver can report the timeout itself.
	Grace time.Duration
	// KeepDir, when set, receives every query file instead of a temporary
	// directory.
	KeepDir string
	// Logger defaults to a child of the root logger.
	Logger log.Logger
}

// DefaultOptions runs z3 with a 10 second timeout.
func DefaultOptions() Options {
	return Options{
		Command:     "z3",
		Args:        []string{"-smt2", "-memory:2048", "{file}", "-T:{timeout}"},
		RelaxedArgs: []string{"-memory:8192", "smt.relevancy=0"},
		Timeout:     10 * time.Second,
		Grace:       time.Second,
	}
}

// Process is a Gateway running one solver subprocess per query.
type Process struct {
	opts Options
	log  log.Logger
}

// NewProcess creates a Process. Zero options fall back to DefaultOptions;
// the default arguments apply only with the default command.
func NewProcess(opts Options) *Process {
	def := DefaultOptions()
	if opts.Command == "" {
		opts.Command = def.Command
		if opts.Args == nil {
			opts.Args = def.Args
		}
		if opts.RelaxedArgs == nil {
			opts.RelaxedArgs = def.RelaxedArgs
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Grace <= 0 {
		opts.Grace = def.Grace
	}
	l := opts.Logger
	if l == nil {
		l = log.New("component", "solver")
	}
	return &Process{opts: opts, log: l}
}

// Solve writes the query to a file and runs the solver on it. A crash is
// retried once with relaxed arguments and twice the timeout.
func (p *Process) Solve(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	res := &Result{Name: req.Name}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.opts.Timeout
	}

	path, cleanup, err := p.write(req)
	if err != nil {
		res.Err = &SolverCrashError{Query: req.Name, ExitCode: -1, Detail: "cannot write query file", Err: err}
		return res, nil
	}
	defer cleanup()

	args := p.opts.Args
	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		out := p.run(ctx, path, args, timeout)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Status, res.Model, res.Err = classify(req.Name, timeout, out)

		var crash *SolverCrashError
		if !errors.As(res.Err, &crash) || attempt == 2 {
			break
		}
		p.log.Warn("Solver crashed, retrying with relaxed settings", "query", req.Name, "err", res.Err)
		args = append(append([]string(nil), args...), p.opts.RelaxedArgs...)
		timeout *= 2
	}
	res.Elapsed = time.Since(start)
	p.log.Debug("Solved query", "query", req.Name, "status", res.Status, "attempts", res.Attempts, "elapsed", res.Elapsed)
	return res, nil
}

// write stores the query where the solver can read it.
func (p *Process) write(req Request) (string, func(), error) {
	if p.opts.KeepDir != "" {
		if err := os.MkdirAll(p.opts.KeepDir, 0o755); err != nil {
			return "", nil, err
		}
		path := filepath.Join(p.opts.KeepDir, FileName(req.Name))
		if err := os.WriteFile(path, []byte(req.Text), 0o644); err != nil {
			return "", nil, err
		}
		return path, func() {}, nil
	}
	f, err := os.CreateTemp("", "resprove-*.smt2")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.WriteString(req.Text); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// FileName turns a query name into a portable file name.
func FileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String() + ".smt2"
}

// =============================================================================
// Subprocess
// =============================================================================

type output struct {
	stdout   string
	stderr   string
	exitCode int
	killed   bool  // the deadline expired
	err      error // the process could not be run
}

func (p *Process) run(ctx context.Context, path string, args []string, timeout time.Duration) output {
	rctx, cancel := context.WithTimeout(ctx, timeout+p.opts.Grace)
	defer cancel()

	cmd := exec.CommandContext(rctx, p.opts.Command, expand(args, path, timeout)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = p.opts.Grace

	err := cmd.Run()
	out := output{stdout: stdout.String(), stderr: stderr.String()}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.killed = true
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			out.exitCode = ee.ExitCode()
		} else {
			out.exitCode = -1
			out.err = err
		}
	}
	return out
}

func expand(args []string, path string, timeout time.Duration) []string {
	secs := int64((timeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	r := strings.NewReplacer(
		"{file}", path,
		"{timeout_ms}", strconv.FormatInt(timeout.Milliseconds(), 10),
		"{timeout}", strconv.FormatInt(secs, 10),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// =============================================================================
// Classification
// =============================================================================

// classify maps solver output to a status. Output before the verdict that
// reports an error makes the run a crash; errors after the verdict (for
// example get-value after unsat) are ignored.
func classify(name string, timeout time.Duration, out output) (Status, *Model, error) {
	lines := strings.Split(out.stdout, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "(error"):
			return StatusUnknown, nil, &SolverCrashError{Query: name, ExitCode: out.exitCode, Detail: line}
		case line == "unsat":
			return StatusValid, nil, nil
		case line == "sat":
			m, err := parseModel(strings.Join(lines[i+1:], "\n"))
			if err != nil {
				return StatusUnknown, nil, &SolverCrashError{Query: name, ExitCode: out.exitCode, Detail: "unreadable model", Err: err}
			}
			return StatusInvalid, m, nil
		case line == "unknown", line == "timeout":
			return StatusUnknown, nil, &SolverTimeoutError{Query: name, Timeout: timeout, Reason: line}
		}
	}

	switch {
	case out.killed:
		return StatusUnknown, nil, &SolverTimeoutError{Query: name, Timeout: timeout, Reason: "deadline exceeded"}
	case out.err != nil:
		return StatusUnknown, nil, &SolverCrashError{Query: name, ExitCode: -1, Detail: out.err.Error(), Err: out.err}
	case out.exitCode != 0:
		return StatusUnknown, nil, &SolverCrashError{Query: name, ExitCode: out.exitCode, Detail: firstLine(out.stderr, out.stdout)}
	}
	return StatusUnknown, nil, &SolverCrashError{Query: name, Detail: fmt.Sprintf("no verdict in output %q", firstLine(out.stdout, out.stderr))}
}

func firstLine(texts ...string) string {
	for _, t := range texts {
		for _, l := range strings.Split(t, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				return l
			}
		}
	}
	return ""
}
