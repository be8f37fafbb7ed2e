// Package pipeline runs the verifier over a loaded program.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                           Verification Flow                             │
//	│                                                                         │
//	│   resprove.go (public)                                                  │
//	│        │                                                                │
//	│        ▼                                                                │
//	│   internal/pipeline   ◀── You are here                                  │
//	│   ┌─────────────────────────────────────────────────────────────────┐   │
//	│   │  Run()                                                          │   │
//	│   │    │                                                            │   │
//	│   │    ├── Bind specs once (shared, read-only)                      │   │
//	│   │    ├── Per function, in parallel:                               │   │
//	│   │    │     translate → inline → analyze → instrument → assemble   │   │
//	│   │    ├── Dispatch every query to the bounded solver pool          │   │
//	│   │    └── Aggregate outcomes, sort diagnostics                     │   │
//	│   └─────────────────────────────────────────────────────────────────┘   │
//	│        │                                                                │
//	│        ▼                                                                │
//	│   internal/solver                                                       │
//	│   (external solver processes)                                           │
//	└─────────────────────────────────────────────────────────────────────────┘
//
// # Responsibilities
//
//   - Skip native functions and functions with pragma verify = false
//   - Map every error kind to a function-scoped outcome
//   - Keep partial results when the run is cancelled
//   - Collect debug dumps for functions matching the debug filter
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/config"
	"github.com/mpyw/resprove/internal/dataflow"
	"github.com/mpyw/resprove/internal/debug"
	"github.com/mpyw/resprove/internal/diag"
	"github.com/mpyw/resprove/internal/instrument"
	"github.com/mpyw/resprove/internal/solver"
	"github.com/mpyw/resprove/internal/spec"
	"github.com/mpyw/resprove/internal/stackless"
	"github.com/mpyw/resprove/internal/vc"
)

// Pipeline verifies programs with one configuration.
type Pipeline struct {
	cfg     *config.Config
	gateway solver.Gateway
	log     log.Logger
	debug   *debug.Collector
}

// New creates a Pipeline. A nil gateway runs the configured solver command;
// a nil logger logs through the root logger.
func New(cfg *config.Config, gw solver.Gateway, l log.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = log.Root()
	}
	if gw == nil {
		gw = solver.NewProcess(cfg.SolverOptions(l.New("component", "solver")))
	}
	re, err := cfg.DebugRegexp()
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, gateway: gw, log: l, debug: debug.NewCollector(re)}, nil
}

// Debug returns the dumps collected so far.
func (p *Pipeline) Debug() *debug.Collector { return p.debug }

// =============================================================================
// Entry Point
// =============================================================================

// job is the state of one function across both phases.
type job struct {
	def     *bytecode.FunctionDef
	spec    *spec.FunctionSpec
	vc      *vc.VC
	outcome *Outcome
	first   int // index of the first query in the request list
}

// Run verifies every function of b.
//
// Translation runs first for all functions, then all queries go to the
// solver pool. When ctx is cancelled, the returned report holds the
// outcomes that were complete and the context error is returned with it.
func (p *Pipeline) Run(ctx context.Context, b *bytecode.Bundle) (*Report, error) {
	prog := b.Program
	env := spec.Bind(prog, b.Specs)
	sums := dataflow.Summarize(prog, env.ModifiedStructs)

	report := &Report{}
	for _, e := range env.Unbound() {
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			Kind:     KindSpecType,
			Range:    e.Range,
			Position: prog.Position(e.Range),
			Message:  e.Error(),
		})
	}
	sortDiagnostics(report.Diagnostics)

	var jobs []*job
	for _, def := range prog.Functions() {
		fs := env.Function(def.Ref)
		if def.Native || !fs.Pragmas.Verify {
			p.log.Debug("Skipping function", "fn", def.Ref, "native", def.Native)
			continue
		}
		jobs = append(jobs, &job{def: def, spec: fs})
	}

	// Phase 1: translation, one worker per function.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := p.build(prog, env, sums, j.def)
			if err != nil {
				j.outcome = p.translationOutcome(j.def, err)
				return nil
			}
			j.vc = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.finish(prog, report, jobs, nil), err
	}

	// Phase 2: solving.
	var reqs []solver.Request
	for _, j := range jobs {
		if j.vc == nil {
			continue
		}
		j.first = len(reqs)
		timeout := p.cfg.Solver.Timeout
		if j.spec.Pragmas.Timeout > 0 {
			timeout = j.spec.Pragmas.Timeout
		}
		for _, q := range j.vc.Queries {
			reqs = append(reqs, solver.Request{Name: q.Name(), Text: q.Text, Timeout: timeout})
		}
	}
	p.log.Info("Dispatching queries", "functions", len(jobs), "queries", len(reqs), "workers", p.cfg.Workers)
	pool := &solver.Pool{Gateway: p.gateway, Workers: p.cfg.Workers}
	results, err := pool.SolveAll(ctx, reqs)
	return p.finish(prog, report, jobs, results), err
}

// finish aggregates the jobs into the report. Jobs whose queries were not
// all solved are left out.
func (p *Pipeline) finish(prog *bytecode.Program, report *Report, jobs []*job, results []*solver.Result) *Report {
	for _, j := range jobs {
		if j.outcome == nil && j.vc != nil && results != nil {
			j.outcome = p.solvedOutcome(j, results[j.first:j.first+len(j.vc.Queries)])
		}
		if j.outcome == nil {
			continue
		}
		for i := range j.outcome.Diagnostics {
			d := &j.outcome.Diagnostics[i]
			d.Position = prog.Position(d.Range)
		}
		sortDiagnostics(j.outcome.Diagnostics)
		report.Outcomes = append(report.Outcomes, j.outcome)
	}
	sortOutcomes(report.Outcomes)
	return report
}

// =============================================================================
// Translation
// =============================================================================

// build runs the translation stages of one function.
func (p *Pipeline) build(prog *bytecode.Program, env *spec.Env, sums *dataflow.Summaries, def *bytecode.FunctionDef) (*vc.VC, error) {
	name := def.Ref.String()
	l := p.log.New("fn", name)

	if errs := env.Errors(def.Ref); len(errs) > 0 {
		return nil, specErrors(errs)
	}
	fn, err := stackless.Translate(prog, def)
	if err != nil {
		return nil, err
	}
	if p.cfg.Inline {
		if fn, err = p.inline(prog, env, fn); err != nil {
			return nil, err
		}
	}
	p.debug.Record(name, debug.StageStackless, "", func() string { return stackless.String(fn) })

	res, err := dataflow.Analyze(fn, sums)
	if err != nil {
		return nil, err
	}
	p.debug.Record(name, debug.StageBorrows, "", func() string { return debug.FormatBorrows(res) })

	ip, err := instrument.Instrument(fn, res, env, sums, p.cfg.InstrumentOptions())
	if err != nil {
		return nil, err
	}
	p.debug.Record(name, debug.StageAnnotated, "", func() string { return instrument.String(ip) })

	v, err := vc.Assemble(ip, prog, p.cfg.VCOptions())
	if err != nil {
		return nil, err
	}
	p.debug.Record(name, debug.StageSourceMap, "", func() string { return v.SourceMap.String() })
	for _, q := range v.Queries {
		p.debug.Record(name, debug.StageQuery, q.Name(), func() string { return q.Text })
	}
	l.Debug("Assembled verification condition", "assertions", len(ip.Assertions), "queries", len(v.Queries), "bounded", v.Bounded)
	return v, nil
}

// inline replaces calls to functions without a contract by their bodies
// until none is left.
func (p *Pipeline) inline(prog *bytecode.Program, env *spec.Env, fn *stackless.Function) (*stackless.Function, error) {
	cache := make(map[bytecode.FunctionRef]*stackless.Function)
	for {
		site, callee, ok := nextInlinable(prog, env, fn)
		if !ok {
			return fn, nil
		}
		body := cache[callee.Ref]
		if body == nil {
			var err error
			if body, err = stackless.Translate(prog, callee); err != nil {
				return nil, err
			}
			cache[callee.Ref] = body
		}
		next, err := stackless.Inline(fn, site, body, p.cfg.InlineDepth)
		if err != nil {
			return nil, err
		}
		fn = next
	}
}

func nextInlinable(prog *bytecode.Program, env *spec.Env, fn *stackless.Function) (stackless.CallSite, *bytecode.FunctionDef, bool) {
	for _, site := range stackless.CallSites(fn) {
		ref := site.Instr(fn).Func
		def := prog.Function(ref)
		if def == nil || def.Native || env.Function(ref).HasContract() || len(env.Errors(ref)) > 0 {
			continue
		}
		return site, def, true
	}
	return stackless.CallSite{}, nil, false
}

// specErrors carries every spec error of one function.
type specErrors []*spec.SpecTypeError

func (e specErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more spec errors)", e[0].Error(), len(e)-1)
}

// translationOutcome maps a translation error to an outcome.
func (p *Pipeline) translationOutcome(def *bytecode.FunctionDef, err error) *Outcome {
	o := &Outcome{Function: def.Ref, Status: StatusTranslationError}
	add := func(kind string, rng bytecode.Range, msg, detail string) {
		if rng.IsZero() {
			rng = def.Range
		}
		o.Diagnostics = append(o.Diagnostics, Diagnostic{
			Function: def.Ref,
			Kind:     kind,
			Range:    rng,
			Message:  msg,
			Detail:   detail,
		})
	}

	var (
		serrs       specErrors
		serr        *spec.SpecTypeError
		unsupported *stackless.UnsupportedBytecodeError
		internal    *diag.TranslationInternalError
	)
	switch {
	case errors.As(err, &serrs):
		for _, e := range serrs {
			add(KindSpecType, e.Range, e.Error(), "")
		}
	case errors.As(err, &serr):
		add(KindSpecType, serr.Range, serr.Error(), "")
	case errors.As(err, &unsupported):
		add(KindUnsupported, unsupported.Range, unsupported.Error(), "")
	case errors.As(err, &internal):
		p.log.Error("Internal translation error", "fn", def.Ref, "stage", internal.Stage, "err", internal.Msg, "stack", internal.StackTrace())
		add(KindInternal, internal.Range, internal.Error(), internal.StackTrace())
	default:
		p.log.Error("Unclassified translation error", "fn", def.Ref, "err", err)
		add(KindInternal, def.Range, err.Error(), "")
	}
	return o
}

// =============================================================================
// Solving
// =============================================================================

// solvedOutcome combines the results of a function's queries. Any failed
// assertion makes the function invalid; otherwise any inconclusive query
// makes it unknown.
func (p *Pipeline) solvedOutcome(j *job, results []*solver.Result) *Outcome {
	if len(results) != len(j.vc.Queries) {
		return nil
	}
	name := j.def.Ref.String()
	o := &Outcome{Function: j.def.Ref, Status: StatusValid, Bounded: j.vc.Bounded}
	l := p.log.New("fn", name)
	invalid, unknown := false, false

	for i, q := range j.vc.Queries {
		res := results[i]
		if res == nil {
			return nil
		}
		o.Fingerprints = append(o.Fingerprints, q.Fingerprint)
		p.debug.Record(name, debug.StageResult, q.Name(), func() string { return debug.FormatResult(q, res) })

		switch res.Status {
		case solver.StatusValid:
		case solver.StatusInvalid:
			invalid = true
			o.Diagnostics = append(o.Diagnostics, p.failures(j, q, res)...)
		default:
			unknown = true
			o.Diagnostics = append(o.Diagnostics, p.inconclusive(j, q, res))
			l.Warn("Query inconclusive", "query", q.Name(), "err", res.Err)
		}
	}
	switch {
	case invalid:
		o.Status = StatusInvalid
	case unknown:
		o.Status = StatusUnknown
	}
	l.Info("Verified function", "status", o.Status, "bounded", o.Bounded, "diagnostics", len(o.Diagnostics))
	return o
}

// failures turns the failure variables true in the model into diagnostics.
func (p *Pipeline) failures(j *job, q *vc.Query, res *solver.Result) []Diagnostic {
	sm := j.vc.SourceMap
	var cex []Binding
	for _, in := range q.Inputs {
		if v, ok := res.Model.Value(in.Symbol); ok {
			cex = append(cex, Binding{Name: in.Name, Value: v})
		}
	}

	var out []Diagnostic
	seen := make(map[int]bool)
	for _, c := range q.Checks {
		if !res.Model.True(c.Var) {
			continue
		}
		e := sm.ByVar(c.Var)
		if e == nil || seen[e.Assertion] {
			continue
		}
		seen[e.Assertion] = true
		out = append(out, Diagnostic{
			Function:       j.def.Ref,
			Kind:           string(e.Kind),
			Range:          e.Range,
			Message:        e.Message,
			Counterexample: cex,
		})
	}
	if len(out) == 0 {
		out = append(out, Diagnostic{
			Function:       j.def.Ref,
			Kind:           KindInternal,
			Range:          j.def.Range,
			Message:        fmt.Sprintf("solver reported %s invalid but no assertion failed in its model", q.Name()),
			Counterexample: cex,
		})
	}
	return out
}

func (p *Pipeline) inconclusive(j *job, q *vc.Query, res *solver.Result) Diagnostic {
	d := Diagnostic{
		Function: j.def.Ref,
		Kind:     KindSolverTimeout,
		Range:    j.def.Range,
		Message:  fmt.Sprintf("verification of %s is inconclusive", q.Name()),
	}
	var crash *solver.SolverCrashError
	if errors.As(res.Err, &crash) {
		d.Kind = KindSolverCrash
	}
	if res.Err != nil {
		d.Detail = res.Err.Error()
	}
	return d
}
