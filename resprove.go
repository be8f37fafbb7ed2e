// Package resprove verifies resource bytecode against its specifications.
//
// Every function with a contract is translated into verification conditions
// that an external SMT solver decides:
//
//   - Bytecode and spec blocks are loaded from assembly files or txtar bundles
//   - Calls are replaced by the callee's contract
//   - Arithmetic overflow, aborts and writes through aliasing references are
//     checked against the declared contract
//   - Each query runs in its own solver process, bounded by Config.Workers
//
// A Report holds one Outcome per verified function. Native functions and
// functions marked pragma verify = false produce none.
package resprove

import (
	"context"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mpyw/resprove/internal/bytecode"
	"github.com/mpyw/resprove/internal/config"
	"github.com/mpyw/resprove/internal/debug"
	"github.com/mpyw/resprove/internal/pipeline"
	"github.com/mpyw/resprove/internal/solver"
)

type (
	// Bundle is a loaded program together with its spec blocks.
	Bundle = bytecode.Bundle
	// Config controls translation, solving and logging.
	Config = config.Config

	Report     = pipeline.Report
	Outcome    = pipeline.Outcome
	Diagnostic = pipeline.Diagnostic
	Binding    = pipeline.Binding
	Status     = pipeline.Status
	Summary    = pipeline.Summary

	// Gateway decides one query. The default runs the configured solver
	// command as a subprocess.
	Gateway       = solver.Gateway
	SolverRequest = solver.Request
	SolverResult  = solver.Result
)

const (
	StatusValid            = pipeline.StatusValid
	StatusInvalid          = pipeline.StatusInvalid
	StatusUnknown          = pipeline.StatusUnknown
	StatusTranslationError = pipeline.StatusTranslationError
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Load reads assembly modules. Files ending in .txtar are unpacked and
// their .mvasm members added.
func Load(paths ...string) (*Bundle, error) { return bytecode.LoadFiles(paths...) }

// Option customizes a Prover.
type Option func(*options)

type options struct {
	gateway Gateway
	logger  log.Logger
}

// WithGateway replaces the solver subprocess.
func WithGateway(gw Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithLogger sets the logger. Without it, the logger is built from
// Config.Log and writes to stderr.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Prover runs verification with one configuration. It may be reused.
type Prover struct {
	p *pipeline.Pipeline
}

// New creates a Prover. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Prover, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l, err := cfg.Log.Logger(os.Stderr)
		if err != nil {
			return nil, err
		}
		o.logger = l
	}
	p, err := pipeline.New(cfg, o.gateway, o.logger)
	if err != nil {
		return nil, err
	}
	return &Prover{p: p}, nil
}

// Verify checks every function of b. On cancellation the outcomes completed
// so far are returned together with the context error.
func (pr *Prover) Verify(ctx context.Context, b *Bundle) (*Report, error) {
	return pr.p.Run(ctx, b)
}

// VerifyFiles loads paths and verifies them.
func (pr *Prover) VerifyFiles(ctx context.Context, paths ...string) (*Report, error) {
	b, err := Load(paths...)
	if err != nil {
		return nil, err
	}
	return pr.Verify(ctx, b)
}

// WriteDebug writes the intermediate artifacts collected for functions
// matching Config.DebugFilter.
func (pr *Prover) WriteDebug(w io.Writer) error {
	return debug.Write(w, pr.p.Debug())
}
