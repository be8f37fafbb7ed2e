// Package config loads the verifier configuration.
//
// A configuration file is YAML. Every key is optional; missing keys keep
// their defaults and unknown keys are rejected:
//
//	workers: 8
//	solver:
//	  command: z3
//	  args: ["-smt2", "{file}", "-T:{timeout}"]
//	  relaxed_args: ["-memory:8192"]
//	  timeout: 10s
//	aborts_mode: strict        # strict | partial
//	loop_mode: invariant       # invariant | unroll
//	unroll_depth: 3
//	inline: false
//	inline_depth: 4
//	split_threshold: 64
//	log:
//	  level: info              # trace | debug | info | warn | error | crit
//	  format: terminal         # terminal | json | logfmt
//	debug_filter: "^0x1::Bank::"
//	keep_queries: ./queries
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/mpyw/resprove/internal/instrument"
	"github.com/mpyw/resprove/internal/solver"
	"github.com/mpyw/resprove/internal/vc"
)

// Accepted mode names.
const (
	AbortsStrict  = "strict"
	AbortsPartial = "partial"
	LoopInvariant = "invariant"
	LoopUnroll    = "unroll"
)

// Config is the complete configuration of a run.
type Config struct {
	Workers        int    `yaml:"workers"`
	Solver         Solver `yaml:"solver"`
	AbortsMode     string `yaml:"aborts_mode"`
	LoopMode       string `yaml:"loop_mode"`
	UnrollDepth    int    `yaml:"unroll_depth"`
	Inline         bool   `yaml:"inline"`
	InlineDepth    int    `yaml:"inline_depth"`
	SplitThreshold int    `yaml:"split_threshold"`
	Log            Log    `yaml:"log"`
	DebugFilter    string `yaml:"debug_filter"`
	KeepQueries    string `yaml:"keep_queries"`
}

// Solver configures the external solver process.
type Solver struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	RelaxedArgs []string      `yaml:"relaxed_args"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	so := solver.DefaultOptions()
	vo := vc.DefaultOptions()
	return &Config{
		Workers: runtime.NumCPU(),
		Solver: Solver{
			Command:     so.Command,
			Args:        so.Args,
			RelaxedArgs: so.RelaxedArgs,
			Timeout:     so.Timeout,
		},
		AbortsMode:     AbortsStrict,
		LoopMode:       LoopInvariant,
		UnrollDepth:    vo.UnrollDepth,
		InlineDepth:    4,
		SplitThreshold: vo.SplitThreshold,
		Log:            Log{Level: "info", Format: "terminal"},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Workers >= 1, "workers must be at least 1, got %d", c.Workers)
	check(c.Solver.Command != "", "solver.command must not be empty")
	check(c.Solver.Timeout > 0, "solver.timeout must be positive, got %s", c.Solver.Timeout)
	check(c.AbortsMode == AbortsStrict || c.AbortsMode == AbortsPartial,
		"aborts_mode must be %s or %s, got %q", AbortsStrict, AbortsPartial, c.AbortsMode)
	check(c.LoopMode == LoopInvariant || c.LoopMode == LoopUnroll,
		"loop_mode must be %s or %s, got %q", LoopInvariant, LoopUnroll, c.LoopMode)
	check(c.UnrollDepth >= 1, "unroll_depth must be at least 1, got %d", c.UnrollDepth)
	check(c.InlineDepth >= 1, "inline_depth must be at least 1, got %d", c.InlineDepth)
	check(c.SplitThreshold >= 0, "split_threshold must not be negative, got %d", c.SplitThreshold)
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "terminal", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format must be terminal, json or logfmt, got %q", c.Log.Format))
	}
	if _, err := c.DebugRegexp(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Derived Options
// =============================================================================

// InstrumentOptions returns the instrumentation modes.
func (c *Config) InstrumentOptions() instrument.Options {
	var o instrument.Options
	if c.AbortsMode == AbortsPartial {
		o.Aborts = instrument.AbortsPartial
	}
	if c.LoopMode == LoopUnroll {
		o.Loops = instrument.LoopUnroll
	}
	return o
}

// VCOptions returns the assembler options.
func (c *Config) VCOptions() vc.Options {
	o := vc.DefaultOptions()
	o.UnrollDepth = c.UnrollDepth
	o.SplitThreshold = c.SplitThreshold
	return o
}

// SolverOptions returns the solver process options.
func (c *Config) SolverOptions(l log.Logger) solver.Options {
	o := solver.DefaultOptions()
	o.Command = c.Solver.Command
	o.Args = c.Solver.Args
	o.RelaxedArgs = c.Solver.RelaxedArgs
	o.Timeout = c.Solver.Timeout
	o.KeepDir = c.KeepQueries
	o.Logger = l
	return o
}

// DebugRegexp compiles the debug filter. It returns nil when the filter is
// empty.
func (c *Config) DebugRegexp() (*regexp.Regexp, error) {
	if c.DebugFilter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.DebugFilter)
	if err != nil {
		return nil, fmt.Errorf("debug_filter: %w", err)
	}
	return re, nil
}

// =============================================================================
// Logging
// =============================================================================

func (l Log) level() (slog.Level, error) {
	switch l.Level {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return 0, fmt.Errorf("log.level: unknown level %q", l.Level)
}

// Handler returns a log handler writing to w in the configured format.
func (l Log) Handler(w io.Writer) (slog.Handler, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	switch l.Format {
	case "", "terminal":
		return log.NewTerminalHandlerWithLevel(w, lvl, false), nil
	case "json":
		return log.JSONHandlerWithLevel(w, lvl), nil
	case "logfmt":
		return log.LogfmtHandlerWithLevel(w, lvl), nil
	}
	return nil, fmt.Errorf("log.format: unknown format %q", l.Format)
}

// Logger returns a logger writing to w.
func (l Log) Logger(w io.Writer) (log.Logger, error) {
	h, err := l.Handler(w)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(h), nil
}
