// Command resprove verifies resource bytecode modules against their specs.
//
// Usage:
//
//	resprove [flags] file.mvasm|bundle.txtar ...
//
// Exit status is 0 when every function is proven, 1 when any function is
// invalid, unknown or fails to translate, and 2 on usage or load errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mpyw/resprove"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resprove", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "YAML configuration file")
		workers    = fs.Int("workers", 0, "concurrent solver processes (default: config)")
		timeout    = fs.Duration("timeout", 0, "per-query solver timeout (default: config)")
		command    = fs.String("solver", "", "solver command (default: config)")
		aborts     = fs.String("aborts", "", "abort checking mode: strict or partial")
		loops      = fs.String("loops", "", "loop mode: invariant or unroll")
		unroll     = fs.Int("unroll", 0, "unroll depth in unroll mode")
		inline     = fs.Bool("inline", false, "inline callees without a contract")
		debugRe    = fs.String("debug", "", "dump intermediate artifacts of functions matching this regexp")
		keep       = fs.String("keep-queries", "", "write every query to this directory")
		logLevel   = fs.String("log-level", "", "trace, debug, info, warn, error or crit")
		logFormat  = fs.String("log-format", "", "terminal, json or logfmt")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: resprove [flags] file.mvasm|bundle.txtar ...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg := resprove.DefaultConfig()
	if *configPath != "" {
		c, err := resprove.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "resprove: %v\n", err)
			return 2
		}
		cfg = c
	}
	override(cfg, fs, overrides{
		workers: *workers, timeout: *timeout, command: *command,
		aborts: *aborts, loops: *loops, unroll: *unroll, inline: *inline,
		debug: *debugRe, keep: *keep, logLevel: *logLevel, logFormat: *logFormat,
	})

	prover, err := resprove.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "resprove: %v\n", err)
		return 2
	}
	b, err := resprove.Load(fs.Args()...)
	if err != nil {
		fmt.Fprintf(stderr, "resprove: %v\n", err)
		return 2
	}

	report, err := prover.Verify(ctx, b)
	if report != nil {
		printReport(stdout, report)
	}
	if cfg.DebugFilter != "" {
		if werr := prover.WriteDebug(stderr); werr != nil {
			fmt.Fprintf(stderr, "resprove: %v\n", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "resprove: %v\n", err)
		if errors.Is(err, context.Canceled) {
			return 130
		}
		return 1
	}
	if !report.Summarize().OK() || len(report.Diagnostics) > 0 {
		return 1
	}
	return 0
}

// =============================================================================
// Flags
// =============================================================================

type overrides struct {
	workers   int
	timeout   time.Duration
	command   string
	aborts    string
	loops     string
	unroll    int
	inline    bool
	debug     string
	keep      string
	logLevel  string
	logFormat string
}

// override applies the flags that were set on the command line.
func override(cfg *resprove.Config, fs *flag.FlagSet, o overrides) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = o.workers
		case "timeout":
			cfg.Solver.Timeout = o.timeout
		case "solver":
			cfg.Solver.Command = o.command
		case "aborts":
			cfg.AbortsMode = o.aborts
		case "loops":
			cfg.LoopMode = o.loops
		case "unroll":
			cfg.UnrollDepth = o.unroll
		case "inline":
			cfg.Inline = o.inline
		case "debug":
			cfg.DebugFilter = o.debug
		case "keep-queries":
			cfg.KeepQueries = o.keep
		case "log-level":
			cfg.Log.Level = o.logLevel
		case "log-format":
			cfg.Log.Format = o.logFormat
		}
	})
}

// =============================================================================
// Output
// =============================================================================

func printReport(w io.Writer, r *resprove.Report) {
	for _, d := range r.Diagnostics {
		printDiagnostic(w, d)
	}
	for _, o := range r.Outcomes {
		status := string(o.Status)
		if o.Bounded && o.Status == resprove.StatusValid {
			status += " (bounded)"
		}
		fmt.Fprintf(w, "%-18s %s\n", status, o.Function)
		for _, d := range o.Diagnostics {
			printDiagnostic(w, d)
		}
	}
	s := r.Summarize()
	fmt.Fprintf(w, "\n%d valid, %d invalid, %d unknown, %d translation errors\n",
		s.Valid, s.Invalid, s.Unknown, s.TranslationError)
}

func printDiagnostic(w io.Writer, d resprove.Diagnostic) {
	fmt.Fprintf(w, "  %s: %s: %s\n", d.Position, d.Kind, d.Message)
	if len(d.Counterexample) > 0 {
		parts := make([]string, len(d.Counterexample))
		for i, b := range d.Counterexample {
			parts[i] = b.Name + " = " + b.Value
		}
		fmt.Fprintf(w, "    counterexample: %s\n", strings.Join(parts, ", "))
	}
}
