package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mpyw/resprove"
)

const module = `module 0x1::Counter

fun id(x: u64): u64 {
    spec ensures result == x
    copy_loc x
    ret
}
`

// stubSolver writes a solver that answers every query with verdict and
// returns a config file using it.
func stubSolver(t *testing.T, verdict string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub solver is a shell script")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "solver.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho "+verdict+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "resprove.yaml")
	yaml := "solver:\n  command: " + script + "\n  args: [\"{file}\"]\nlog:\n  level: error\n"
	if err := os.WriteFile(cfg, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeModule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counter.mvasm")
	if err := os.WriteFile(path, []byte(module), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Exit Codes
// =============================================================================

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		verdict string
		want    int
		output  string
	}{
		{"proven", "unsat", 0, "valid              0x1::Counter::id"},
		{"unknown", "unknown", 1, "unknown            0x1::Counter::id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stubSolver(t, tt.verdict)
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), []string{"-config", cfg, writeModule(t)}, &stdout, &stderr)
			if code != tt.want {
				t.Errorf("exit = %d, want %d\nstdout:\n%s\nstderr:\n%s", code, tt.want, stdout.String(), stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.output) {
				t.Errorf("stdout lacks %q:\n%s", tt.output, stdout.String())
			}
		})
	}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no files", nil},
		{"unknown flag", []string{"-frobnicate", "x.mvasm"}},
		{"missing file", []string{filepath.Join(t.TempDir(), "missing.mvasm")}},
		{"missing config", []string{"-config", filepath.Join(t.TempDir(), "none.yaml"), "x.mvasm"}},
		{"invalid override", []string{"-loops", "widen", "x.mvasm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, &stdout, &stderr); code != 2 {
				t.Errorf("exit = %d, want 2\nstderr:\n%s", code, stderr.String())
			}
		})
	}
}

func TestRun_Debug(t *testing.T) {
	cfg := stubSolver(t, "unsat")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfg, "-debug", "::id$", writeModule(t)}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d\n%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "=== Debug output for 0x1::Counter::id ===") {
		t.Errorf("debug output missing:\n%s", stderr.String())
	}
}

// =============================================================================
// Flags
// =============================================================================

func TestOverride_OnlySetFlags(t *testing.T) {
	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	fs.Int("workers", 0, "")
	fs.Duration("timeout", 0, "")
	fs.String("loops", "", "")
	if err := fs.Parse([]string{"-timeout", "2s"}); err != nil {
		t.Fatal(err)
	}

	cfg := resprove.DefaultConfig()
	workers := cfg.Workers
	override(cfg, fs, overrides{workers: 0, timeout: 2 * time.Second, loops: ""})

	if cfg.Workers != workers {
		t.Errorf("workers = %d, want untouched %d", cfg.Workers, workers)
	}
	if cfg.Solver.Timeout != 2*time.Second {
		t.Errorf("timeout = %s", cfg.Solver.Timeout)
	}
	if cfg.LoopMode == "" {
		t.Error("loop mode cleared by an unset flag")
	}
}
