// Package runner computes the minimal set of missing simulations for a
// replicate request, materializes their input folders, invokes the
// external engine, and records completion.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/executor"
)

// EngineResult is the observable outcome of one engine invocation.
// ErrFile and LogFile carry the verbatim contents of output.err and
// output.log when the engine left them behind.
type EngineResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	ErrFile  string
	LogFile  string
}

// Engine is the external simulation engine collaborator: given a fully
// materialized input folder it produces an output folder and reports an
// exit status.
type Engine interface {
	Run(ctx context.Context, inputDir, outputDir string) (*EngineResult, error)
}

// CommandEngine invokes the engine binary as a subprocess. The input and
// output folder paths are appended to Args.
type CommandEngine struct {
	Program    string
	Args       []string
	Retries    int
	RetryDelay time.Duration
}

// Run executes the engine process. A non-zero exit is reported through
// EngineResult, not as an error; the error return covers failures to run
// the process at all.
func (e *CommandEngine) Run(ctx context.Context, inputDir, outputDir string) (*EngineResult, error) {
	args := make([]string, 0, len(e.Args)+2)
	args = append(args, e.Args...)
	args = append(args, inputDir, outputDir)

	delay := e.RetryDelay
	if delay == 0 {
		delay = time.Second
	}
	cmd := executor.New(e.Program, args...)
	res, err := cmd.Execute(ctx,
		executor.WithCapture(true, true, false),
		executor.WithWorkingDir(inputDir),
		executor.WithRetry(e.Retries, delay),
	)
	if res == nil {
		return nil, fmt.Errorf("engine %s did not run: %w", e.Program, err)
	}

	out := &EngineResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	out.ErrFile = readIfPresent(filepath.Join(outputDir, "output.err"))
	out.LogFile = readIfPresent(filepath.Join(outputDir, "output.log"))
	return out, nil
}

func readIfPresent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// EngineError reports one simulation's failed engine invocation,
// carrying enough diagnostics that the caller can inspect the failure
// without re-deriving ids.
type EngineError struct {
	SimulationID int64
	ExitCode     int
	Stderr       string
	ErrFile      string
	LogFile      string
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("simulation %d: engine exited with status %d", e.SimulationID, e.ExitCode)
	if detail := firstLine(e.ErrFile); detail != "" {
		return msg + ": " + detail
	}
	if detail := firstLine(e.Stderr); detail != "" {
		return msg + ": " + detail
	}
	return msg
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
