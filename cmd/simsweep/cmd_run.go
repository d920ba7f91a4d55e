package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/afischbach/simsweep/internal/config"
	"github.com/afischbach/simsweep/internal/logging"
	"github.com/afischbach/simsweep/internal/runner"
	"github.com/afischbach/simsweep/internal/sweep"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <sweep-file>",
		Short: "Run a sweep file, launching only the missing replicates",
		Long: `Run the sweep described by a YAML file.

Variation grids are resolved to stable variation ids, the replicate
deficit is computed against previously recorded simulations, and only
the missing ones are launched. Interrupting the run leaves completed
simulations recorded; rerunning the same file resumes where it stopped.

Examples:
  simsweep run sweeps/dose-response.yaml
  simsweep run sweeps/dose-response.yaml --parallelism 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			engineOverride, _ := cmd.Flags().GetString("engine")
			parallelism, _ := cmd.Flags().GetInt("parallelism")

			layout, st, cfg, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if engineOverride != "" {
				cfg.Engine.Path = engineOverride
			}
			if parallelism > 0 {
				cfg.Run.Parallelism = parallelism
			}
			if cfg.Engine.Path == "" {
				return fmt.Errorf("no engine configured: set engine.path in %s or pass --engine", layout.ConfigPath())
			}

			f, err := sweep.Load(args[0])
			if err != nil {
				return err
			}
			req, err := f.Request()
			if err != nil {
				return err
			}

			log := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			runLog, err := logging.NewRunLogger(layout.RunLogPath())
			if err != nil {
				return fmt.Errorf("failed to open run log: %w", err)
			}
			defer runLog.Close()

			// Interrupts cancel in-flight work; completed simulations
			// stay recorded and the next run picks up the remainder.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			notifySignals(sigCh)
			go func() {
				<-sigCh
				log.Warn("interrupt received, cancelling remaining simulations")
				cancel()
			}()

			coord := &runner.Coordinator{
				Store:       st,
				Layout:      layout,
				Engine:      engineFromConfig(cfg),
				Parallelism: cfg.Run.Parallelism,
				Log:         log,
				RunLog:      runLog,
			}

			start := time.Now()
			report, err := coord.Run(ctx, req)
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printRunReportJSON(cmd, f.Name, report, time.Since(start)); err != nil {
					return err
				}
			} else {
				printRunReport(cmd, f.Name, report, time.Since(start))
			}
			if n := len(report.Failures); n > 0 {
				return fmt.Errorf("%d of %d simulations failed", n, report.Attempted)
			}
			return nil
		},
	}
	cmd.Flags().String("engine", "", "Engine binary, overriding the configured engine.path")
	cmd.Flags().Int("parallelism", 0, "Concurrent engine processes, overriding run.parallelism")
	return cmd
}

func engineFromConfig(cfg *config.Config) runner.Engine {
	return &runner.CommandEngine{
		Program:    cfg.Engine.Path,
		Args:       cfg.Engine.Args,
		Retries:    cfg.Engine.Retries,
		RetryDelay: cfg.Engine.RetryDelay,
	}
}

func printRunReport(cmd *cobra.Command, name string, report *runner.Report, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	if name != "" {
		fmt.Fprintf(out, "Sweep %q finished in %s\n", name, elapsed.Round(time.Millisecond))
	} else {
		fmt.Fprintf(out, "Sweep finished in %s\n", elapsed.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "  attempted: %d\n  succeeded: %d\n  failed:    %d\n",
		report.Attempted, report.Succeeded, len(report.Failures))
	for _, s := range report.Trial.Samplings {
		fmt.Fprintf(out, "  arm %s: %d parameter sets\n", s.Name, len(s.Monads))
	}
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  simulation %d: %v\n", f.SimulationID, f.Err)
	}
}

func printRunReportJSON(cmd *cobra.Command, name string, report *runner.Report, elapsed time.Duration) error {
	type failure struct {
		SimulationID int64  `json:"simulation_id"`
		Error        string `json:"error"`
	}
	type arm struct {
		Name   string `json:"name"`
		Monads int    `json:"monads"`
	}
	payload := struct {
		Sweep     string    `json:"sweep,omitempty"`
		Attempted int       `json:"attempted"`
		Succeeded int       `json:"succeeded"`
		Failures  []failure `json:"failures"`
		Arms      []arm     `json:"arms"`
		ElapsedMS int64     `json:"elapsed_ms"`
	}{
		Sweep:     name,
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
		Failures:  []failure{},
		ElapsedMS: elapsed.Milliseconds(),
	}
	for _, f := range report.Failures {
		payload.Failures = append(payload.Failures, failure{SimulationID: f.SimulationID, Error: f.Err.Error()})
	}
	for _, s := range report.Trial.Samplings {
		payload.Arms = append(payload.Arms, arm{Name: s.Name, Monads: len(s.Monads)})
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(payload)
}
