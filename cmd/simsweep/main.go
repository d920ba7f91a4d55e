package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/afischbach/simsweep/internal/config"
	"github.com/afischbach/simsweep/internal/project"
	"github.com/afischbach/simsweep/internal/store"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simsweep",
		Short: "Batch orchestration for simulation parameter sweeps",
		Long: `simsweep manages parameter sweeps over an external simulation engine.

It expands variation grids into deduplicated variation ids, computes the
replicate deficit against previously recorded simulations, runs only the
missing ones, and keeps the store and the outputs tree consistent.`,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")

	// Add subcommands
	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newImportCmd(),
		newRunCmd(),
		newStatusCmd(),
		newPruneCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "simsweep version %s\n", version)
			}
		},
	}
}

// openProject resolves the --root flag into a layout, checks the project
// is initialized, and opens its store and configuration.
func openProject(cmd *cobra.Command) (project.Layout, *store.Store, *config.Config, error) {
	root, _ := cmd.Flags().GetString("root")
	layout := project.Layout{Root: root}

	if _, err := os.Stat(layout.InputsDir()); os.IsNotExist(err) {
		return layout, nil, nil, fmt.Errorf("project not initialized at %s. Run 'simsweep init' first", root)
	}

	cfg, err := config.Load(layout.ConfigPath())
	if err != nil {
		return layout, nil, nil, err
	}

	st, err := store.Open(layout.DBPath(), store.WithTemplates(layout.LoadTemplate))
	if err != nil {
		return layout, nil, nil, err
	}
	return layout, st, cfg, nil
}

// absRoot is used in output so paths are unambiguous regardless of how
// --root was given.
func absRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}
