package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/afischbach/simsweep/internal/project"
)

const defaultConfigFile = `# simsweep project configuration
engine:
  # Path to the simulation engine binary. The materialized input folder
  # and the output folder are appended as its final two arguments.
  path: ""
  args: []
  retries: 0

run:
  parallelism: 1

logging:
  level: info
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a sweep project in the given root",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")

			layout, err := project.Init(root)
			if err != nil {
				return fmt.Errorf("failed to initialize project: %w", err)
			}

			wroteConfig := false
			if _, err := os.Stat(layout.ConfigPath()); os.IsNotExist(err) {
				if err := os.WriteFile(layout.ConfigPath(), []byte(defaultConfigFile), 0o644); err != nil {
					return fmt.Errorf("failed to write default config: %w", err)
				}
				wroteConfig = true
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"initialized": true,
					"root":        absRoot(root),
					"config":      layout.ConfigPath(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized sweep project at %s\n", absRoot(root))
			if wroteConfig {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", layout.ConfigPath())
				fmt.Fprintln(cmd.OutOrStdout(), "Set engine.path before running sweeps.")
			}
			return nil
		},
	}
}
