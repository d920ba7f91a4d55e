package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/afischbach/simsweep/internal/logging"
	"github.com/afischbach/simsweep/internal/prune"
)

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Reconcile the store against the outputs tree",
		Long: `Remove orphans on both sides of the record:

  - simulation rows whose output folder is gone
  - output folders with no surviving simulation row
  - variation rows no simulation or other variation references

Variation id 0 and ids still referenced anywhere are never removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			layout, st, cfg, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			p := &prune.Pruner{
				Store:  st,
				Layout: layout,
				Log:    logging.NewLogger(cfg.Logging.Level, os.Stderr),
			}
			report, err := p.Prune(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int{
					"simulation_rows_removed": report.SimulationRowsRemoved,
					"folders_removed":         report.FoldersRemoved,
					"variation_rows_removed":  report.VariationRowsRemoved,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Pruned %d simulation rows, %d output folders, %d variation rows\n",
				report.SimulationRowsRemoved, report.FoldersRemoved, report.VariationRowsRemoved)
			return nil
		},
	}
}
