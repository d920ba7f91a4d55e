package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/afischbach/simsweep/internal/store"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded variations and simulations",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			showAll, _ := cmd.Flags().GetBool("all")

			_, st, _, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			bases, err := st.Bases(ctx)
			if err != nil {
				return err
			}
			sims, err := st.Simulations(ctx)
			if err != nil {
				return err
			}

			byStatus := map[store.Status]int{}
			for _, rec := range sims {
				byStatus[rec.Status]++
			}

			type baseSummary struct {
				Base       string `json:"base"`
				Variations int    `json:"variations"`
			}
			var baseSummaries []baseSummary
			for _, base := range bases {
				rows, err := st.VariationRows(ctx, base)
				if err != nil {
					return err
				}
				baseSummaries = append(baseSummaries, baseSummary{Base: base, Variations: len(rows)})
			}

			if jsonOut {
				payload := map[string]any{
					"bases":       baseSummaries,
					"simulations": len(sims),
					"by_status": map[string]int{
						string(store.StatusPending):   byStatus[store.StatusPending],
						string(store.StatusRunning):   byStatus[store.StatusRunning],
						string(store.StatusSucceeded): byStatus[store.StatusSucceeded],
						string(store.StatusFailed):    byStatus[store.StatusFailed],
					},
				}
				if showAll {
					payload["records"] = sims
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(payload)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Variation bases:")
			if len(baseSummaries) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, b := range baseSummaries {
				fmt.Fprintf(out, "  %s: %d variations\n", b.Base, b.Variations)
			}
			fmt.Fprintf(out, "Simulations: %d (%d succeeded, %d failed, %d running, %d pending)\n",
				len(sims),
				byStatus[store.StatusSucceeded], byStatus[store.StatusFailed],
				byStatus[store.StatusRunning], byStatus[store.StatusPending])

			if showAll && len(sims) > 0 {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREPLICATE\tSTATUS\tMONAD")
				for _, rec := range sims {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\n",
						rec.ID, rec.ReplicateIndex, rec.Status, rec.Tuple.MonadKey())
				}
				w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "List every simulation record")
	return cmd
}
