package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/afischbach/simsweep/internal/store"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <source-dir>",
		Short: "Import an input folder into the project",
		Long: `Import a folder of simulation inputs under the project's inputs tree.

The kind decides where the folder lands and which XML document inside it
becomes the variation template:

  config         requires config.xml
  rulesets       requires rules.xml
  ic_cells       requires cells.xml
  ic_substrates  requires substrates.xml
  custom         opaque, no template required

Examples:
  simsweep import ./my-config --kind config --name default
  simsweep import ./solver-v2 --kind custom`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			kindFlag, _ := cmd.Flags().GetString("kind")
			name, _ := cmd.Flags().GetString("name")

			layout, st, _, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var kind store.Kind
			switch kindFlag {
			case "config", "rulesets", "ic_cells", "ic_substrates":
				kind = store.Kind(kindFlag)
			case "custom":
				kind = ""
			default:
				return fmt.Errorf("unknown kind %q (valid: config, rulesets, ic_cells, ic_substrates, custom)", kindFlag)
			}

			base, err := layout.Import(kind, name, args[0])
			if err != nil {
				return err
			}
			if kind != "" {
				// Mint the identity variation now so the base shows up
				// in status output before its first run.
				if err := st.EnsureBase(cmd.Context(), base); err != nil {
					return err
				}
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"imported": base})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", base)
			return nil
		},
	}
	cmd.Flags().String("kind", "config", "Input kind: config, rulesets, ic_cells, ic_substrates, custom")
	cmd.Flags().String("name", "", "Folder name inside the inputs tree (defaults to the source folder's name)")
	return cmd
}
