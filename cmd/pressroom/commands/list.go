package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/core"
)

func newListCommand() *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List content units by state",
		Long: `List content units in a given lifecycle state.

States: discovered, pending, analyzing, under_review, ready_to_publish,
publishing, published, failed.`,
		Example: `  # Units waiting for review
  pressroom list --state under_review

  # Failed units, machine readable
  pressroom list --state failed --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			target := core.State(state)
			if !target.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			units, err := store.ListUnitsByState(ctx, target, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(units, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(units) == 0 {
				fmt.Printf("No units in state %s\n", target)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tEXTERNAL ID\tTITLE\tUPDATED")
			for _, unit := range units {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					unit.ID, unit.Source, unit.ExternalID, unit.Title,
					unit.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "under_review", "lifecycle state to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of units")

	return cmd
}
