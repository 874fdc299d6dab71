package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/workflow"
)

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <unit-id>",
		Short: "Show a content unit with its pipeline context",
		Long: `Show a content unit: its current state, the latest analysis summary,
the full transition history, and every publish attempt with the summed
cost.`,
		Example: `  # Human-readable view
  pressroom get 9f1c2b3a

  # Full JSON view
  pressroom get 9f1c2b3a --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sm := core.NewStateMachine(store, nil, log.Logger)
			facade := workflow.New(store, sm, nil, nil, nil, log.Logger)

			view, err := facade.GetUnit(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			printUnitView(cmd, view)
			return nil
		},
	}
	return cmd
}

func printUnitView(cmd *cobra.Command, view *workflow.UnitView) {
	unit := view.Unit
	fmt.Printf("Unit:   %s\n", unit.ID)
	fmt.Printf("Source: %s/%s\n", unit.Source, unit.ExternalID)
	fmt.Printf("Title:  %s\n", unit.Title)
	fmt.Printf("State:  %s\n", unit.State)

	if view.Analysis != nil {
		a := view.Analysis
		verdict := "passed"
		if !a.Passed {
			verdict = "blocked"
		}
		fmt.Printf("\nAnalysis (%s, model %s): %s, %d issues, %d blocking\n",
			a.RuleEngineVersion, a.ModelID, verdict, a.TotalIssues, a.BlockingIssues)
		for _, issue := range a.Issues {
			fmt.Printf("  [%s] %s %s: %s\n", issue.Severity, issue.Origin, issue.RuleID, issue.Message)
		}
	}

	if len(view.History) > 0 {
		fmt.Printf("\nHistory:\n")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, rec := range view.History {
			from := "-"
			if rec.FromState != nil {
				from = string(*rec.FromState)
			}
			fmt.Fprintf(w, "  %s\t%s → %s\t%s\t%s\n",
				rec.CreatedAt.Format("2006-01-02 15:04:05"), from, rec.ToState, rec.Actor, rec.Reason)
		}
		w.Flush()
	}

	if len(view.Attempts) > 0 {
		fmt.Printf("\nPublish attempts (total cost %.2f):\n", view.TotalCost)
		for _, attempt := range view.Attempts {
			line := fmt.Sprintf("  #%d %s %s", attempt.Number, attempt.Provider, attempt.Status)
			if attempt.PublishedURL != "" {
				line += " " + attempt.PublishedURL
			}
			if attempt.FailureReason != "" {
				line += " (" + attempt.FailureReason + ")"
			}
			fmt.Println(line)
		}
	}
}
