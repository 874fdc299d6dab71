package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/workflow"
)

func newTransitionCommand() *cobra.Command {
	var (
		fromState string
		actor     string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "transition <unit-id> <state>",
		Short: "Apply an operator transition to a unit",
		Long: `Move a unit along the lifecycle, e.g. approve a reviewed unit or send a
failed one back for another analysis pass. Only edges the lifecycle
allows are accepted; the transition is recorded in the audit trail with
the given actor and reason.

Pass --from with the state you believe the unit is in to guard against
acting on a stale view: if the unit has moved in the meantime the
request is rejected with a conflict instead of being applied. Without
--from the unit's current state is read first.

Common operator edges:
  under_review → ready_to_publish   approve
  under_review → analyzing          request re-analysis
  failed       → pending            retry after fixing the cause`,
		Example: `  # Approve a reviewed unit
  pressroom transition 9f1c2b3a ready_to_publish --actor jane --reason "looks good"

  # Send a failed unit back through analysis
  pressroom transition 9f1c2b3a pending --reason "source fixed"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			unitID, state := args[0], args[1]

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

			sm := core.NewStateMachine(store, nil, log.Logger)
			facade := workflow.New(store, sm, nil, nil, nil, log.Logger)

			from := core.State(fromState)
			if fromState == "" {
				current, err := store.GetUnit(ctx, unitID)
				if err != nil {
					return err
				}
				from = current.State
			} else if !from.Valid() {
				return fmt.Errorf("unknown state %q", fromState)
			}

			unit, err := facade.RequestTransition(ctx, unitID, from, target, actor, reason)
			if err != nil {
				return err
			}

			fmt.Printf("✓ Unit %s is now %s\n", unit.ID, unit.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromState, "from", "", "state the unit is expected to be in (default: its current state)")
	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded in the audit trail (default \"operator\")")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")

	return cmd
}
