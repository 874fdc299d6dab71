package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/workflow"
)

func newPublishCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "publish <unit-id>",
		Short: "Publish an approved unit",
		Long: `Submit a unit in ready_to_publish for publication and stream the
attempts as they complete. The configured provider chain applies: after
repeated failures on one provider the unit falls back to the next, and
once every provider is exhausted the unit is marked failed.

With --wait=false the command returns right after submission; progress
stays observable through 'pressroom get'.`,
		Example: `  # Publish and watch the attempts
  pressroom publish 9f1c2b3a

  # Fire and forget
  pressroom publish 9f1c2b3a --wait=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			unitID := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := log.Logger
			sm := core.NewStateMachine(store, nil, logger)
			locks := core.NewKeyedLock()
			publisher, err := buildPublisher(cfg, store, sm, locks, logger)
			if err != nil {
				return err
			}
			publisher.Start(ctx)
			defer publisher.Stop()

			facade := workflow.New(store, sm, nil, nil, publisher, logger)

			attempts, cancel, err := facade.TriggerPublish(ctx, unitID)
			if err != nil {
				return err
			}
			defer cancel()

			fmt.Printf("Unit %s submitted for publication\n", unitID)
			if !wait {
				return nil
			}

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case attempt, ok := <-attempts:
					if !ok {
						// Terminal outcome reached; read the final state.
						unit, err := store.GetUnit(ctx, unitID)
						if err != nil {
							return err
						}
						if unit.State != core.StatePublished {
							return fmt.Errorf("unit %s ended in %s", unitID, unit.State)
						}
						return nil
					}
					switch attempt.Status {
					case core.AttemptSucceeded:
						fmt.Printf("✓ Attempt #%d via %s succeeded: %s\n",
							attempt.Number, attempt.Provider, attempt.PublishedURL)
					default:
						fmt.Printf("✗ Attempt #%d via %s failed: %s\n",
							attempt.Number, attempt.Provider, attempt.FailureReason)
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", true, "stream attempts until a terminal outcome")

	return cmd
}
