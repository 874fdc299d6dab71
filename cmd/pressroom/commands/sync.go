package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/ingest"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the content source",
		Long: `Run a single reconciliation pass: list documents from the content
source, create units for never-seen documents, and refresh the content of
known ones.

Newly discovered units land in the pending state; the running service
picks them up for analysis (a restart requeues them as well).`,
		Example: `  # Sync with the workspace config
  pressroom sync --config ./data/config.yaml

  # Machine-readable run stats
  pressroom sync --json`,
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

			logger := log.Logger
			sm := core.NewStateMachine(store, nil, logger)
			source := ingest.NewHTTPSource(ingest.HTTPSourceConfig{
				Name:     cfg.Sync.Source.Name,
				BaseURL:  cfg.Sync.Source.BaseURL,
				Token:    cfg.Sync.Source.Token,
				Timeout:  cfg.Sync.Source.Timeout.Std(),
				RetryMax: cfg.Sync.Source.RetryMax,
			}, logger)
			engine := ingest.NewEngine(ingest.Config{
				PageSize:       cfg.Sync.PageSize,
				MaxItemRetries: cfg.Sync.MaxItemRetries,
				Workers:        cfg.Sync.Workers,
			}, source, store, sm, nil, core.NewKeyedLock(), logger)

			stats, err := engine.RunOnce(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Sync complete: %d processed, %d created, %d updated, %d skipped, %d errors\n",
				stats.Processed, stats.Created, stats.Updated, stats.Skipped, stats.Errors)
			return nil
		},
	}
	return cmd
}
