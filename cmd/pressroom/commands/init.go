package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/stores"
)

const starterConfig = `# Pressroom configuration. Secrets come from the environment:
#   PRESSROOM_SOURCE_TOKEN, PRESSROOM_LLM_API_KEY,
#   PRESSROOM_WEBHOOK_API_KEY, PRESSROOM_AGENT_PASSWORD
database:
  path: %s

sync:
  source:
    name: cms
    base_url: https://cms.example.com/api
  interval: 5m
  page_size: 100

analysis:
  workers: 20
  llm:
    model: gpt-4o-mini

publish:
  provider_order: [webhook, agent]
  failures_per_provider: 3
  initial_backoff: 1m
  max_backoff: 4m
  webhook:
    base_url: https://publish.example.com/api
  agent:
    base_url: http://localhost:8700
    platform: wordpress

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: true
  metrics_listen: ":9090"
`

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a pressroom workspace",
		Long: `Initialize a pressroom workspace: data directory, SQLite database with
the schema migrated, and a starter configuration file.

Existing files are left untouched, so init is safe to re-run.`,
		Example: `  # Initialize in ./data
  pressroom init

  # Initialize elsewhere with a custom config path
  pressroom init --data-dir /var/lib/pressroom --config /etc/pressroom/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Str("data_dir", dataDir).Msg("Initializing workspace")
			fmt.Printf("Initializing pressroom workspace in %s\n\n", dataDir)

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			dbPath := filepath.Join(dataDir, "pressroom.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = filepath.Join(dataDir, "config.yaml")
			}
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				content := fmt.Sprintf(starterConfig, dbPath)
				if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", cfgPath)
			} else {
				fmt.Printf("✓ Config file already exists: %s\n", cfgPath)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Point the source at your CMS in %s\n", cfgPath)
			fmt.Printf("  2. Run a sync:\n")
			fmt.Printf("     pressroom sync --config %s\n\n", cfgPath)
			fmt.Printf("  3. Start the service:\n")
			fmt.Printf("     pressroom serve --config %s\n", cfgPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "workspace data directory")

	return cmd
}
