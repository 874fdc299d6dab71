// Package config loads the runtime configuration from YAML with defaults,
// environment overrides, and struct-tag validation. A watcher reapplies
// tunables when the file changes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pressroom/pressroom/pkg/telemetry"
)

// Default returns the built-in configuration. Load layers the file and
// environment on top of it.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "pressroom.db",
		},
		Sync: SyncConfig{
			Source: SourceConfig{
				Name:     "cms",
				Timeout:  Duration(30 * time.Second),
				RetryMax: 2,
			},
			Interval:       Duration(5 * time.Minute),
			PageSize:       100,
			MaxItemRetries: 3,
			Workers:        8,
			AlertThreshold: 3,
		},
		Analysis: AnalysisConfig{
			Workers:    20,
			QueueDepth: 256,
			LLM: LLMConfig{
				Model:        "gpt-4o-mini",
				BaseTimeout:  Duration(20 * time.Second),
				TimeoutPerKB: Duration(500 * time.Millisecond),
				MaxTimeout:   Duration(2 * time.Minute),
			},
		},
		Publish: PublishConfig{
			ProviderOrder:       []string{"webhook", "agent"},
			FailuresPerProvider: 3,
			InitialBackoff:      Duration(time.Minute),
			MaxBackoff:          Duration(4 * time.Minute),
			DefaultConcurrency:  10,
			Concurrency: map[string]int{
				"webhook": 20,
				"agent":   10,
			},
			Webhook: WebhookProviderConfig{
				Timeout:  Duration(30 * time.Second),
				RetryMax: 1,
				Cost:     0.25,
			},
			Agent: AgentProviderConfig{
				Platform: "wordpress",
				Timeout:  Duration(2 * time.Minute),
				Cost:     1.5,
			},
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
	}
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables recognized by applyEnvOverrides. Secrets belong
// here, not in the file.
const (
	EnvDatabasePath  = "PRESSROOM_DATABASE_PATH"
	EnvSourceBaseURL = "PRESSROOM_SOURCE_BASE_URL"
	EnvSourceToken   = "PRESSROOM_SOURCE_TOKEN"
	EnvLLMBaseURL    = "PRESSROOM_LLM_BASE_URL"
	EnvLLMAPIKey     = "PRESSROOM_LLM_API_KEY"
	EnvWebhookAPIKey = "PRESSROOM_WEBHOOK_API_KEY"
	EnvAgentPassword = "PRESSROOM_AGENT_PASSWORD"
	EnvLogLevel      = "PRESSROOM_LOG_LEVEL"
	EnvMetricsListen = "PRESSROOM_METRICS_LISTEN"
)

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvDatabasePath, &cfg.Database.Path},
		{EnvSourceBaseURL, &cfg.Sync.Source.BaseURL},
		{EnvSourceToken, &cfg.Sync.Source.Token},
		{EnvLLMBaseURL, &cfg.Analysis.LLM.BaseURL},
		{EnvLLMAPIKey, &cfg.Analysis.LLM.APIKey},
		{EnvWebhookAPIKey, &cfg.Publish.Webhook.APIKey},
		{EnvAgentPassword, &cfg.Publish.Agent.Password},
		{EnvLogLevel, &cfg.Telemetry.LogLevel},
		{EnvMetricsListen, &cfg.Telemetry.MetricsListen},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against its struct tags plus the
// cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Publish.MaxBackoff < c.Publish.InitialBackoff {
		return fmt.Errorf("invalid config: max_backoff %s below initial_backoff %s",
			c.Publish.MaxBackoff, c.Publish.InitialBackoff)
	}
	if c.Analysis.LLM.MaxTimeout < c.Analysis.LLM.BaseTimeout {
		return fmt.Errorf("invalid config: llm max_timeout %s below base_timeout %s",
			c.Analysis.LLM.MaxTimeout, c.Analysis.LLM.BaseTimeout)
	}
	return nil
}

// TelemetryConfig builds the telemetry package configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.Logging.Level = c.Telemetry.LogLevel
	tcfg.Logging.Format = c.Telemetry.LogFormat
	tcfg.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tcfg.Metrics.ListenAddress = c.Telemetry.MetricsListen
	tcfg.Tracing.Enabled = c.Telemetry.TracingEnabled
	tcfg.Tracing.Exporter = c.Telemetry.TracingExporter
	tcfg.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tcfg.Tracing.SamplingRate = c.Telemetry.SamplingRate
	return tcfg
}
