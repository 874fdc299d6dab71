package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("5m", "30s") as well as integer nanoseconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the full runtime configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Publish   PublishConfig   `yaml:"publish"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	// Path is the sqlite database file.
	Path string `yaml:"path" validate:"required"`
}

// SyncConfig configures the sync engine and its scheduler.
type SyncConfig struct {
	Source SourceConfig `yaml:"source"`

	// Interval between scheduled sync runs.
	Interval Duration `yaml:"interval" validate:"gte=0"`

	// PageSize is the listing page size requested from the source.
	PageSize int `yaml:"page_size" validate:"gte=1,lte=1000"`

	// MaxItemRetries bounds per-item sync retries before a unit is failed.
	MaxItemRetries int `yaml:"max_item_retries" validate:"gte=0"`

	// Workers bounds concurrent per-item reconciliation.
	Workers int `yaml:"workers" validate:"gte=1"`

	// AlertThreshold is the consecutive run-failure count that fires the
	// sync alert hook.
	AlertThreshold int `yaml:"alert_threshold" validate:"gte=1"`
}

// SourceConfig configures the external content source client.
type SourceConfig struct {
	Name     string   `yaml:"name" validate:"required"`
	BaseURL  string   `yaml:"base_url" validate:"omitempty,url"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout" validate:"gte=0"`
	RetryMax int      `yaml:"retry_max" validate:"gte=0"`
}

// AnalysisConfig configures the analysis coordinator.
type AnalysisConfig struct {
	// Workers bounds concurrent analysis passes.
	Workers int `yaml:"workers" validate:"gte=1"`

	// QueueDepth is the analysis handoff queue capacity.
	QueueDepth int `yaml:"queue_depth" validate:"gte=1"`

	// ManifestPath optionally overrides the built-in rule manifest.
	ManifestPath string `yaml:"manifest_path"`

	LLM LLMConfig `yaml:"llm"`
}

// LLMConfig configures the AI analyzer endpoint.
type LLMConfig struct {
	BaseURL      string   `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string   `yaml:"api_key"`
	Model        string   `yaml:"model" validate:"required"`
	BaseTimeout  Duration `yaml:"base_timeout" validate:"gte=0"`
	TimeoutPerKB Duration `yaml:"timeout_per_kb" validate:"gte=0"`
	MaxTimeout   Duration `yaml:"max_timeout" validate:"gte=0"`
}

// PublishConfig configures the publish orchestrator and its providers.
type PublishConfig struct {
	// ProviderOrder is the fallback chain, most preferred first.
	ProviderOrder []string `yaml:"provider_order" validate:"min=1,dive,required"`

	// FailuresPerProvider is the consecutive-failure threshold that moves a
	// unit to the next provider.
	FailuresPerProvider int `yaml:"failures_per_provider" validate:"gte=1"`

	// InitialBackoff and MaxBackoff bound the attempt retry backoff.
	InitialBackoff Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     Duration `yaml:"max_backoff" validate:"gt=0"`

	// DefaultConcurrency is the per-provider attempt ceiling when a provider
	// has no explicit entry in Concurrency.
	DefaultConcurrency int            `yaml:"default_concurrency" validate:"gte=1"`
	Concurrency        map[string]int `yaml:"concurrency" validate:"dive,gte=1"`

	Webhook WebhookProviderConfig `yaml:"webhook"`
	Agent   AgentProviderConfig   `yaml:"agent"`
}

// WebhookProviderConfig configures the REST publishing provider.
type WebhookProviderConfig struct {
	BaseURL  string   `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout" validate:"gte=0"`
	RetryMax int      `yaml:"retry_max" validate:"gte=-1"`
	Cost     float64  `yaml:"cost" validate:"gte=0"`
}

// AgentProviderConfig configures the browser-agent publishing provider.
type AgentProviderConfig struct {
	BaseURL  string   `yaml:"base_url" validate:"omitempty,url"`
	Platform string   `yaml:"platform"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout" validate:"gte=0"`
	Cost     float64  `yaml:"cost" validate:"gte=0"`
}

// TelemetryConfig configures logging, metrics, and tracing.
type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string  `yaml:"log_format" validate:"oneof=console json"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	MetricsListen   string  `yaml:"metrics_listen"`
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}
