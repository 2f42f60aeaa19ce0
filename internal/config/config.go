// Package config loads taskflow configuration.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	LLM          LLMConfig          `koanf:"llm"`
	Sessions     SessionsConfig     `koanf:"sessions"`
	NATS         NATSConfig         `koanf:"nats"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Secrets      SecretsConfig      `koanf:"secrets"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MaxGoalLength bounds the goal accepted by the run endpoint.
	MaxGoalLength int `koanf:"max_goal_length"`
}

// OrchestratorConfig bounds runs.
type OrchestratorConfig struct {
	MaxRetries int `koanf:"max_retries"`
	MaxTicks   int `koanf:"max_ticks"`
}

// LLM providers.
const (
	ProviderAuto      = "auto"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Executor output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// LLMConfig configures the language model used by all performers.
type LLMConfig struct {
	Provider   string   `koanf:"provider"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	BaseURL    string   `koanf:"base_url"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"`
	Burst      int      `koanf:"burst"`
	MaxRetries int      `koanf:"max_retries"`

	PlannerTemperature  float64 `koanf:"planner_temperature"`
	ExecutorTemperature float64 `koanf:"executor_temperature"`
	CriticTemperature   float64 `koanf:"critic_temperature"`
	ExecutorFormat      string  `koanf:"executor_format"`
}

// Session backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// SessionsConfig configures conversation persistence.
type SessionsConfig struct {
	Backend     string `koanf:"backend"`
	Bucket      string `koanf:"bucket"`
	TitleLength int    `koanf:"title_length"`
}

// NATSConfig configures the NATS connection shared by the session store and
// the event bus.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	PublishEvents bool   `koanf:"publish_events"`
}

// LoggingConfig is the subset of logging settings exposed in config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	ServiceName  string  `koanf:"service_name"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// SecretsConfig configures scrubbing of persisted and returned content.
type SecretsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Secrets: SecretsConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.MaxGoalLength == 0 {
		cfg.Server.MaxGoalLength = 8000
	}

	if cfg.Orchestrator.MaxRetries == 0 {
		cfg.Orchestrator.MaxRetries = 3
	}
	if cfg.Orchestrator.MaxTicks == 0 {
		cfg.Orchestrator.MaxTicks = 25
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderAuto
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(60 * time.Second)
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 2
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 4
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.PlannerTemperature == 0 {
		cfg.LLM.PlannerTemperature = 0.7
	}
	if cfg.LLM.ExecutorTemperature == 0 {
		cfg.LLM.ExecutorTemperature = 0.2
	}
	// Critic temperature defaults to 0.
	if cfg.LLM.ExecutorFormat == "" {
		cfg.LLM.ExecutorFormat = FormatText
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = BackendMemory
	}
	if cfg.Sessions.Bucket == "" {
		cfg.Sessions.Bucket = "taskflow_sessions"
	}
	if cfg.Sessions.TitleLength == 0 {
		cfg.Sessions.TitleLength = 50
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "taskflow"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskflow"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.MaxGoalLength < 1 {
		errs = append(errs, errors.New("server.max_goal_length must be positive"))
	}
	if c.Orchestrator.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_retries must be >= 1, got %d", c.Orchestrator.MaxRetries))
	}
	if c.Orchestrator.MaxTicks < 3 {
		errs = append(errs, fmt.Errorf("orchestrator.max_ticks must be >= 3, got %d", c.Orchestrator.MaxTicks))
	}

	providers := []string{ProviderAuto, ProviderOpenAI, ProviderGroq, ProviderGemini, ProviderAnthropic}
	if !slices.Contains(providers, c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider must be one of %s, got %q", strings.Join(providers, "|"), c.LLM.Provider))
	}
	if c.LLM.RateLimit < 0 || c.LLM.Burst < 1 {
		errs = append(errs, errors.New("llm.rate_limit must be >= 0 and llm.burst >= 1"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must be >= 0"))
	}
	for name, t := range map[string]float64{
		"planner_temperature":  c.LLM.PlannerTemperature,
		"executor_temperature": c.LLM.ExecutorTemperature,
		"critic_temperature":   c.LLM.CriticTemperature,
	} {
		if t < 0 || t > 2 {
			errs = append(errs, fmt.Errorf("llm.%s must be between 0 and 2, got %v", name, t))
		}
	}
	if c.LLM.ExecutorFormat != FormatText && c.LLM.ExecutorFormat != FormatJSON {
		errs = append(errs, fmt.Errorf("llm.executor_format must be text or json, got %q", c.LLM.ExecutorFormat))
	}

	if c.Sessions.Backend != BackendMemory && c.Sessions.Backend != BackendNATS {
		errs = append(errs, fmt.Errorf("sessions.backend must be memory or nats, got %q", c.Sessions.Backend))
	}
	if c.Sessions.TitleLength < 1 {
		errs = append(errs, errors.New("sessions.title_length must be positive"))
	}
	if (c.Sessions.Backend == BackendNATS || c.NATS.PublishEvents) && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when NATS is used"))
	}

	if c.Telemetry.Enabled && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol))
	}

	return errors.Join(errs...)
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Sessions.Backend == BackendNATS || c.NATS.PublishEvents
}
