// Package config loads service configuration from a YAML file and the environment.
// Environment variables take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the variable holding the config file path
const PathEnv = "ESI_TRIAGE_CONFIG"

// DefaultPath is read when present and no path was given
const DefaultPath = "config.yaml"

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Port         string            `yaml:"port"`
	ReadTimeout  time.Duration     `yaml:"read_timeout"`
	WriteTimeout time.Duration     `yaml:"write_timeout"`
	APIKeys      map[string]string `yaml:"api_keys"` // key -> client name
}

// DatabaseConfig holds PostgreSQL settings. An empty URL runs the in-memory store.
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// KafkaConfig holds Redpanda settings
type KafkaConfig struct {
	Brokers               []string `yaml:"brokers"`
	VitalsConsumerEnabled bool     `yaml:"vitals_consumer_enabled"`
	ConsumerGroup         string   `yaml:"consumer_group"`
	AuditEnabled          bool     `yaml:"audit_enabled"`
}

// LLMConfig holds the judgment provider settings
type LLMConfig struct {
	Provider string        `yaml:"provider"` // "openai", "anthropic", "perplexity", "ollama", or "none"
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// Enabled reports whether an LLM provider is configured
func (c LLMConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != "none"
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
}

// Config holds application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	LLM      LLMConfig      `yaml:"llm"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// Default returns the configuration used for local development
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8081",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second, // intake waits on up to three judgment calls
			APIKeys:      map[string]string{},
		},
		Database: DatabaseConfig{
			MaxConns:    10,
			AutoMigrate: true,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "triage-vitals",
		},
		LLM: LLMConfig{
			Provider: "none",
			Timeout:  20 * time.Second,
			Retries:  2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Environment:  "development",
		},
	}
}

// Load reads path (or $ESI_TRIAGE_CONFIG, or ./config.yaml when it exists), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnv)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	if err := cfg.loadFile(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.APIKey, "LLM_API_KEY")
	setString(&c.LLM.BaseURL, "LLM_BASE_URL")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Tracing.OTLPEndpoint, "OTLP_ENDPOINT")

	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		c.Kafka.Brokers = splitList(b)
	}
	if key := os.Getenv("API_KEY"); key != "" {
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = map[string]string{}
		}
		c.Server.APIKeys[key] = "env-client"
	}

	if err := setBool(&c.Tracing.Enabled, "TRACING_ENABLED"); err != nil {
		return err
	}
	return setBool(&c.Kafka.VitalsConsumerEnabled, "VITALS_CONSUMER_ENABLED")
}

// Validate checks the combined configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not a number", c.Server.Port)
	}
	if c.Kafka.VitalsConsumerEnabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when the vitals consumer is enabled")
	}
	if c.Kafka.VitalsConsumerEnabled && c.Database.URL == "" {
		return errors.New("database.url is required when the vitals consumer is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate %v outside [0, 1]", c.Tracing.SampleRate)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be positive")
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	*dst = b
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
