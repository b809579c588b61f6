package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raggate/raggate/internal/notify"
)

// Config is the top-level raggate configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	RAG     RAGConfig     `yaml:"rag"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// AuthConfig controls API key authentication and alert escalation.
type AuthConfig struct {
	APIKeyHeader   string `yaml:"api_key_header"`
	AlertThreshold int    `yaml:"alert_threshold"`
	AlertWindow    string `yaml:"alert_window"`
	StaleDays      int    `yaml:"stale_days"`
}

// LimitsConfig sets per-route request quotas.
type LimitsConfig struct {
	EmbedPerMinute int `yaml:"embed_per_minute"`
	QueryPerMinute int `yaml:"query_per_minute"`
}

// RAGConfig points at the embedding backend and the vector store.
type RAGConfig struct {
	OllamaURL   string `yaml:"ollama_url"`
	EmbedModel  string `yaml:"embed_model"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Table       string `yaml:"table"`
	TopK        int    `yaml:"top_k"`
}

// NotifyConfig holds operator alert delivery settings.
type NotifyConfig struct {
	Email notify.EmailConfig `yaml:"email"`
	Slack notify.SlackConfig `yaml:"slack"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing, so
// secrets like the Postgres DSN can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST"},
			},
		},
		Auth: AuthConfig{
			APIKeyHeader:   "x-api-key",
			AlertThreshold: 10,
			AlertWindow:    "1h",
			StaleDays:      30,
		},
		Limits: LimitsConfig{
			EmbedPerMinute: 10,
			QueryPerMinute: 20,
		},
		RAG: RAGConfig{
			OllamaURL:  "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			Table:      "documents",
			TopK:       5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ShutdownTimeout parses the configured shutdown timeout, falling back to
// 30 seconds when unset or invalid.
func (c *Config) ShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// AlertWindow parses the configured alert window, falling back to one hour.
func (c *Config) AlertWindow() time.Duration {
	d, err := time.ParseDuration(c.Auth.AlertWindow)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
