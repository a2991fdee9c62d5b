// Package config provides configuration management for the agent runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Routing RoutingConfig `mapstructure:"routing"`
	Storage StorageConfig `mapstructure:"storage"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RoutingConfig holds agent URL routing configuration.
type RoutingConfig struct {
	// Prefix is the first URL path segment for agent routes (default: agents).
	Prefix string `mapstructure:"prefix"`

	// CORS enables preflight handling with the default header set.
	CORS bool `mapstructure:"cors"`

	// CORSHeaders, when non-empty, overrides the default CORS headers verbatim.
	CORSHeaders map[string]string `mapstructure:"corsHeaders"`
}

// StorageConfig holds per-agent embedded storage configuration.
type StorageConfig struct {
	// DataDir is the directory holding one SQLite file per agent instance.
	DataDir string `mapstructure:"dataDir"`
}

// RuntimeConfig holds agent instance lifecycle configuration.
type RuntimeConfig struct {
	// IdleEviction is how long an instance may sit idle before hibernation (seconds).
	IdleEviction int `mapstructure:"idleEviction"`

	// MailboxSize is the per-instance pending work buffer.
	MailboxSize int `mapstructure:"mailboxSize"`
}

// MCPConfig holds MCP client manager configuration.
type MCPConfig struct {
	// CallbackBaseURL is the externally reachable base for OAuth redirects,
	// e.g. https://host/agents/my-agent/default/callback.
	CallbackBaseURL string `mapstructure:"callbackBaseUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleEvictionDuration returns the idle eviction window as a time.Duration.
func (r *RuntimeConfig) IdleEvictionDuration() time.Duration {
	return time.Duration(r.IdleEviction) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTHOST_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Routing defaults
	v.SetDefault("routing.prefix", "agents")
	v.SetDefault("routing.cors", false)

	// Storage defaults
	v.SetDefault("storage.dataDir", "./data")

	// Runtime defaults
	v.SetDefault("runtime.idleEviction", 300)
	v.SetDefault("runtime.mailboxSize", 64)

	// MCP defaults - empty base URL disables OAuth callback handling
	v.SetDefault("mcp.callbackBaseUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTHOST_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agenthost/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from the config key naming.
	_ = v.BindEnv("storage.dataDir", "AGENTHOST_STORAGE_DATA_DIR")
	_ = v.BindEnv("mcp.callbackBaseUrl", "AGENTHOST_MCP_CALLBACK_BASE_URL")
	_ = v.BindEnv("runtime.idleEviction", "AGENTHOST_RUNTIME_IDLE_EVICTION")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agenthost/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Routing.Prefix == "" || strings.Contains(cfg.Routing.Prefix, "/") {
		errs = append(errs, "routing.prefix must be a single path segment")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}

	if cfg.Runtime.IdleEviction <= 0 {
		errs = append(errs, "runtime.idleEviction must be positive")
	}
	if cfg.Runtime.MailboxSize <= 0 {
		errs = append(errs, "runtime.mailboxSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
