// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for llmrouter.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.llmrouter/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete llmrouter configuration.
type Config struct {
	Version string `toml:"version"`

	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Providers  ProvidersConfig  `toml:"providers"`
	Defaults   DefaultsConfig   `toml:"defaults"`
	Generation GenerationConfig `toml:"generation"`
	Catalog    CatalogConfig    `toml:"catalog"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `toml:"port"`
	// RateLimitRPS is the per-client sustained request rate. 0 disables limiting.
	RateLimitRPS float64 `toml:"rate_limit_rps"`
	// RateLimitBurst is the per-client burst allowance.
	RateLimitBurst int `toml:"rate_limit_burst"`
}

// DatabaseConfig contains SQLite configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file path (empty = ~/.llmrouter/llmrouter.db).
	Path string `toml:"path"`
}

// ProvidersConfig contains per-provider API credentials and endpoints.
type ProvidersConfig struct {
	// OpenAIKey is the OpenAI API key.
	OpenAIKey string `toml:"openai_key"`
	// OpenAIBaseURL overrides the OpenAI API base URL (empty = api.openai.com).
	OpenAIBaseURL string `toml:"openai_base_url"`
	// AnthropicKey is the Anthropic API key.
	AnthropicKey string `toml:"anthropic_key"`
	// AnthropicBaseURL overrides the Anthropic API base URL.
	AnthropicBaseURL string `toml:"anthropic_base_url"`
}

// DefaultsConfig contains default generation settings for new conversations.
type DefaultsConfig struct {
	// Model is the default model id.
	Model string `toml:"model"`
	// Reasoning is the default reasoning effort for models that support it.
	Reasoning string `toml:"reasoning"`
	// Temperature is the default sampling temperature for models that support it.
	Temperature float64 `toml:"temperature"`
}

// GenerationConfig contains generation lifecycle tuning.
type GenerationConfig struct {
	// MaxDurationSecs bounds a single generation. Exchanges still running
	// past this are failed by the orchestrator.
	MaxDurationSecs int `toml:"max_duration_secs"`
	// ReapIntervalSecs is how often the stuck-exchange reaper runs.
	ReapIntervalSecs int `toml:"reap_interval_secs"`
}

// CatalogConfig contains model catalog configuration.
type CatalogConfig struct {
	// FallbackPath is the YAML fallback catalog path (empty = ~/.llmrouter/models.yaml).
	FallbackPath string `toml:"fallback_path"`
	// WatchFallback reloads the catalog when the fallback file changes.
	WatchFallback bool `toml:"watch_fallback"`
	// FetchTimeoutSecs bounds a single provider model-list request.
	FetchTimeoutSecs int `toml:"fetch_timeout_secs"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Port:           8080,
			RateLimitRPS:   10,
			RateLimitBurst: 30,
		},
		Database: DatabaseConfig{
			Path: "", // resolved via DatabasePath()
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:    "https://api.openai.com",
			AnthropicBaseURL: "https://api.anthropic.com",
		},
		Defaults: DefaultsConfig{
			Model:       "gpt-4o-mini",
			Reasoning:   "medium",
			Temperature: 0.7,
		},
		Generation: GenerationConfig{
			MaxDurationSecs:  300,
			ReapIntervalSecs: 60,
		},
		Catalog: CatalogConfig{
			WatchFallback:    true,
			FetchTimeoutSecs: 10,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the llmrouter configuration directory (~/.llmrouter).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".llmrouter"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// DatabasePath resolves the SQLite path, falling back to the config dir.
func (c *Config) DatabasePath() (string, error) {
	if c.Database.Path != "" {
		return c.Database.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "llmrouter.db"), nil
}

// FallbackCatalogPath resolves the YAML fallback catalog path.
func (c *Config) FallbackCatalogPath() (string, error) {
	if c.Catalog.FallbackPath != "" {
		return c.Catalog.FallbackPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "models.yaml"), nil
}

// ensureSecurePermissions checks config file permissions and fixes them if
// too permissive. The config file holds API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save saves the configuration to the default TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# llmrouter configuration file")
	fmt.Fprintln(file, "# Keys in this file are secrets - keep permissions at 0600")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Providers.OpenAIBaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.AnthropicKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.Providers.AnthropicBaseURL = v
	}
	if v := os.Getenv("LLMROUTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LLMROUTER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LLMROUTER_DEFAULT_MODEL"); v != "" {
		c.Defaults.Model = v
	}
	if v := os.Getenv("LLMROUTER_MAX_GENERATION_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Generation.MaxDurationSecs = secs
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a single config validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates validation failures.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// SetDefaults fills zero values with defaults and clamps out-of-range
// values to their valid bounds.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.RateLimitRPS < 0 {
		c.Server.RateLimitRPS = 0
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = defaults.Server.RateLimitBurst
	}
	if c.Providers.OpenAIBaseURL == "" {
		c.Providers.OpenAIBaseURL = defaults.Providers.OpenAIBaseURL
	}
	if c.Providers.AnthropicBaseURL == "" {
		c.Providers.AnthropicBaseURL = defaults.Providers.AnthropicBaseURL
	}
	if c.Defaults.Model == "" {
		c.Defaults.Model = defaults.Defaults.Model
	}
	if c.Defaults.Reasoning == "" {
		c.Defaults.Reasoning = defaults.Defaults.Reasoning
	}
	if c.Defaults.Temperature < 0 {
		c.Defaults.Temperature = 0
	}
	if c.Defaults.Temperature > 2 {
		c.Defaults.Temperature = 2
	}
	if c.Generation.MaxDurationSecs <= 0 {
		c.Generation.MaxDurationSecs = defaults.Generation.MaxDurationSecs
	}
	if c.Generation.ReapIntervalSecs <= 0 {
		c.Generation.ReapIntervalSecs = defaults.Generation.ReapIntervalSecs
	}
	if c.Catalog.FetchTimeoutSecs <= 0 {
		c.Catalog.FetchTimeoutSecs = defaults.Catalog.FetchTimeoutSecs
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if !strings.HasPrefix(c.Providers.OpenAIBaseURL, "http://") &&
		!strings.HasPrefix(c.Providers.OpenAIBaseURL, "https://") {
		errs = append(errs, ValidationError{
			Field:   "providers.openai_base_url",
			Message: "must be an http(s) URL",
		})
	}
	if !strings.HasPrefix(c.Providers.AnthropicBaseURL, "http://") &&
		!strings.HasPrefix(c.Providers.AnthropicBaseURL, "https://") {
		errs = append(errs, ValidationError{
			Field:   "providers.anthropic_base_url",
			Message: "must be an http(s) URL",
		})
	}
	switch c.Defaults.Reasoning {
	case "low", "medium", "high":
	default:
		errs = append(errs, ValidationError{
			Field:   "defaults.reasoning",
			Message: fmt.Sprintf("must be low, medium, or high, got %q", c.Defaults.Reasoning),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
