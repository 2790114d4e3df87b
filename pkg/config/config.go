package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	envConfigPath = "DINGCLAW_CONFIG"
	envPrefix     = "DINGCLAW_"
)

// Config is the root runtime configuration loaded from config.yaml.
type Config struct {
	Agents    AgentsConfig    `koanf:"agents" yaml:"agents"`
	Channels  ChannelsConfig  `koanf:"channels" yaml:"channels"`
	Providers ProvidersConfig `koanf:"providers" yaml:"providers"`
	Gateway   GatewayConfig   `koanf:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `koanf:"format" yaml:"format,omitempty"`
	Level     string `koanf:"level" yaml:"level,omitempty"`
	AddSource bool   `koanf:"add_source" yaml:"add_source,omitempty"`
}

// AgentsConfig contains reply pipeline defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `koanf:"defaults" yaml:"defaults"`
}

// AgentDefaults selects the model backend answering inbound messages.
type AgentDefaults struct {
	Provider     string `koanf:"provider" yaml:"provider"`
	Model        string `koanf:"model" yaml:"model"`
	Agent        string `koanf:"agent" yaml:"agent,omitempty"`
	SystemPrompt string `koanf:"system_prompt" yaml:"system_prompt,omitempty"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `koanf:"opencode" yaml:"opencode"`
	OpenAI   OpenAIProviderConfig   `koanf:"openai" yaml:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `koanf:"base_url" yaml:"base_url"`
	Username              string `koanf:"username" yaml:"username,omitempty"`
	PasswordEnv           string `koanf:"password_env" yaml:"password_env,omitempty"`
	RequestTimeoutSeconds int    `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds,omitempty"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `koanf:"base_url" yaml:"base_url,omitempty"`
	APIKeyEnv             string `koanf:"api_key_env" yaml:"api_key_env,omitempty"`
	Organization          string `koanf:"organization" yaml:"organization,omitempty"`
	Project               string `koanf:"project" yaml:"project,omitempty"`
	RequestTimeoutSeconds int    `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	DingTalk DingTalkConfig `koanf:"dingtalk" yaml:"dingtalk"`
}

// GatewayConfig configures the status HTTP server bind settings.
type GatewayConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`
}

// Default returns a configuration populated with every documented default.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{Defaults: AgentDefaults{Provider: "openai"}},
		Channels: ChannelsConfig{
			DingTalk: DefaultDingTalkConfig(),
		},
		Gateway: GatewayConfig{Host: "0.0.0.0", Port: 18790},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// LoadConfig resolves the config file location and loads it.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return Load(configPath)
}

// Load reads configuration from the given YAML file on top of the defaults,
// then overlays DINGCLAW_* environment overrides (DINGCLAW_GATEWAY__PORT -> gateway.port).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("access config file: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks enumerated settings; credentials are checked at account resolution.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	var errs []error
	errs = append(errs, c.Channels.DingTalk.validate()...)

	switch strings.ToLower(strings.TrimSpace(c.Agents.Defaults.Provider)) {
	case "", "openai", "opencode":
	default:
		errs = append(errs, fmt.Errorf("agents.defaults.provider: unsupported provider %q", c.Agents.Defaults.Provider))
	}

	if c.Gateway.Port < 0 {
		errs = append(errs, errors.New("gateway.port must be non-negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
}

// envKey maps DINGCLAW_CHANNELS__DINGTALK__CLIENT_ID to channels.dingtalk.client_id.
func envKey(name string) string {
	key := strings.TrimPrefix(name, envPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is DINGCLAW_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.yaml not found (checked %s and %s)", candidates[0], candidates[1])
}

// DefaultPath returns where `dingclaw init` writes a new config when no path is given.
func DefaultPath() string {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		return value
	}
	return "config.yaml"
}
