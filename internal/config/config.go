// Package config provides configuration management for the gateway server.
// It handles loading and parsing the YAML configuration file and provides
// structured access to application settings: server port, account-pool
// directory, authentication mode, scheduling policy, and logging.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthMode controls how the HTTP server gates incoming requests.
type AuthMode string

const (
	AuthModeOff             AuthMode = "off"
	AuthModeStrict          AuthMode = "strict"
	AuthModeAllExceptHealth AuthMode = "all_except_health"
)

// SchedulingMode selects how the account pool honours sticky sessions.
type SchedulingMode string

const (
	SchedulingPerformanceFirst SchedulingMode = "performance_first"
	SchedulingBalance          SchedulingMode = "balance"
	SchedulingCacheFirst       SchedulingMode = "cache_first"
)

// StickySessionConfig configures session-affinity behavior for the account pool.
type StickySessionConfig struct {
	Mode           SchedulingMode `yaml:"mode" json:"mode"`
	MaxWaitSeconds int            `yaml:"max-wait-seconds" json:"max-wait-seconds"`
}

// ModelAliasConfig holds the three model-name mapping tables consulted, in
// order, before falling back to prefix-based passthrough.
type ModelAliasConfig struct {
	Custom   map[string]string `yaml:"custom,omitempty" json:"custom,omitempty"`
	OpenAI   map[string]string `yaml:"openai,omitempty" json:"openai,omitempty"`
	Anthropic map[string]string `yaml:"anthropic,omitempty" json:"anthropic,omitempty"`
}

// Config represents the gateway's application configuration, loaded from a YAML file.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory containing one JSON file per pooled account.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables verbose (debug-level) logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile switches log output from stdout to a rotating file under AuthDir/logs.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB bounds the total size of the log directory; 0 disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb,omitempty" json:"logs-max-total-size-mb,omitempty"`

	// RequestLog enables full request/response body capture to disk.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// APIKeys authenticate inbound clients when AuthMode requires it.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// AuthMode selects the HTTP auth gate behavior.
	AuthMode AuthMode `yaml:"auth-mode" json:"auth-mode"`

	// ProxyURL is an optional outbound SOCKS5/HTTP(S) proxy used for all upstream calls
	// (OAuth refresh, project resolution, and generation).
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// OAuthClientID / OAuthClientSecret override the gateway's default OAuth client
	// credentials; left empty, the built-in constants are used.
	OAuthClientID     string `yaml:"oauth-client-id,omitempty" json:"oauth-client-id,omitempty"`
	OAuthClientSecret string `yaml:"oauth-client-secret,omitempty" json:"oauth-client-secret,omitempty"`

	// StickySession configures the account-pool's session-affinity behavior.
	StickySession StickySessionConfig `yaml:"sticky-session" json:"sticky-session"`

	// ModelAliases resolves caller-supplied model names before upstream dispatch.
	ModelAliases ModelAliasConfig `yaml:"model-aliases,omitempty" json:"model-aliases,omitempty"`

	// RequestTimeoutSeconds bounds how long a single client request may run end-to-end.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds,omitempty" json:"request-timeout-seconds,omitempty"`
}

// applyDefaults fills in zero-valued fields with the gateway's defaults.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AuthDir == "" {
		c.AuthDir = "accounts"
	}
	if c.AuthMode == "" {
		c.AuthMode = AuthModeOff
	}
	if c.StickySession.Mode == "" {
		c.StickySession.Mode = SchedulingBalance
	}
	if c.StickySession.MaxWaitSeconds == 0 {
		c.StickySession.MaxWaitSeconds = 30
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 120
	}
}

// LoadConfig reads and parses the YAML configuration file at path. The file must exist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing or empty file,
// returning a default configuration instead of an error.
func LoadConfigOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}
