package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config models forgeline.yml (or forgeline.toml).
type Config struct {
	Server   ServerConfig    `yaml:"server" toml:"server"`
	Sync     SyncConfig      `yaml:"sync" toml:"sync"`
	Provider ProviderConfig  `yaml:"provider" toml:"provider"`
	Workflow WorkflowConfig  `yaml:"workflow" toml:"workflow"`
	Log      LogConfig       `yaml:"log" toml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	BasePath  string `yaml:"base_path" toml:"base_path"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SyncConfig holds the client polling cadence and circuit breaker thresholds.
type SyncConfig struct {
	FastInterval     Duration `yaml:"fast_interval" toml:"fast_interval"`
	SlowInterval     Duration `yaml:"slow_interval" toml:"slow_interval"`
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown" toml:"cooldown"`
	MaxCooldown      Duration `yaml:"max_cooldown" toml:"max_cooldown"`
	ActionBoostPolls int      `yaml:"action_boost_polls" toml:"action_boost_polls"`
	RequestTimeout   Duration `yaml:"request_timeout" toml:"request_timeout"`
}

type ProviderConfig struct {
	Kind        string   `yaml:"kind" toml:"kind"` // openai or static
	BaseURL     string   `yaml:"base_url" toml:"base_url"`
	Model       string   `yaml:"model" toml:"model"`
	APIKeyEnv   string   `yaml:"api_key_env" toml:"api_key_env"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	Temperature float64  `yaml:"temperature" toml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens" toml:"max_tokens"`
}

// APIKey reads the provider key from the configured environment variable.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

// RegenerationPolicy decides what regenerating an Approved stage does to later stages.
type RegenerationPolicy string

const (
	// RegenerateBlock refuses when any later stage is Approved.
	RegenerateBlock RegenerationPolicy = "block"
	// RegenerateCascade supersedes every later stage.
	RegenerateCascade RegenerationPolicy = "cascade"
	// RegenerateAllow leaves later stages untouched.
	RegenerateAllow RegenerationPolicy = "allow"
)

func (p RegenerationPolicy) Valid() bool {
	switch p {
	case RegenerateBlock, RegenerateCascade, RegenerateAllow:
		return true
	}
	return false
}

type WorkflowConfig struct {
	RegenerationPolicy RegenerationPolicy `yaml:"regeneration_policy" toml:"regeneration_policy"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	Events         []string `yaml:"events" toml:"events"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
	Secret         string   `yaml:"secret" toml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Duration is a time.Duration written as "2s" in config files.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// File names searched in a workspace, in order.
var fileNames = []string{"forgeline.yml", "forgeline.yaml", "forgeline.toml"}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Path returns the config file found in the workspace, or the default YAML path.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	for _, name := range fileNames {
		p := filepath.Join(workspace, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(workspace, fileNames[0])
}

// Load reads and validates the workspace config.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromFile(path)
}

// LoadOptional returns defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return FromFile(path)
}

// FromFile parses YAML or TOML by extension. Unset fields keep their defaults.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	s := c.Sync
	if s.FastInterval.D() <= 0 || s.SlowInterval.D() <= 0 {
		return fmt.Errorf("config.sync intervals must be positive")
	}
	if s.FastInterval.D() > s.SlowInterval.D() {
		return fmt.Errorf("config.sync.fast_interval must not exceed slow_interval")
	}
	if s.FailureThreshold < 1 {
		return fmt.Errorf("config.sync.failure_threshold must be at least 1")
	}
	if s.Cooldown.D() <= 0 {
		return fmt.Errorf("config.sync.cooldown must be positive")
	}
	if s.MaxCooldown.D() < s.Cooldown.D() {
		return fmt.Errorf("config.sync.max_cooldown must be at least cooldown")
	}
	if s.ActionBoostPolls < 0 {
		return fmt.Errorf("config.sync.action_boost_polls must not be negative")
	}
	switch c.Provider.Kind {
	case "openai", "static":
	default:
		return fmt.Errorf("config.provider.kind must be openai or static, got %q", c.Provider.Kind)
	}
	if c.Provider.MaxTokens < 0 {
		return fmt.Errorf("config.provider.max_tokens must not be negative")
	}
	if !c.Workflow.RegenerationPolicy.Valid() {
		return fmt.Errorf("config.workflow.regeneration_policy must be block, cascade or allow, got %q", c.Workflow.RegenerationPolicy)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

sync:
  fast_interval: 2s
  slow_interval: 30s
  failure_threshold: 3
  cooldown: 15s
  max_cooldown: 2m
  action_boost_polls: 3
  request_timeout: 10s

provider:
  kind: openai
  base_url: https://nano-gpt.com/api/v1
  model: moonshotai/Kimi-K2-Instruct-0905
  api_key_env: FORGELINE_PROVIDER_API_KEY
  timeout: 300s
  temperature: 0.7
  max_tokens: 10000

workflow:
  regeneration_policy: block

log:
  level: info
  format: auto

webhooks: []
`
