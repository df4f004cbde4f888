package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app"`
	Gateways  map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Agent     AgentConfig               `json:"agent" yaml:"agent"`
	Heartbeat HeartbeatConfig           `json:"heartbeat" yaml:"heartbeat"`
	Surface   SurfaceConfig             `json:"surface" yaml:"surface"`
	Policy    PolicyConfig              `json:"policy" yaml:"policy"`
}

type AppConfig struct {
	Name      string `json:"name" yaml:"name"`
	Workspace string `json:"workspace" yaml:"workspace"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// ChatID receives alerts and is the only chat allowed to issue commands.
	ChatID string `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	// Channels are watched for notifications (Discord).
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Provider kinds.
const (
	ProviderHTTP      = "http"
	ProviderLangchain = "langchain"
)

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

type AgentConfig struct {
	MaxSteps     int   `json:"max_steps" yaml:"max_steps"`
	Thinking     *bool `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	SettleMS     int   `json:"settle_ms" yaml:"settle_ms"`
	HistoryLimit int   `json:"history_limit" yaml:"history_limit"`
	// PromptsDir holds optional markdown appended to the system prompt.
	PromptsDir string `json:"prompts_dir,omitempty" yaml:"prompts_dir,omitempty"`
}

// ThinkingEnabled defaults to true when unset.
func (a AgentConfig) ThinkingEnabled() bool {
	return a.Thinking == nil || *a.Thinking
}

type HeartbeatConfig struct {
	// IntervalMinutes of 0 disables the heartbeat.
	IntervalMinutes int `json:"interval_minutes" yaml:"interval_minutes"`
}

// Surface kinds.
const (
	SurfaceADB     = "adb"
	SurfaceBrowser = "browser"
)

type SurfaceConfig struct {
	Kind     string `json:"kind" yaml:"kind"`
	Serial   string `json:"serial,omitempty" yaml:"serial,omitempty"`
	ADBPath  string `json:"adb_path,omitempty" yaml:"adb_path,omitempty"`
	HomeURL  string `json:"home_url,omitempty" yaml:"home_url,omitempty"`
	Headless bool   `json:"headless,omitempty" yaml:"headless,omitempty"`
}

type PolicyConfig struct {
	DenyActions  []string `json:"deny_actions,omitempty" yaml:"deny_actions,omitempty"`
	DenyPatterns []string `json:"deny_patterns,omitempty" yaml:"deny_patterns,omitempty"`
}

// Load reads a JSON or YAML (by extension) config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.Defaults()
	return &cfg, nil
}

// LoadConfig is Load that exits the process on failure.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.App.Name == "" {
		c.App.Name = "phonepilot"
	}
	if c.Memory.Type == "" {
		c.Memory.Type = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "phonepilot.db"
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 15
	}
	if c.Agent.SettleMS <= 0 {
		c.Agent.SettleMS = 1500
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = 50
	}
	if c.Agent.PromptsDir == "" {
		c.Agent.PromptsDir = "./prompts"
	}
	if c.Heartbeat.IntervalMinutes < 0 {
		c.Heartbeat.IntervalMinutes = 0
	}
	if c.Surface.Kind == "" {
		c.Surface.Kind = SurfaceADB
	}
	if c.Surface.ADBPath == "" {
		c.Surface.ADBPath = "adb"
	}
	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = ProviderHTTP
			c.Providers[name] = p
		}
	}
}

// GetDefaultProvider returns the enabled provider first in name order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	var best string
	for name, p := range c.Providers {
		if p.Enabled && (best == "" || name < best) {
			best = name
		}
	}
	if best == "" {
		return "", ProviderConfig{}
	}
	return best, c.Providers[best]
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

// GetDiscordConfig returns discord config if enabled
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}
