package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML deployment document agentrun reads at startup. It
// names which model provider backs a run, where durable state lives
// (in-memory for local development, Mongo/Redis for a shared deployment),
// which workflow engine backend to construct, and where bundled agent
// templates are loaded from.
type Config struct {
	TaskQueue string `yaml:"taskQueue"`

	Model ModelConfig `yaml:"model"`

	Mongo *MongoConfig `yaml:"mongo"`
	Redis *RedisConfig `yaml:"redis"`

	Engine EngineConfig `yaml:"engine"`

	Bundles []string `yaml:"bundles"`

	MaxSpawnConcurrency int `yaml:"maxSpawnConcurrency"`
}

// ModelConfig selects and configures one model provider; Provider picks
// which, and the remaining fields are shared by every provider.
type ModelConfig struct {
	Provider string `yaml:"provider"` // "anthropic" (default) or "openai"; any other value is rejected

	DefaultModel string  `yaml:"defaultModel"`
	HighModel    string  `yaml:"highModel"`
	SmallModel   string  `yaml:"smallModel"`
	MaxTokens    int     `yaml:"maxTokens"`
	Temperature  float64 `yaml:"temperature"`

	// APIKey is consulted by the anthropic and openai providers.
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"` // openai only

	RateLimit *RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig configures the adaptive tokens-per-minute budget placed in
// front of the model client. When nil, requests are sent unthrottled.
type RateLimitConfig struct {
	InitialTPM float64 `yaml:"initialTpm"`
	MaxTPM     float64 `yaml:"maxTpm"`
}

// MongoConfig configures the Mongo-backed memory/run stores. When nil,
// agentrun falls back to the in-memory stores.
type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Timeout    time.Duration `yaml:"timeout"`
	MemoryColl string        `yaml:"memoryCollection"`
	RunColl    string        `yaml:"runCollection"`
}

// RedisConfig configures the registry's remote template tier. When nil,
// the registry serves only its local and bundled tiers.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig selects the workflow engine backend agentrun constructs.
// The run command calls Controller.Loop directly, not through this engine.
type EngineConfig struct {
	Backend string `yaml:"backend"` // "inmem" (default) or "temporal"

	// Temporal-only fields, consulted when Backend == "temporal".
	HostPort  string `yaml:"hostPort"`
	Namespace string `yaml:"namespace"`
}

// LoadConfig reads and parses a YAML deployment config from path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Engine.Backend == "" {
		c.Engine.Backend = "inmem"
	}
	if c.TaskQueue == "" {
		c.TaskQueue = "agentrun"
	}
	if c.MaxSpawnConcurrency <= 0 {
		c.MaxSpawnConcurrency = 4
	}
	if c.Mongo != nil {
		if c.Mongo.Timeout == 0 {
			c.Mongo.Timeout = 10 * time.Second
		}
		if c.Mongo.MemoryColl == "" {
			c.Mongo.MemoryColl = "agent_messages"
		}
		if c.Mongo.RunColl == "" {
			c.Mongo.RunColl = "agent_runs"
		}
	}
}
