package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	NATS     NATSConfig     `yaml:"nats"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	LLM      LLMConfig      `yaml:"llm"`
	Web      WebConfig      `yaml:"web"`
	Telegram TelegramConfig `yaml:"telegram"`
	Vault    VaultConfig    `yaml:"vault"`
	Pulses   []PulseConfig  `yaml:"pulses"`
}

type AgentConfig struct {
	ID           string        `yaml:"id"`
	Team         string        `yaml:"team"`
	SystemPrompt string        `yaml:"system_prompt"`
	Model        string        `yaml:"model"`
	MaxTurns     int           `yaml:"max_turns"`
	MaxHistory   int           `yaml:"max_history"`
	Inputs       []string      `yaml:"inputs"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type BufferConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type RegistryConfig struct {
	URL string `yaml:"url"`
}

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Name of a vault secret holding the API credential, if the
	// backend requires one.
	APIKeySecret string `yaml:"api_key_secret"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
	Agent     string  `yaml:"agent"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type PulseConfig struct {
	Name      string         `yaml:"name"`
	Schedule  string         `yaml:"schedule"`
	EventType string         `yaml:"event_type"`
	Data      map[string]any `yaml:"data"`
}

func defaults() Config {
	return Config{
		Agent: AgentConfig{
			Team:       "default",
			Model:      "llama3",
			MaxTurns:   3,
			MaxHistory: 10,
			LLMTimeout: 60 * time.Second,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Port:    4222,
			DataDir: "data/nats",
		},
		Buffer: BufferConfig{
			Path: "data/impulses.db",
		},
		Store: StoreConfig{
			Path: "data/swarm.db",
		},
		LLM: LLMConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SWARM_CONFIG")
	if path == "" {
		path = "config/swarm.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Agent.MaxTurns <= 0 {
		cfg.Agent.MaxTurns = 3
	}
	if cfg.Agent.MaxHistory <= 0 {
		cfg.Agent.MaxHistory = 10
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWARM_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("SWARM_TEAM_ID"); v != "" {
		cfg.Agent.Team = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SWARM_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SWARM_BUFFER_PATH"); v != "" {
		cfg.Buffer.Path = v
	}
	if v := os.Getenv("SWARM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARM_REGISTRY_URL"); v != "" {
		cfg.Registry.URL = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SWARM_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SWARM_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SWARM_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
