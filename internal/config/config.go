package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Federation FederationConfig `yaml:"federation"`
	NATS       NATSConfig       `yaml:"nats"`
	Store      StoreConfig      `yaml:"store"`
	Web        WebConfig        `yaml:"web"`
	Announce   AnnounceConfig   `yaml:"announce"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Vault      VaultConfig      `yaml:"vault"`
}

type FederationConfig struct {
	Name              string        `yaml:"name"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	DefaultAgentTTL   time.Duration `yaml:"default_agent_ttl"`
	BroadcastTimeout  time.Duration `yaml:"broadcast_timeout"`
	ProposalTimeout   time.Duration `yaml:"proposal_timeout"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type AnnounceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Federation: FederationConfig{
			Name:              "federa",
			ReaperInterval:    time.Second,
			DefaultAgentTTL:   5 * time.Minute,
			BroadcastTimeout:  10 * time.Second,
			ProposalTimeout:   time.Minute,
			CompletionTimeout: 5 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/federa.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Announce: AnnounceConfig{
			Enabled:  false,
			Schedule: "*/5 * * * *",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FEDERA_CONFIG")
	if path == "" {
		path = "config/federa.yaml"
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

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FEDERA_NAME"); v != "" {
		cfg.Federation.Name = v
	}
	if v := os.Getenv("FEDERA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FEDERA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FEDERA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FEDERA_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FEDERA_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FEDERA_TELEGRAM_CHAT"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("FEDERA_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
