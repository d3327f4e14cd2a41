// Package config loads the process-wide static Config (SPEC_FULL §6
// "Process-wide configuration"), the teacher's way: a typed struct, a
// Defaults() constructor, and a Load() that layers file and environment
// overrides on top of defaults (see push-validator-cli's
// internal/config.Load(), which layers HOME_DIR over Defaults()).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded once at process start and never mutated afterward.
type Config struct {
	Substrate SubstrateConfig `yaml:"substrate"`
	Network   NetworkConfig   `yaml:"network"`
	Cache     CacheConfig     `yaml:"cache"`
	DB        DBConfig        `yaml:"db"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RecoveryRetrySeconds int    `yaml:"recovery_retry_seconds"`
	StartBlockNumber     uint32 `yaml:"start_block_number"`
	Sender               SenderConfig `yaml:"sender"`
	MaxValidatorsPerChat int    `yaml:"max_validators_per_chat"`
	TemplateDirPath      string `yaml:"template_dir_path"`
	LogLevel             string `yaml:"log_level"`
}

type SubstrateConfig struct {
	RelayRPCURL     string        `yaml:"relay_rpc_url"`
	AssetHubRPCURL  string        `yaml:"asset_hub_rpc_url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type NetworkConfig struct {
	Id        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	SS58Prefix byte  `yaml:"ss58_prefix"`
}

type CacheConfig struct {
	URL string `yaml:"url"`
}

type DBConfig struct {
	AppURL     string `yaml:"app_url"`
	NetworkURL string `yaml:"network_url"`
}

type MetricsConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SenderConfig struct {
	SleepMillis int `yaml:"sleep_millis"`
}

// Defaults mirrors the teacher's Defaults(): conservative values that work
// against a local devnet without any configuration file present.
func Defaults() Config {
	return Config{
		Substrate: SubstrateConfig{
			RelayRPCURL:    "ws://127.0.0.1:9944",
			AssetHubRPCURL: "ws://127.0.0.1:9945",
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{Id: 1, Name: "local", SS58Prefix: 42},
		Cache:   CacheConfig{URL: "redis://127.0.0.1:6379/0"},
		DB: DBConfig{
			AppURL:     "postgres://localhost:5432/subvt_app",
			NetworkURL: "postgres://localhost:5432/subvt_network",
		},
		Metrics:              MetricsConfig{Host: "127.0.0.1", Port: 9100},
		RecoveryRetrySeconds:  10,
		StartBlockNumber:      0,
		Sender:                SenderConfig{SleepMillis: 1000},
		MaxValidatorsPerChat:  50,
		TemplateDirPath:       "./templates",
		LogLevel:              "info",
	}
}

// Load builds a Config from Defaults(), a YAML file at path (if non-empty
// and present), and SUBVT_-prefixed environment variable overrides, in
// that order — each layer overrides the previous one, matching the
// teacher's env-over-defaults layering.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUBVT_RELAY_RPC_URL"); v != "" {
		cfg.Substrate.RelayRPCURL = v
	}
	if v := os.Getenv("SUBVT_ASSET_HUB_RPC_URL"); v != "" {
		cfg.Substrate.AssetHubRPCURL = v
	}
	if v := os.Getenv("SUBVT_CACHE_URL"); v != "" {
		cfg.Cache.URL = v
	}
	if v := os.Getenv("SUBVT_DB_APP_URL"); v != "" {
		cfg.DB.AppURL = v
	}
	if v := os.Getenv("SUBVT_DB_NETWORK_URL"); v != "" {
		cfg.DB.NetworkURL = v
	}
	if v := os.Getenv("SUBVT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SUBVT_RECOVERY_RETRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecoveryRetrySeconds = n
		}
	}
	if v := os.Getenv("SUBVT_START_BLOCK_NUMBER"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.StartBlockNumber = uint32(n)
		}
	}
}
