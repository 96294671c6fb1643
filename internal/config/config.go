// Package config loads service configuration from config.yaml under the
// outreach home directory, with env var overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/outreach/internal/otel"
)

// LLMConfig selects the model provider used by the planner and evaluator.
type LLMConfig struct {
	// Provider names the active provider: "anthropic", "openai",
	// "openai_compatible", "openrouter", "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	CompatibleProvider string `yaml:"compatible_provider"`
	CompatibleBaseURL  string `yaml:"compatible_base_url"`
}

// TelegramConfig configures the Telegram messenger.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// RateLimitConfig configures the per-key token buckets.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken guards the gateway. Empty rejects every authenticated call.
	AuthToken string `yaml:"auth_token"`

	// DBPath overrides the default SQLite location under HomeDir.
	DBPath string `yaml:"db_path"`

	// PolicyPath points at the approval policy YAML. Empty uses the
	// built-in default policy.
	PolicyPath string `yaml:"policy_path"`

	// SweepIntervalSeconds is the workflow timeout sweep cadence.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// OperatorContact receives escalation alerts. Empty disables them.
	OperatorContact string `yaml:"operator_contact"`

	LLM       LLMConfig       `yaml:"llm"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      otel.Config     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "127.0.0.1:18890",
		LogLevel:             "info",
		SweepIntervalSeconds: 60,
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
	}
}

// HomeDir returns the outreach home directory, honoring OUTREACH_HOME.
func HomeDir() string {
	if override := os.Getenv("OUTREACH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".outreach")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the outreach home, creating the home directory
// if needed, then applies env overrides and defaults. A missing config file
// is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create outreach home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OUTREACH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OUTREACH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OUTREACH_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("OUTREACH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("OUTREACH_POLICY_PATH"); raw != "" {
		cfg.PolicyPath = raw
	}
	if raw := os.Getenv("OUTREACH_SWEEP_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("OUTREACH_OPERATOR_CONTACT"); raw != "" {
		cfg.OperatorContact = raw
	}
	if raw := os.Getenv("OUTREACH_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("OUTREACH_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "outreach.db")
	}
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|sweep=%d",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.SweepIntervalSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
