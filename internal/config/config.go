// Package config loads DeployBot's YAML configuration: a defaulted struct,
// an optional file overlay resolved through the XDG base directories, and a
// Diff helper for describing a hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Timer        TimerConfig        `yaml:"timer"`
	Notification NotificationConfig `yaml:"notification"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	LLM          LLMConfig          `yaml:"llm"`
	Privacy      PrivacyConfig      `yaml:"privacy"`
}

// ServerConfig controls the C10 event-bus listener.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

// MonitorConfig controls C4's tail-based polling.
type MonitorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	ConfigDir     string        `yaml:"config_dir"` // global fallback log lives under here
}

// TimerConfig controls C5's defaults.
type TimerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	TerminalGrace     time.Duration `yaml:"terminal_grace"`
	DefaultDurationS  int           `yaml:"default_duration_s"`
}

// NotificationConfig controls C9's templates/timing.
type NotificationConfig struct {
	// GracePeriodS is the delay between deploy detection and the unified
	// task suggestion.
	GracePeriodS int `yaml:"grace_period_s"`
}

// CatalogConfig holds C6/C7 filtering knobs that are not fixed tables.
// ShortTimerThresholdS is loaded and reported by Diff; the selector does not
// read it and applies its own fixed 900 s threshold.
type CatalogConfig struct {
	ShortTimerThresholdS int `yaml:"short_timer_threshold_s"`
}

// LLMConfig configures C7's pluggable LLM adapter.
type LLMConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Model      string        `yaml:"model"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Deadline   time.Duration `yaml:"deadline"`
}

// PrivacyConfig controls what project/session metadata is exposed to
// connected clients.
type PrivacyConfig struct {
	MaskProjectPaths bool     `yaml:"mask_project_paths"`
	MaskSessionIDs   bool     `yaml:"mask_session_ids"`
	AllowedPaths     []string `yaml:"allowed_paths"`
	BlockedPaths     []string `yaml:"blocked_paths"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Monitor.ConfigDir == "" {
		cfg.Monitor.ConfigDir = filepath.Join(defaultConfigDir(), "deploybot")
	}

	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config if the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8765,
			Host:           "127.0.0.1",
			MaxConnections: 100,
		},
		Monitor: MonitorConfig{
			PollInterval: 2 * time.Second,
			ReadTimeout:  2 * time.Second,
			ConfigDir:    filepath.Join(defaultConfigDir(), "deploybot"),
		},
		Timer: TimerConfig{
			TickInterval:     2 * time.Second,
			TerminalGrace:    5 * time.Second,
			DefaultDurationS: 1800,
		},
		Notification: NotificationConfig{
			GracePeriodS: 30,
		},
		Catalog: CatalogConfig{
			ShortTimerThresholdS: 900,
		},
		LLM: LLMConfig{
			Enabled:   false,
			Model:     "claude-3-5-haiku-latest",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Deadline:  10 * time.Second,
		},
	}
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "deploybot", "config.yaml")
}

// DefaultStateDir returns the XDG-compliant state directory for DeployBot.
func DefaultStateDir() string {
	return filepath.Join(defaultStateDir(), "deploybot")
}

// Diff compares two configs and returns human-readable descriptions of what
// changed, for sections that are safe to hot-reload.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Notification.GracePeriodS != new.Notification.GracePeriodS {
		changes = append(changes, fmt.Sprintf("notification.grace_period_s: %d → %d", old.Notification.GracePeriodS, new.Notification.GracePeriodS))
	}
	if old.Timer.DefaultDurationS != new.Timer.DefaultDurationS {
		changes = append(changes, fmt.Sprintf("timer.default_duration_s: %d → %d", old.Timer.DefaultDurationS, new.Timer.DefaultDurationS))
	}
	if old.Catalog.ShortTimerThresholdS != new.Catalog.ShortTimerThresholdS {
		changes = append(changes, fmt.Sprintf("catalog.short_timer_threshold_s: %d → %d", old.Catalog.ShortTimerThresholdS, new.Catalog.ShortTimerThresholdS))
	}
	if old.LLM.Enabled != new.LLM.Enabled {
		changes = append(changes, fmt.Sprintf("llm.enabled: %v → %v", old.LLM.Enabled, new.LLM.Enabled))
	}
	if old.Privacy.MaskProjectPaths != new.Privacy.MaskProjectPaths {
		changes = append(changes, fmt.Sprintf("privacy.mask_project_paths: %v → %v", old.Privacy.MaskProjectPaths, new.Privacy.MaskProjectPaths))
	}
	if old.Privacy.MaskSessionIDs != new.Privacy.MaskSessionIDs {
		changes = append(changes, fmt.Sprintf("privacy.mask_session_ids: %v → %v", old.Privacy.MaskSessionIDs, new.Privacy.MaskSessionIDs))
	}
	if !slices.Equal(old.Privacy.AllowedPaths, new.Privacy.AllowedPaths) {
		changes = append(changes, fmt.Sprintf("privacy.allowed_paths: %v → %v", old.Privacy.AllowedPaths, new.Privacy.AllowedPaths))
	}
	if !slices.Equal(old.Privacy.BlockedPaths, new.Privacy.BlockedPaths) {
		changes = append(changes, fmt.Sprintf("privacy.blocked_paths: %v → %v", old.Privacy.BlockedPaths, new.Privacy.BlockedPaths))
	}

	return changes
}
