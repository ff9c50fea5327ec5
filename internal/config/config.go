// Package config loads the engine's external configuration (spec.md §6),
// following the teacher's viper+cobra pipeline (setDefaults → bindFlags →
// config file → env vars → unmarshal → validate) verbatim in structure.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// TableConfig describes one synchronized table, per spec.md §6.
type TableConfig struct {
	RemoteName          string   `mapstructure:"remote_name"`
	LocalName           string   `mapstructure:"local_name"`
	Columns             string   `mapstructure:"columns"` // "*" or a comma-list
	IsSingleton         bool     `mapstructure:"is_singleton"`
	ExcludeFromConflict []string `mapstructure:"exclude_from_conflict"`
	NumericMergeFields  []string `mapstructure:"numeric_merge_fields"`
}

// Config holds all engine configuration.
type Config struct {
	Prefix string        `mapstructure:"prefix"`
	Tables []TableConfig `mapstructure:"tables"`

	DataDir string `mapstructure:"data_dir"`
	Backend string `mapstructure:"backend"` // "pebble" or "badger"
	LogLevel string `mapstructure:"log_level"`

	BackendURL string `mapstructure:"backend_url"`

	SyncDebounceMs            int `mapstructure:"sync_debounce_ms"`
	SyncIntervalMs            int `mapstructure:"sync_interval_ms"`
	TombstoneMaxAgeDays       int `mapstructure:"tombstone_max_age_days"`
	VisibilitySyncMinAwayMs   int `mapstructure:"visibility_sync_min_away_ms"`
	OnlineReconnectCooldownMs int `mapstructure:"online_reconnect_cooldown_ms"`

	MetricsListen string `mapstructure:"metrics_listen"`
}

// Load loads configuration from flags, SYNCD_-prefixed environment
// variables, and an optional config file, in that precedence order (viper
// ranks a set flag above the environment and the environment above the
// file).
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("config: binding flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SYNCD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prefix", "syncd")
	v.SetDefault("backend", "pebble")
	v.SetDefault("log_level", "info")

	v.SetDefault("sync_debounce_ms", 2000)
	v.SetDefault("sync_interval_ms", 900000)
	// No default for tombstone_max_age_days: spec.md §9 leaves this an
	// explicit Open Question the caller must answer; validate rejects zero.
	v.SetDefault("visibility_sync_min_away_ms", 300000)
	v.SetDefault("online_reconnect_cooldown_ms", 120000)

	v.SetDefault("metrics_listen", ":9090")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":     "data_dir",
		"backend":      "backend",
		"backend-url":  "backend_url",
		"log-level":    "log_level",
		"prefix":       "prefix",
	}
	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir, a config file, or SYNCD_DATA_DIR")
	}
	if cfg.BackendURL == "" {
		return fmt.Errorf("backend_url is required: specify via --backend-url, a config file, or SYNCD_BACKEND_URL")
	}
	if cfg.Backend != "pebble" && cfg.Backend != "badger" {
		return fmt.Errorf("backend must be \"pebble\" or \"badger\", got %q", cfg.Backend)
	}
	if cfg.TombstoneMaxAgeDays <= 0 {
		return fmt.Errorf("tombstone_max_age_days must be set explicitly and positive")
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("at least one table must be configured")
	}
	for i := range cfg.Tables {
		t := &cfg.Tables[i]
		if t.RemoteName == "" {
			return fmt.Errorf("every table requires a remote_name")
		}
		if t.LocalName == "" {
			t.LocalName = t.RemoteName
		}
		if t.Columns == "" {
			t.Columns = "*"
		}
	}
	return nil
}
