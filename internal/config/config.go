// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Language string         `mapstructure:"language" yaml:"language"`
	Vault    VaultConfig    `mapstructure:"vault" yaml:"vault"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Probe    ProbeConfig    `mapstructure:"probe" yaml:"probe"`
	Drift    DriftConfig    `mapstructure:"drift" yaml:"drift"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type VaultConfig struct {
	MasterSecret string        `mapstructure:"master_secret" yaml:"master_secret"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type ExecutorConfig struct {
	Binary           string        `mapstructure:"binary" yaml:"binary"`
	InstallCommand   string        `mapstructure:"install_command" yaml:"install_command"`
	WorkDir          string        `mapstructure:"work_dir" yaml:"work_dir"`
	KeyDir           string        `mapstructure:"key_dir" yaml:"key_dir"`
	FallbackPassword string        `mapstructure:"fallback_password" yaml:"fallback_password"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	KeyMaxAge        time.Duration `mapstructure:"key_max_age" yaml:"key_max_age"`
}

type ProbeConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

type DriftConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Defaults returns the default values keyed the way viper expects them.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":              "sqlite",
		"database.dsn":               "./stagehand.db",
		"log.level":                  "info",
		"log.format":                 "text",
		"language":                   "en",
		"vault.master_secret":        "",
		"vault.cache_ttl":            "5m",
		"executor.binary":            "ansible-playbook",
		"executor.install_command":   "python3 -m pip install --user ansible-core",
		"executor.work_dir":          filepath.Join(os.TempDir(), "stagehand", "runs"),
		"executor.key_dir":           filepath.Join(os.TempDir(), "stagehand", "keys"),
		"executor.fallback_password": "",
		"executor.task_timeout":      "30s",
		"executor.sweep_interval":    "10m",
		"executor.key_max_age":       "1h",
		"probe.timeout":              "5s",
		"probe.attempts":             3,
		"probe.backoff":              "1s",
		"drift.enabled":              true,
		"drift.interval":             "1h",
		"metrics.addr":               "",
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Stagehand")
		default:
			configDir = "/etc/stagehand"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "stagehand")
	}

	return filepath.Join(configDir, "stagehand.yaml"), nil
}

// LoadConfig resolves T from defaults, the config file, STAGEHAND_*
// environment variables and cmd's flags, in increasing precedence.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("stagehand")
	v.SetConfigType("yaml")

	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	var readErr error
	if err := v.ReadInConfig(); err != nil {
		// A missing file is reported to the caller but the defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
		readErr = err
	}

	v.SetEnvPrefix("stagehand")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, readErr
}

// WriteConfigFile persists c to the user (or system) config path.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := getConfigPath(system)
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600: the file may hold the vault master secret.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Validate checks values that have no usable default.
func (c Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if strings.TrimSpace(c.Vault.MasterSecret) == "" {
		return fmt.Errorf("vault.master_secret must be set (or STAGEHAND_VAULT_MASTER_SECRET)")
	}
	if c.Probe.Attempts < 1 {
		return fmt.Errorf("probe.attempts must be at least 1")
	}
	return nil
}
