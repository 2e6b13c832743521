// Package config loads runtime configuration from an optional YAML file
// and ROUTERPILOT_* environment variables, env winning over file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Health  HealthConfig  `mapstructure:"health"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type VaultConfig struct {
	// MasterKey seals device credentials at rest. Required; there is no
	// plaintext fallback.
	MasterKey string `mapstructure:"master_key"`
}

type AdapterConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	InsecureTLS bool          `mapstructure:"insecure_tls"`
}

type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DeviceInterval time.Duration `mapstructure:"device_interval"`

	// Technicians is the roster eligible for escalated requests.
	Technicians []string `mapstructure:"technicians"`
}

type RulesConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type HealthConfig struct {
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	PingEnabled      bool          `mapstructure:"ping_enabled"`
}

// Load reads configuration from path (optional, "" skips the file) plus
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("routerpilot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "routerpilot.db")
	// Empty default so the key is visible to Unmarshal when set only
	// through the environment.
	v.SetDefault("vault.master_key", "")
	v.SetDefault("adapter.timeout", "30s")
	v.SetDefault("adapter.insecure_tls", false)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff", "30s")
	v.SetDefault("engine.task_timeout", "120s")
	v.SetDefault("engine.poll_interval", "1s")
	v.SetDefault("engine.device_interval", "10s")
	v.SetDefault("rules.enabled", true)
	v.SetDefault("rules.interval", "30s")
	v.SetDefault("health.sweep_concurrency", 8)
	v.SetDefault("health.sweep_interval", "5m")
	v.SetDefault("health.ping_enabled", true)
}
