// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchyard configuration, loaded from
// switchyard.yaml. Every field can be overridden with an SY_* environment
// variable after the file is read.
type Config struct {
	Engine            EngineConfig    `yaml:"engine"`
	Database          DatabaseConfig  `yaml:"database"`
	Dispatch          DispatchConfig  `yaml:"dispatch"`
	Gateway           GatewayConfig   `yaml:"gateway"`
	Log               LogConfig       `yaml:"log"`
	ScenariosPath     string          `yaml:"scenarios_path" env:"SY_SCENARIOS_PATH"`
	StaticStoragePath string          `yaml:"static_storage_path" env:"SY_STATIC_STORAGE_PATH"`
	Toggles           map[string]bool `yaml:"toggles"`
}

// EngineConfig holds the scenario engine options.
type EngineConfig struct {
	DefaultIntegrationBehaviorID string   `yaml:"default_integration_behavior_id" env:"SY_ENGINE_DEFAULT_INTEGRATION_BEHAVIOR_ID"`
	TransactionTimeoutSec        float64  `yaml:"transaction_timeout_sec" env:"SY_ENGINE_TRANSACTION_TIMEOUT_SEC"`
	FinishMessageNames           []string `yaml:"finish_message_names" env:"SY_ENGINE_FINISH_MESSAGE_NAMES"`
	BaseKit                      bool     `yaml:"base_kit" env:"SY_ENGINE_BASE_KIT"`
	CacheSize                    int      `yaml:"cache_size" env:"SY_ENGINE_CACHE_SIZE"`
}

// DatabaseConfig selects the user-state store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"SY_DATABASE_DRIVER"`
	Path     string `yaml:"path" env:"SY_DATABASE_PATH"`
	Host     string `yaml:"host" env:"SY_DATABASE_HOST"`
	Port     int    `yaml:"port" env:"SY_DATABASE_PORT"`
	User     string `yaml:"user" env:"SY_DATABASE_USER"`
	Password string `yaml:"password" env:"SY_DATABASE_PASSWORD"`
	Name     string `yaml:"name" env:"SY_DATABASE_NAME"`
}

// DispatchConfig tunes the per-user worker pool and the timeout sweeper.
type DispatchConfig struct {
	Workers          int     `yaml:"workers" env:"SY_DISPATCH_WORKERS"`
	QueueSize        int     `yaml:"queue_size" env:"SY_DISPATCH_QUEUE_SIZE"`
	SkipAgeSec       float64 `yaml:"skip_age_sec" env:"SY_DISPATCH_SKIP_AGE_SEC"`
	WarnAgeSec       float64 `yaml:"warn_age_sec" env:"SY_DISPATCH_WARN_AGE_SEC"`
	SaveRetries      int     `yaml:"save_retries" env:"SY_DISPATCH_SAVE_RETRIES"`
	SweepIntervalSec float64 `yaml:"sweep_interval_sec" env:"SY_DISPATCH_SWEEP_INTERVAL_SEC"`
	SweepBatch       int     `yaml:"sweep_batch" env:"SY_DISPATCH_SWEEP_BATCH"`
}

// GatewayConfig holds the HTTP ingress settings.
type GatewayConfig struct {
	Port int `yaml:"port" env:"SY_GATEWAY_PORT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" env:"SY_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"SY_LOG_DEVELOPMENT"`
}

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Engine.TransactionTimeoutSec == 0 {
		c.Engine.TransactionTimeoutSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			c.Database.Path = "switchyard.db"
		}
	case DriverMySQL:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchyard"
		}
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 8
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 100
	}
	if c.Dispatch.SaveRetries == 0 {
		c.Dispatch.SaveRetries = 3
	}
	if c.Dispatch.SweepIntervalSec == 0 {
		c.Dispatch.SweepIntervalSec = 1
	}
	if c.Dispatch.SweepBatch == 0 {
		c.Dispatch.SweepBatch = 100
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Toggles == nil {
		c.Toggles = map[string]bool{}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.ScenariosPath == "" {
		errs = append(errs, "scenarios_path is required")
	}
	if c.Engine.TransactionTimeoutSec < 0 {
		errs = append(errs, "engine.transaction_timeout_sec must be positive")
	}
	if c.Engine.CacheSize < 0 {
		errs = append(errs, "engine.cache_size must not be negative")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (want sqlite or mysql)", c.Database.Driver))
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, "dispatch.workers must be positive")
	}
	if c.Dispatch.SkipAgeSec < 0 || c.Dispatch.WarnAgeSec < 0 {
		errs = append(errs, "dispatch ages must not be negative")
	}
	if c.Dispatch.SkipAgeSec > 0 && c.Dispatch.WarnAgeSec > c.Dispatch.SkipAgeSec {
		errs = append(errs, "dispatch.warn_age_sec must not exceed dispatch.skip_age_sec")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.port %d is out of range", c.Gateway.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TransactionTimeout returns engine.transaction_timeout_sec as a duration.
func (c *Config) TransactionTimeout() time.Duration {
	return seconds(c.Engine.TransactionTimeoutSec)
}

// SkipAge returns dispatch.skip_age_sec as a duration; zero disables it.
func (c *Config) SkipAge() time.Duration { return seconds(c.Dispatch.SkipAgeSec) }

// WarnAge returns dispatch.warn_age_sec as a duration; zero disables it.
func (c *Config) WarnAge() time.Duration { return seconds(c.Dispatch.WarnAgeSec) }

// SweepInterval returns dispatch.sweep_interval_sec as a duration.
func (c *Config) SweepInterval() time.Duration { return seconds(c.Dispatch.SweepIntervalSec) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
