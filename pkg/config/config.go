// Package config loads service configuration from an optional config.yml, an
// optional .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Model     ModelConfig     `mapstructure:"model"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the Postgres pool. An empty URL selects the
// in-memory graph store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type SchedulerConfig struct {
	// MaxParallel caps concurrently running nodes per round; 0 means no cap.
	MaxParallel int    `mapstructure:"max_parallel" validate:"gte=0"`
	ScopePolicy string `mapstructure:"scope_policy" validate:"oneof=isolated strict"`
}

// ModelConfig configures the model-invocation client. An empty endpoint
// selects the offline echo client.
type ModelConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// TelemetryConfig configures OTLP/HTTP export of traces and metrics. An empty
// endpoint disables export.
type TelemetryConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	ServiceName    string        `mapstructure:"service_name" validate:"required"`
	Environment    string        `mapstructure:"environment"`
	SampleRate     float64       `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	MetricInterval time.Duration `mapstructure:"metric_interval" validate:"gte=0"`
}

var defaults = map[string]any{
	"server.addr":                ":8080",
	"server.allowed_origins":     []string{"http://localhost:3003"},
	"server.shutdown_timeout":    5 * time.Second,
	"database.url":               "",
	"database.max_conns":         10,
	"database.min_conns":         0,
	"database.conn_max_lifetime": time.Hour,
	"log.level":                  "debug",
	"log.format":                 "json",
	"scheduler.max_parallel":     0,
	"scheduler.scope_policy":     "isolated",
	"model.endpoint":             "",
	"model.api_key":              "",
	"model.timeout":              30 * time.Second,
	"telemetry.endpoint":         "",
	"telemetry.insecure":         true,
	"telemetry.service_name":     "workflow-api",
	"telemetry.environment":      "development",
	"telemetry.sample_rate":      1.0,
	"telemetry.metric_interval":  15 * time.Second,
}

type loaderConfig struct {
	configFile string
	envFile    string
}

// Option customises Load.
type Option func(*loaderConfig)

// WithConfigFile sets an explicit YAML config file. The file must exist.
func WithConfigFile(path string) Option {
	return func(lc *loaderConfig) { lc.configFile = path }
}

// WithEnvFile sets an explicit .env file. The file must exist.
func WithEnvFile(path string) Option {
	return func(lc *loaderConfig) { lc.envFile = path }
}

// Load resolves and validates the configuration.
func Load(opts ...Option) (*Config, error) {
	lc := loaderConfig{}
	for _, opt := range opts {
		opt(&lc)
	}

	envFile, required := lc.envFile, lc.envFile != ""
	if !required {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && (required || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	configFile, required := lc.configFile, lc.configFile != ""
	if !required {
		configFile = "config.yml"
	}
	if _, err := os.Stat(configFile); err == nil || required {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
