package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/observability"
)

// DatabaseDriver represents supported database drivers
type DatabaseDriver string

const (
	DriverSQLite   DatabaseDriver = "sqlite"
	DriverMySQL    DatabaseDriver = "mysql"
	DriverPostgres DatabaseDriver = "postgres"
)

// Config holds all runtime configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Log           LogConfig           `mapstructure:"log"`
	Runtime       RuntimeConfig       `mapstructure:"runtime"`
	Plugin        PluginConfig        `mapstructure:"plugin"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
}

// AppConfig identifies the host application
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Author      string `mapstructure:"author"`
	Description string `mapstructure:"description"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// LogConfig configures pkg/logger
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// RuntimeConfig holds settings of the extension core
type RuntimeConfig struct {
	// ModuleNamespace prefixes the qualified names of plugin modules
	ModuleNamespace string `mapstructure:"module_namespace"`
	// StrictExtensions rejects objects no endpoint accepts
	StrictExtensions bool `mapstructure:"strict_extensions"`
	// DataDir overrides the per-user data directory
	DataDir string `mapstructure:"data_dir"`
}

// PluginConfig holds plugin system settings
type PluginConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// PacksDirectory overrides the Packs directory under the data directory
	PacksDirectory string `mapstructure:"packs_directory"`
	AutoLoad       bool   `mapstructure:"auto_load"`
	Watch          bool   `mapstructure:"watch"`
}

// DatabaseConfig holds the pack store connection settings
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	MetricsEnabled  bool    `mapstructure:"metrics_enabled"`
	MetricsAddress  string  `mapstructure:"metrics_address"`
	TracingEnabled  bool    `mapstructure:"tracing_enabled"`
	TracingExporter string  `mapstructure:"tracing_exporter"`
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
}

// JobsConfig holds job runner settings
type JobsConfig struct {
	SchedulerEnabled bool `mapstructure:"scheduler_enabled"`
}

// Load reads config.yaml from the standard locations and the environment
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the standard locations
// when path is empty. A missing config file in the standard locations is not
// an error; a missing explicit path is.
func LoadFile(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// Watch loads path and calls onChange with the new configuration every time
// the file changes. Changes that fail to decode or validate are logged and
// skipped.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Warn("ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("configuration changed", zap.String("file", e.Name))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/arcana-runtime/")
	}

	v.SetEnvPrefix("ARCANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arcana-runtime")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.author", "arcana")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("runtime.module_namespace", "plugins")
	v.SetDefault("runtime.strict_extensions", false)
	v.SetDefault("runtime.data_dir", "")

	v.SetDefault("plugin.enabled", true)
	v.SetDefault("plugin.packs_directory", "")
	v.SetDefault("plugin.auto_load", true)
	v.SetDefault("plugin.watch", false)

	v.SetDefault("database.driver", string(DriverSQLite))
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", "arcana_runtime")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.metrics_address", ":9464")
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.tracing_exporter", observability.ExporterStdout)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.otlp_insecure", true)
	v.SetDefault("observability.sampling_rate", 1.0)

	v.SetDefault("jobs.scheduler_enabled", true)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.Runtime.ModuleNamespace == "" || strings.ContainsAny(c.Runtime.ModuleNamespace, `/\`) {
		return fmt.Errorf("invalid module namespace %q", c.Runtime.ModuleNamespace)
	}

	switch DatabaseDriver(c.Database.Driver) {
	case DriverSQLite:
	case DriverMySQL, DriverPostgres:
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Observability.TracingExporter {
	case observability.ExporterStdout, observability.ExporterOTLPGRPC, observability.ExporterOTLPHTTP:
	default:
		return fmt.Errorf("unsupported tracing exporter %q", c.Observability.TracingExporter)
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be within [0, 1], got %v", c.Observability.SamplingRate)
	}
	return nil
}

// DSN returns the connection string for the configured driver. For sqlite
// it is the database file path.
func (c *DatabaseConfig) DSN() string {
	switch DatabaseDriver(c.Driver) {
	case DriverSQLite:
		return c.Path
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case DriverPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	default:
		return ""
	}
}

// IsSQLite returns true if the sqlite driver is configured
func (c *DatabaseConfig) IsSQLite() bool {
	return c.Driver == string(DriverSQLite)
}

// MetricsConfig converts the observability section for NewMetricsProvider
func (c *Config) MetricsConfig() *observability.MetricsConfig {
	return &observability.MetricsConfig{
		Enabled:     c.Observability.MetricsEnabled,
		ServiceName: c.App.Name,
		Address:     c.Observability.MetricsAddress,
	}
}

// TracingConfig converts the observability section for NewTracingProvider
func (c *Config) TracingConfig() *observability.TracingConfig {
	return &observability.TracingConfig{
		Enabled:        c.Observability.TracingEnabled,
		ServiceName:    c.App.Name,
		ServiceVersion: c.App.Version,
		Environment:    c.App.Environment,
		ExporterType:   c.Observability.TracingExporter,
		OTLPEndpoint:   c.Observability.OTLPEndpoint,
		OTLPInsecure:   c.Observability.OTLPInsecure,
		SamplingRate:   c.Observability.SamplingRate,
	}
}
