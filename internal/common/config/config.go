// Package config provides configuration management for Stoneforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for the Stoneforge core.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Spawner   SpawnerConfig   `mapstructure:"spawner"`
	Steward   StewardConfig   `mapstructure:"steward"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// WorkspaceConfig locates the workspace a core instance owns.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"` // directory containing .stoneforge/
}

// ServerConfig holds HTTP status API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`        // sqlite or postgres
	Path          string `mapstructure:"path"`          // sqlite file, relative to workspace root when not absolute
	DSN           string `mapstructure:"dsn"`           // postgres connection string
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"` // sqlite busy timeout
	MaxConns      int    `mapstructure:"maxConns"`
	MinConns      int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DispatchConfig tunes the dispatch daemon loop.
type DispatchConfig struct {
	PollIntervalMs    int `mapstructure:"pollIntervalMs"`    // default 5000
	MaxPerTick        int `mapstructure:"maxPerTick"`        // 0 means unlimited
	ShutdownTimeoutMs int `mapstructure:"shutdownTimeoutMs"` // wait for in-flight cycle on stop
}

// SpawnerConfig tunes session spawning.
type SpawnerConfig struct {
	SpawnTimeoutMs   int `mapstructure:"spawnTimeoutMs"`   // headless init deadline, default 120000
	CleanupDelayMs   int `mapstructure:"cleanupDelayMs"`   // terminated record retention, default 5000
	EventBufferSize  int `mapstructure:"eventBufferSize"`  // per-session event channel capacity
	MessageBufferMax int `mapstructure:"messageBufferMax"` // provider message channel capacity
}

// StewardConfig tunes the steward scheduler.
type StewardConfig struct {
	ExecutionTimeoutMs   int  `mapstructure:"executionTimeoutMs"`   // default 300000
	MaxHistoryPerSteward int  `mapstructure:"maxHistoryPerSteward"` // default 100
	StartImmediately     bool `mapstructure:"startImmediately"`
}

// SyncConfig tunes the external sync daemon.
type SyncConfig struct {
	IntervalMs        int `mapstructure:"intervalMs"` // clamped to [10s, 30m] by the daemon
	ShutdownTimeoutMs int `mapstructure:"shutdownTimeoutMs"`
	RequestTimeoutMs  int `mapstructure:"requestTimeoutMs"` // per adapter call
}

// WorktreeConfig holds git worktree configuration for per-task isolation.
type WorktreeConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BasePath     string `mapstructure:"basePath"` // default <workspace>/.stoneforge/.worktrees
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// ProviderConfig selects the default agent provider.
type ProviderConfig struct {
	Default    string `mapstructure:"default"`    // provider name, default "claude"
	Executable string `mapstructure:"executable"` // CLI path override
	Model      string `mapstructure:"model"`      // model override
}

// TelemetryConfig enables trace export when an endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the dispatch poll interval as a time.Duration.
func (d *DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the dispatch shutdown timeout as a time.Duration.
func (d *DispatchConfig) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutMs) * time.Millisecond
}

// SpawnTimeout returns the headless init deadline as a time.Duration.
func (s *SpawnerConfig) SpawnTimeout() time.Duration {
	return time.Duration(s.SpawnTimeoutMs) * time.Millisecond
}

// CleanupDelay returns the terminated-record retention as a time.Duration.
func (s *SpawnerConfig) CleanupDelay() time.Duration {
	return time.Duration(s.CleanupDelayMs) * time.Millisecond
}

// ExecutionTimeout returns the steward execution bound as a time.Duration.
func (s *StewardConfig) ExecutionTimeout() time.Duration {
	return time.Duration(s.ExecutionTimeoutMs) * time.Millisecond
}

// Interval returns the sync interval as a time.Duration.
func (s *SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the sync shutdown timeout as a time.Duration.
func (s *SyncConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-adapter-call bound as a time.Duration.
func (s *SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in supervised or production
// environments and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STONEFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", ".")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", ".stoneforge/stoneforge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "stoneforge-core")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("dispatch.pollIntervalMs", 5000)
	v.SetDefault("dispatch.maxPerTick", 10)
	v.SetDefault("dispatch.shutdownTimeoutMs", 10000)

	v.SetDefault("spawner.spawnTimeoutMs", 120000)
	v.SetDefault("spawner.cleanupDelayMs", 5000)
	v.SetDefault("spawner.eventBufferSize", 256)
	v.SetDefault("spawner.messageBufferMax", 64)

	v.SetDefault("steward.executionTimeoutMs", 300000)
	v.SetDefault("steward.maxHistoryPerSteward", 100)
	v.SetDefault("steward.startImmediately", true)

	v.SetDefault("sync.intervalMs", 60000)
	v.SetDefault("sync.shutdownTimeoutMs", 10000)
	v.SetDefault("sync.requestTimeoutMs", 30000)

	v.SetDefault("worktree.enabled", false)
	v.SetDefault("worktree.basePath", "")
	v.SetDefault("worktree.branchPrefix", "stoneforge/")

	v.SetDefault("provider.default", "claude")
	v.SetDefault("provider.executable", "")
	v.SetDefault("provider.model", "")

	v.SetDefault("telemetry.otlpEndpoint", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STONEFORGE_ with snake_case naming.
// The config file is stoneforge.yaml in the current directory, ~/.stoneforge/,
// or /etc/stoneforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STONEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys where the env var naming differs are bound explicitly.
	_ = v.BindEnv("database.busyTimeoutMs", "STONEFORGE_DATABASE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("dispatch.pollIntervalMs", "STONEFORGE_DISPATCH_POLL_INTERVAL_MS")
	_ = v.BindEnv("dispatch.maxPerTick", "STONEFORGE_DISPATCH_MAX_PER_TICK")
	_ = v.BindEnv("sync.intervalMs", "STONEFORGE_SYNC_INTERVAL_MS")
	_ = v.BindEnv("provider.executable", "STONEFORGE_PROVIDER_EXECUTABLE")
	_ = v.BindEnv("telemetry.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "STONEFORGE_TELEMETRY_OTLP_ENDPOINT")

	v.SetConfigName("stoneforge")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.stoneforge")
	}
	v.AddConfigPath("/etc/stoneforge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Dispatch.PollIntervalMs <= 0 {
		errs = append(errs, "dispatch.pollIntervalMs must be positive")
	}
	if cfg.Spawner.SpawnTimeoutMs <= 0 {
		errs = append(errs, "spawner.spawnTimeoutMs must be positive")
	}
	if cfg.Steward.ExecutionTimeoutMs <= 0 {
		errs = append(errs, "steward.executionTimeoutMs must be positive")
	}
	if cfg.Steward.MaxHistoryPerSteward <= 0 {
		errs = append(errs, "steward.maxHistoryPerSteward must be positive")
	}
	if cfg.Sync.IntervalMs <= 0 {
		errs = append(errs, "sync.intervalMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// WriteDefault writes a starter stoneforge.yaml with the default values to
// the given path. Existing files are not overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error building default config: %w", err)
	}

	out, err := yaml.Marshal(map[string]any{
		"workspace": map[string]any{"root": cfg.Workspace.Root},
		"server":    map[string]any{"host": cfg.Server.Host, "port": cfg.Server.Port},
		"database":  map[string]any{"driver": cfg.Database.Driver, "path": cfg.Database.Path},
		"logging":   map[string]any{"level": cfg.Logging.Level, "format": cfg.Logging.Format},
		"dispatch":  map[string]any{"pollIntervalMs": cfg.Dispatch.PollIntervalMs, "maxPerTick": cfg.Dispatch.MaxPerTick},
		"steward":   map[string]any{"executionTimeoutMs": cfg.Steward.ExecutionTimeoutMs, "maxHistoryPerSteward": cfg.Steward.MaxHistoryPerSteward},
		"sync":      map[string]any{"intervalMs": cfg.Sync.IntervalMs},
		"provider":  map[string]any{"default": cfg.Provider.Default},
		"worktree":  map[string]any{"enabled": cfg.Worktree.Enabled, "branchPrefix": cfg.Worktree.BranchPrefix},
	})
	if err != nil {
		return fmt.Errorf("error marshaling default config: %w", err)
	}

	return os.WriteFile(path, out, 0644)
}
