package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted in sandbox.backend
const (
	BackendIsolate = "isolate"
	BackendLocal   = "local"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig  `mapstructure:"server"`
	Sandbox      SandboxConfig `mapstructure:"sandbox"`
	Logging      LoggingConfig `mapstructure:"logging"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
	ProfilesFile string        `mapstructure:"profiles_file"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds box pool and isolation backend configuration
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
	IsolatePath        string        `mapstructure:"isolate_path"`
	UseCgroups         bool          `mapstructure:"use_cgroups"`
	PoolSize           int           `mapstructure:"pool_size"`
	FirstBoxID         int           `mapstructure:"first_box_id"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	SafetyMargin       time.Duration `mapstructure:"safety_margin"`
	ExtraTime          time.Duration `mapstructure:"extra_time"`
	MetaDir            string        `mapstructure:"meta_dir"`
	LocalRoot          string        `mapstructure:"local_root"`
	ResetOnStart       bool          `mapstructure:"reset_on_start"`
	Limits             LimitsConfig  `mapstructure:"limits"`
}

// LimitsConfig describes resource limits in operator-friendly units.
// A negative value means unlimited, zero means unset.
type LimitsConfig struct {
	WallTime  time.Duration `mapstructure:"wall_time" yaml:"wall_time"`
	CPUTime   time.Duration `mapstructure:"cpu_time" yaml:"cpu_time"`
	MemoryMB  int           `mapstructure:"memory_mb" yaml:"memory_mb"`
	OutputKB  int           `mapstructure:"output_kb" yaml:"output_kb"`
	StackKB   int           `mapstructure:"stack_kb" yaml:"stack_kb"`
	Processes int           `mapstructure:"processes" yaml:"processes"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds Prometheus exporter configuration. Port 0 disables the exporter.
type MetricsConfig struct {
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("BOXRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", BackendIsolate)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.isolate_path", "/usr/local/bin/isolate")
	v.SetDefault("sandbox.use_cgroups", false)
	v.SetDefault("sandbox.pool_size", 8)
	v.SetDefault("sandbox.first_box_id", 0)
	v.SetDefault("sandbox.acquire_timeout", "30s")
	v.SetDefault("sandbox.safety_margin", "2s")
	v.SetDefault("sandbox.extra_time", "500ms")
	v.SetDefault("sandbox.meta_dir", "metadata")
	v.SetDefault("sandbox.local_root", "/tmp/boxrun")
	v.SetDefault("sandbox.reset_on_start", true)

	v.SetDefault("sandbox.limits.wall_time", "10s")
	v.SetDefault("sandbox.limits.cpu_time", "5s")
	v.SetDefault("sandbox.limits.memory_mb", 256)
	v.SetDefault("sandbox.limits.output_kb", 64*1024)
	v.SetDefault("sandbox.limits.stack_kb", 0)
	v.SetDefault("sandbox.limits.processes", 1)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.port", 0)
	v.SetDefault("metrics.namespace", "boxrun")

	v.SetDefault("profiles_file", "")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be in 1..65535, got: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.PoolSize <= 0 {
		return fmt.Errorf("sandbox.pool_size must be positive, got: %d", c.Sandbox.PoolSize)
	}

	if c.Sandbox.FirstBoxID < 0 {
		return fmt.Errorf("sandbox.first_box_id must not be negative, got: %d", c.Sandbox.FirstBoxID)
	}

	if c.Sandbox.AcquireTimeout < 0 {
		return fmt.Errorf("sandbox.acquire_timeout must not be negative, got: %s", c.Sandbox.AcquireTimeout)
	}

	if c.Sandbox.SafetyMargin <= 0 {
		return fmt.Errorf("sandbox.safety_margin must be positive, got: %s", c.Sandbox.SafetyMargin)
	}

	if c.Sandbox.ExtraTime < 0 {
		return fmt.Errorf("sandbox.extra_time must not be negative, got: %s", c.Sandbox.ExtraTime)
	}

	if c.Sandbox.SafetyMargin <= c.Sandbox.ExtraTime {
		return fmt.Errorf("sandbox.safety_margin must exceed sandbox.extra_time, got: %s <= %s", c.Sandbox.SafetyMargin, c.Sandbox.ExtraTime)
	}

	if c.Sandbox.Limits.WallTime == 0 {
		return fmt.Errorf("sandbox.limits.wall_time must be set")
	}

	if c.Sandbox.Limits.CPUTime == 0 {
		return fmt.Errorf("sandbox.limits.cpu_time must be set")
	}

	if c.Sandbox.Limits.MemoryMB == 0 {
		return fmt.Errorf("sandbox.limits.memory_mb must be set")
	}

	if c.Sandbox.Limits.OutputKB == 0 {
		return fmt.Errorf("sandbox.limits.output_kb must be set")
	}

	if c.Sandbox.Limits.Processes == 0 {
		return fmt.Errorf("sandbox.limits.processes must be set")
	}

	if l := c.Sandbox.Limits; l.WallTime > 0 && l.CPUTime > 0 && l.WallTime < l.CPUTime {
		return fmt.Errorf("sandbox.limits.wall_time must not be below sandbox.limits.cpu_time, got: %s < %s", l.WallTime, l.CPUTime)
	}

	supportedBackends := map[string]bool{
		BackendIsolate: true,
		BackendLocal:   c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Backend == BackendIsolate && c.Sandbox.IsolatePath == "" {
		return fmt.Errorf("sandbox.isolate_path must be set for the isolate backend")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be in 0..65535, got: %d", c.Metrics.Port)
	}

	return nil
}
