// Package daemonconfig manages pico-continuousd's daemon-wide
// configuration using koanf/v2: bus name, metrics listen address, log
// level/format, registry capacity, default session timeout, config
// directory and lock command, layered as defaults, then YAML file, then
// environment.
//
// This is deliberately separate from internal/session's config overlay:
// that one is per-session domain logic with a locked field and bespoke
// merge semantics; this one is ordinary daemon config.
package daemonconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete pico-continuousd daemon configuration.
type Config struct {
	Bus      BusConfig      `koanf:"bus"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Registry RegistryConfig `koanf:"registry"`
	Confload ConfloadConfig `koanf:"confload"`
	Lock     LockConfig     `koanf:"lock"`
}

// BusConfig holds the D-Bus well-known name this daemon owns.
type BusConfig struct {
	// Name is the well-known bus name, e.g. "com.pico.ContinuousAuth".
	Name string `koanf:"name"`
	// ObjectPath is the object path the StartAuth/CompleteAuth/Exit
	// methods and the OwnerLost signal are exposed under.
	ObjectPath string `koanf:"object_path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RegistryConfig holds the session registry's fixed capacity and the
// default per-session timeout applied when a StartAuth call's
// parameters do not set timeout_seconds.
type RegistryConfig struct {
	Capacity       int           `koanf:"capacity"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// ConfloadConfig points at the on-disk credential/config directory.
type ConfloadConfig struct {
	Dir string `koanf:"dir"`
}

// LockConfig names the screen-lock collaborator command.
type LockConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Name:       "com.pico.ContinuousAuth",
			ObjectPath: "/com/pico/ContinuousAuth",
		},
		Metrics: MetricsConfig{
			Addr: ":9110",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			Capacity:       64,
			DefaultTimeout: 0,
		},
		Confload: ConfloadConfig{
			Dir: "/etc/pico-continuousd/",
		},
		Lock: LockConfig{
			Command: "loginctl",
			Args:    []string{"lock-session"},
		},
	}
}

// envPrefix is the environment variable prefix for daemon configuration.
const envPrefix = "PICOD_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (PICOD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer; a missing or malformed file is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("daemonconfig: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("daemonconfig: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("daemonconfig: load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("daemonconfig: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("daemonconfig: validate: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms PICOD_REGISTRY_CAPACITY -> registry.capacity.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"bus.name":                 defaults.Bus.Name,
		"bus.object_path":          defaults.Bus.ObjectPath,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"registry.capacity":        defaults.Registry.Capacity,
		"registry.default_timeout": defaults.Registry.DefaultTimeout.String(),
		"confload.dir":             defaults.Confload.Dir,
		"lock.command":             defaults.Lock.Command,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	if err := k.Set("lock.args", defaults.Lock.Args); err != nil {
		return fmt.Errorf("set default lock.args: %w", err)
	}
	return nil
}

// Validation errors.
var (
	ErrEmptyBusName     = errors.New("bus.name must not be empty")
	ErrInvalidCapacity  = errors.New("registry.capacity must be >= 1")
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Bus.Name == "" {
		return ErrEmptyBusName
	}
	if cfg.Registry.Capacity < 1 {
		return ErrInvalidCapacity
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
