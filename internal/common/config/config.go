// Package config provides configuration management for the event bus
// core: loading from environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/nexusbus/nexusbus/internal/eventbus/bus"
	"github.com/nexusbus/nexusbus/internal/eventbus/manager"
)

// Config holds every configuration section this core cares about.
type Config struct {
	Manager ManagerSectionConfig `mapstructure:"manager"`
	Logging LoggingConfig        `mapstructure:"logging"`
}

// BusSectionConfig is one named bus's wire-level configuration, decoded
// from viper before being converted to bus.Config (spec §6 "Configuration
// options recognized at bus construction").
type BusSectionConfig struct {
	InstanceID             string   `mapstructure:"instanceId"`
	MaxEvents              int      `mapstructure:"maxEvents"`
	MaxConcurrentEmits     int      `mapstructure:"maxConcurrentEmits"`
	MaxEventsPerSecond     float64  `mapstructure:"maxEventsPerSecond"`
	SubscriberBufferSize   int      `mapstructure:"subscriberBufferSize"`
	EnableMetrics          bool     `mapstructure:"enableMetrics"`
	EnableGracefulShutdown bool     `mapstructure:"enableGracefulShutdown"`
	ShutdownTimeoutSecs    int      `mapstructure:"shutdownTimeoutSecs"`
	AllowedSources         []string `mapstructure:"allowedSources"`
	EnableRules            bool     `mapstructure:"enableRules"`
}

// ToBusConfig converts the decoded wire section into bus.Config.
func (c BusSectionConfig) ToBusConfig() bus.Config {
	return bus.Config{
		InstanceID:             c.InstanceID,
		MaxEvents:              c.MaxEvents,
		MaxConcurrentEmits:     c.MaxConcurrentEmits,
		MaxEventsPerSecond:     c.MaxEventsPerSecond,
		SubscriberBufferSize:   c.SubscriberBufferSize,
		EnableMetrics:          c.EnableMetrics,
		EnableGracefulShutdown: c.EnableGracefulShutdown,
		ShutdownTimeoutSecs:    c.ShutdownTimeoutSecs,
		AllowedSources:         c.AllowedSources,
		EnableRules:            c.EnableRules,
	}
}

// ManagerSectionConfig decodes the manager-level configuration: which bus
// is the default, the named bus set, and the manager's own shutdown
// budget (spec §4.7).
type ManagerSectionConfig struct {
	DefaultBus          string                      `mapstructure:"defaultBus"`
	Buses               map[string]BusSectionConfig `mapstructure:"buses"`
	ShutdownTimeoutSecs int                         `mapstructure:"shutdownTimeoutSecs"`
}

// ToManagerConfig converts the decoded wire section into manager.Config.
func (c ManagerSectionConfig) ToManagerConfig() manager.Config {
	buses := make(map[string]bus.Config, len(c.Buses))
	for name, bc := range c.Buses {
		buses[name] = bc.ToBusConfig()
	}
	return manager.Config{
		DefaultBus:          c.DefaultBus,
		Buses:               buses,
		ShutdownTimeoutSecs: c.ShutdownTimeoutSecs,
	}
}

// LoggingConfig holds logger construction options.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat mirrors production-vs-terminal detection: JSON in
// a container/production environment, human-readable text otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NEXUSBUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manager.defaultBus", "default")
	v.SetDefault("manager.shutdownTimeoutSecs", 30)
	v.SetDefault("manager.buses.default.instanceId", "default")
	v.SetDefault("manager.buses.default.maxConcurrentEmits", 0)
	v.SetDefault("manager.buses.default.maxEventsPerSecond", 0)
	v.SetDefault("manager.buses.default.subscriberBufferSize", 64)
	v.SetDefault("manager.buses.default.enableMetrics", true)
	v.SetDefault("manager.buses.default.enableGracefulShutdown", true)
	v.SetDefault("manager.buses.default.shutdownTimeoutSecs", 30)
	v.SetDefault("manager.buses.default.allowedSources", []string{"*"})
	v.SetDefault("manager.buses.default.enableRules", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the NEXUSBUS_ prefix followed by the
// upper-cased key with dots replaced by underscores (manager.defaultBus is
// NEXUSBUS_MANAGER_DEFAULTBUS); logging.level is also read from
// NEXUSBUS_LOG_LEVEL.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEXUSBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("logging.level", "NEXUSBUS_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nexusbus/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Manager.DefaultBus == "" {
		errs = append(errs, "manager.defaultBus is required")
	}
	if len(cfg.Manager.Buses) == 0 {
		errs = append(errs, "manager.buses must configure at least one bus")
	} else if _, ok := cfg.Manager.Buses[cfg.Manager.DefaultBus]; !ok {
		errs = append(errs, fmt.Sprintf("manager.defaultBus %q is not among manager.buses", cfg.Manager.DefaultBus))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
