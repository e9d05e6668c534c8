// Package config provides Viper-based configuration loading for the
// driver stack.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AteConfig holds the ATE transport's connection settings.
type AteConfig struct {
	// Host is the simulation shell's TCP address.
	Host string `mapstructure:"host"`
	// Port is the simulation shell's TCP port.
	Port int `mapstructure:"port"`
	// TelnetTimeout is the read_until deadline for STARTSIM (ate.Transport.Start);
	// the other commands use ate.DefaultReadTimeoutS.
	TelnetTimeout time.Duration `mapstructure:"telnet_timeout"`
	// ConnectRetry enables the one-shot reconnect-after-backoff on initial connect.
	ConnectRetry bool `mapstructure:"connect_retry"`
	// SettleDelay is how long the transport waits after a send before read_until.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// Board is the board model name passed to STARTSIM.
	Board string `mapstructure:"board"`
}

// Addr returns the "host:port" dial address.
func (a AteConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// JTAGConfig holds JtagController tuning knobs.
type JTAGConfig struct {
	// PollBudget bounds the status-register busy-wait; 0 is unbounded,
	// matching the original driver's behavior.
	PollBudget int `mapstructure:"poll_budget"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Ate     AteConfig     `mapstructure:"ate"`
	JTAG    JTAGConfig    `mapstructure:"jtag"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
func (c Config) Validate() error {
	var errs []string

	if err := validateAte(c.Ate); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateJTAG(c.JTAG); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAte(a AteConfig) error {
	var errs []string
	if a.Host == "" {
		errs = append(errs, "ate.host must not be empty")
	}
	if a.Port < 1 || a.Port > 65535 {
		errs = append(errs, fmt.Sprintf("ate.port must be 1-65535, got %d", a.Port))
	}
	if a.TelnetTimeout < 0 {
		errs = append(errs, "ate.telnet_timeout must not be negative")
	}
	if a.SettleDelay < 0 {
		errs = append(errs, "ate.settle_delay must not be negative")
	}
	if a.Board == "" {
		errs = append(errs, "ate.board must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateJTAG(j JTAGConfig) error {
	if j.PollBudget < 0 {
		return fmt.Errorf("jtag.poll_budget must be >= 0, got %d", j.PollBudget)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies
// environment variable overrides, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("P2654DRV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ate.host", "127.0.0.1")
	v.SetDefault("ate.port", 5023)
	v.SetDefault("ate.telnet_timeout", "60s")
	v.SetDefault("ate.connect_retry", true)
	v.SetDefault("ate.settle_delay", "5ms")
	v.SetDefault("ate.board", "")

	v.SetDefault("jtag.poll_budget", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
