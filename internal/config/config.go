// Package config provides Viper-based configuration loading for the chat
// server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TelnetConfig holds the listener and protocol-engine settings.
type TelnetConfig struct {
	// Host is the bind address for the Telnet listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the Telnet listener.
	Port int `mapstructure:"port"`
	// PollInterval is the server loop tick period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// AutosenseTimeout bounds the capability-probing window after accept.
	AutosenseTimeout time.Duration `mapstructure:"autosense_timeout"`
	// WriteTimeout is the per-flush socket write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxConnections caps the connected set; 0 selects the platform default.
	MaxConnections int `mapstructure:"max_connections"`
	// RejectMessage is sent to connections refused over the cap.
	RejectMessage string `mapstructure:"reject_message"`
	// TerminalRegistry optionally names a YAML file extending the built-in
	// ANSI-capable terminal type list.
	TerminalRegistry string `mapstructure:"terminal_registry"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TelnetConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ChatConfig holds chat façade settings.
type ChatConfig struct {
	// ScriptsDir optionally names a directory of Lua command scripts.
	ScriptsDir string `mapstructure:"scripts_dir"`
	// CensusInterval is the period of the room-census log line.
	CensusInterval time.Duration `mapstructure:"census_interval"`
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
	Telnet  TelnetConfig  `mapstructure:"telnet"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error
// describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateTelnet(c.Telnet); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChat(c.Chat); err != nil {
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

func validateTelnet(t TelnetConfig) error {
	var errs []string
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("telnet.port must be 1-65535, got %d", t.Port))
	}
	if t.PollInterval <= 0 {
		errs = append(errs, "telnet.poll_interval must be positive")
	}
	if t.AutosenseTimeout < 2*time.Second || t.AutosenseTimeout > 15*time.Second {
		errs = append(errs, fmt.Sprintf("telnet.autosense_timeout must be between 2s and 15s, got %s", t.AutosenseTimeout))
	}
	if t.WriteTimeout <= 0 {
		errs = append(errs, "telnet.write_timeout must be positive")
	}
	if t.MaxConnections < 0 {
		errs = append(errs, fmt.Sprintf("telnet.max_connections must be >= 0, got %d", t.MaxConnections))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateChat(c ChatConfig) error {
	if c.CensusInterval <= 0 {
		return fmt.Errorf("chat.census_interval must be positive, got %s", c.CensusInterval)
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

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with SONZO_ prefix
	v.SetEnvPrefix("SONZO")
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

// Default returns the built-in configuration, used when no config file is
// supplied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// The defaults are our own values; unmarshalling them cannot fail.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telnet.host", "0.0.0.0")
	v.SetDefault("telnet.port", 23)
	v.SetDefault("telnet.poll_interval", "100ms")
	v.SetDefault("telnet.autosense_timeout", "2s")
	v.SetDefault("telnet.write_timeout", "50ms")
	v.SetDefault("telnet.max_connections", 0)
	v.SetDefault("telnet.reject_message", "Sorry, no new connects at this time.\n\r")
	v.SetDefault("telnet.terminal_registry", "")

	v.SetDefault("chat.scripts_dir", "")
	v.SetDefault("chat.census_interval", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
