// Package config loads the agent configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PROCMUX_LISTEN_ADDR or PROCMUX_LOG_LEVEL.
const EnvPrefix = "PROCMUX"

type Config struct {
	// ListenAddr is the raw TCP listener, empty disables it.
	ListenAddr string `mapstructure:"listen_addr"`
	// WSListenAddr is the HTTP listener serving /heartbeat and the /mux WebSocket, empty disables it.
	WSListenAddr string `mapstructure:"ws_listen_addr"`
	// QueueSize is the outbound frame queue of each connection.
	QueueSize int `mapstructure:"queue_size"`

	Log LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs are stdout, stderr or file paths.
	Outputs []string `mapstructure:"outputs"`

	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig applies to file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

func Default() *Config {
	return &Config{
		ListenAddr:   "0.0.0.0:7070",
		WSListenAddr: "0.0.0.0:8080",
		QueueSize:    64,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// Load reads the config file at path, or looks for procmux.yaml in the working directory and /etc/procmux
// if path is empty. A missing file is not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// env-only keys are only picked up by Unmarshal if viper knows about them
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("ws_listen_addr", cfg.WSListenAddr)
	v.SetDefault("queue_size", cfg.QueueSize)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("procmux")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/procmux")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config and fills in empty optional values.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.ListenAddr == "" && c.WSListenAddr == "" {
		return errors.New("at least one of listen_addr and ws_listen_addr must be set")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("invalid queue_size %d", c.QueueSize)
	}
	return nil
}
