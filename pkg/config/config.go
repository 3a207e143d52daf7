// Package config provides YAML-based configuration loading for aeronet.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // DataDir base directory for persistent data
    DataDir string `mapstructure:"data_dir"`

    // NodeID is the local logical node identifier, used only for logging.
    NodeID string `mapstructure:"node_id"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Transports list to configure multiple inbound/outbound links
    Transports []TransportConfig `mapstructure:"transports"`

    // Driver controls the embedded Aeron-style media driver.
    Driver DriverConfig `mapstructure:"driver"`

    // Net holds network/bootstrap options
    Net NetConfig `mapstructure:"net"`
}

// DriverConfig controls the embedded/external driver resource.
type DriverConfig struct {
    // Dir is the directory used for driver state when Embedded is true.
    Dir string `mapstructure:"dir"`
    // Embedded launches an in-process driver on first use and shuts it
    // down once the last client/resource manager releases it.
    Embedded bool `mapstructure:"embedded"`
    // DriverTimeoutMS is loaded and defaulted here; no component reads it.
    DriverTimeoutMS int `mapstructure:"driver_timeout_ms"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int  `mapstructure:"max_size_mb"`
    MaxBackups int  `mapstructure:"max_backups"`
    MaxAgeDays int  `mapstructure:"max_age_days"`
    Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "aeronet-node",
        DataDir: "./data",
        NodeID:  "node-1",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/aeronet.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Transports: []TransportConfig{
            {
                Kind:   "udp",
                Listen: []string{":7777"},
            },
        },
        Driver: DriverConfig{Dir: "./data/driver", Embedded: true, DriverTimeoutMS: 5000},
        Net:    NetConfig{DialBackoffInitialMS: 500, DialBackoffMaxMS: 30000, DialBackoffJitterMS: 100},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix AERONET and `.`/`-` are replaced with `_`.
// Example: AERONET_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("AERONET")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("data_dir", cfg.DataDir)
    v.SetDefault("node_id", cfg.NodeID)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Transports default
    v.SetDefault("transports", cfg.Transports)
    // Driver defaults
    v.SetDefault("driver.dir", cfg.Driver.Dir)
    v.SetDefault("driver.embedded", cfg.Driver.Embedded)
    v.SetDefault("driver.driver_timeout_ms", cfg.Driver.DriverTimeoutMS)
    // Net defaults
    v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
    v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
    v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("AERONET_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `aeronet`
        v.SetConfigName("aeronet")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".aeronet"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.NodeID) == "" {
        c.NodeID = "node-1"
    }
    // basic validation of transports
    for i := range c.Transports {
        c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
        // nothing else mandatory; listen/dial can be empty
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
