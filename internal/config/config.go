// Package config loads broker runtime parameters from an optional file
// and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the broker runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	RequestTTL          time.Duration   `mapstructure:"request_ttl"`
	SessionIdleTimeout  time.Duration   `mapstructure:"session_idle_timeout"`
	SweepInterval       time.Duration   `mapstructure:"sweep_interval"`
	Admin               AdminConfig     `mapstructure:"admin"`
	Log                 LogConfig       `mapstructure:"log"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
}

// AdminConfig describes the optional metrics/health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// LogConfig describes logger construction. File is optional; rotation
// settings apply only when a file is set.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

const (
	defaultListenAddress       = ":8080"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultRequestTTL          = 60 * time.Second
	defaultSessionIdleTimeout  = 10 * time.Minute
	defaultSweepInterval       = 30 * time.Second
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultMaxMessageBytes     = 16 * 1024
	defaultSendBuffer          = 32
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with EPHEMERIUM_ and
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EPHEMERIUM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("request_ttl", defaultRequestTTL.String())
	v.SetDefault("session_idle_timeout", defaultSessionIdleTimeout.String())
	v.SetDefault("sweep_interval", defaultSweepInterval.String())
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("websocket.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("websocket.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("websocket.send_buffer", defaultSendBuffer)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"request_ttl", &cfg.RequestTTL},
		{"session_idle_timeout", &cfg.SessionIdleTimeout},
		{"sweep_interval", &cfg.SweepInterval},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout},
		{"websocket.write_timeout", &cfg.WebSocket.WriteTimeout},
	}
	for _, d := range durations {
		raw := v.GetString(d.key)
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaultLogFormat
	}

	return cfg, nil
}
