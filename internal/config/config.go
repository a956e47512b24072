// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect" yaml:"reconnect"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat" yaml:"heartbeat"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ConnectionConfig describes the simulation server endpoint.
type ConnectionConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Path            string        `mapstructure:"path" yaml:"path"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
}

// ReconnectConfig controls the automatic reconnection policy.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Exponential bool          `mapstructure:"exponential" yaml:"exponential"`
}

// HeartbeatConfig controls protocol level ping/pong liveness detection.
// PingPeriod must be less than PongWait.
type HeartbeatConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	PingPeriod time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
}

// SessionConfig holds settings for the top level sync session.
type SessionConfig struct {
	// Source tags every outbound frame with the sending client class.
	Source string `mapstructure:"source" yaml:"source"`
	// SendRate is the sustained outbound frames per second; zero disables throttling.
	SendRate    float64 `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst   int     `mapstructure:"send_burst" yaml:"send_burst"`
	EventBuffer int     `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// HistoryConfig configures durable log history. Driver is "sqlite" (Path) or
// "postgres" (DSN). An empty Path or DSN for the chosen driver disables it.
type HistoryConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	LoadLimit int    `mapstructure:"load_limit" yaml:"load_limit"`
	// WriteBuffer bounds the entries waiting to be persisted; BatchSize caps
	// how many are written together.
	WriteBuffer int `mapstructure:"write_buffer" yaml:"write_buffer"`
	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`
}

// Enabled reports whether the configured driver has a location to write to.
func (h HistoryConfig) Enabled() bool {
	if h.Driver == "postgres" {
		return h.DSN != ""
	}
	return h.Path != ""
}

// MetricsConfig controls the Prometheus endpoint. An empty ListenAddr disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "simsync")
	v.SetDefault("logger.log_file", "simsync.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Connection --
	v.SetDefault("connection.host", "localhost")
	v.SetDefault("connection.port", 8765)
	v.SetDefault("connection.path", "/")
	v.SetDefault("connection.dial_timeout", "10s")
	v.SetDefault("connection.write_timeout", "10s")
	v.SetDefault("connection.max_message_bytes", 4*1024*1024)

	// -- Reconnect --
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.exponential", true)

	// -- Heartbeat --
	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.ping_period", "54s")
	v.SetDefault("heartbeat.pong_wait", "60s")

	// -- Session --
	v.SetDefault("session.source", "GUI")
	v.SetDefault("session.send_rate", 20.0)
	v.SetDefault("session.send_burst", 40)
	v.SetDefault("session.event_buffer", 256)

	// -- History --
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.path", "~/.simsync/history.db")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.load_limit", 1000)
	v.SetDefault("history.write_buffer", 1024)
	v.SetDefault("history.batch_size", 100)

	// -- Metrics --
	v.SetDefault("metrics.listen_addr", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("connection configuration invalid: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect configuration invalid: %w", err)
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("heartbeat configuration invalid: %w", err)
	}
	if c.Session.SendRate < 0 {
		return fmt.Errorf("session.send_rate must not be negative")
	}
	if c.Session.SendRate > 0 && c.Session.SendBurst <= 0 {
		return fmt.Errorf("session.send_burst must be positive when send_rate is set")
	}
	switch c.History.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("history.driver must be sqlite or postgres, got %q", c.History.Driver)
	}
	if c.History.LoadLimit < 0 {
		return fmt.Errorf("history.load_limit must not be negative")
	}
	if c.History.WriteBuffer < 0 || c.History.BatchSize < 0 {
		return fmt.Errorf("history.write_buffer and history.batch_size must not be negative")
	}
	return nil
}

// Validate checks the connection endpoint.
func (c *ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// Validate checks the reconnect policy values.
func (r *ReconnectConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be a positive duration")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("max_delay must be at least base_delay")
	}
	return nil
}

// Validate checks the HeartbeatConfig settings.
func (h *HeartbeatConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.PingPeriod <= 0 || h.PongWait <= 0 {
		return fmt.Errorf("ping_period and pong_wait must be positive durations")
	}
	if h.PingPeriod >= h.PongWait {
		return fmt.Errorf("ping_period must be less than pong_wait")
	}
	return nil
}
