package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. MOISSENSE_REMOTE_BASE_URL.
const EnvPrefix = "MOISSENSE"

// Config holds all configuration for the service
type Config struct {
	Remote   RemoteConfig   `mapstructure:"remote"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Control  ControlConfig  `mapstructure:"control"`
	Server   ServerConfig   `mapstructure:"server"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// StaleAfter defaults to three intervals when left at zero.
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
}

type ControlConfig struct {
	InitialMode    string        `mapstructure:"initial_mode"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type ServerConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	GRPCPort             int           `mapstructure:"grpc_port"`
	RateLimit            float64       `mapstructure:"rate_limit"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	IdempotencyCacheSize int           `mapstructure:"idempotency_cache_size"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DatabaseConfig struct {
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the YAML file at path and from MOISSENSE_*
// environment variables. ${VAR} references in the file are expanded. An
// empty path or a missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			var raw map[string]interface{}
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
			if err := v.MergeConfigMap(raw); err != nil {
				return nil, fmt.Errorf("failed to merge config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = cfg.Sync.Interval
	}
	if cfg.Sync.StaleAfter <= 0 {
		cfg.Sync.StaleAfter = 3 * cfg.Sync.Interval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid remote.base_url %q", c.Remote.BaseURL)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	// The tick timer counts in whole seconds.
	if c.Sync.Interval%time.Second != 0 {
		return fmt.Errorf("sync.interval must be a whole number of seconds, got %s", c.Sync.Interval)
	}
	if c.Sync.BreakerFailures < 0 {
		return fmt.Errorf("sync.breaker_failures must not be negative")
	}
	if _, err := c.InitialMode(); err != nil {
		return fmt.Errorf("invalid control.initial_mode: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid server.grpc_port %d", c.Server.GRPCPort)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// InitialMode parses control.initial_mode.
func (c *Config) InitialMode() (models.OperatingMode, error) {
	return models.ParseOperatingMode(c.Control.InitialMode)
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "http://localhost:1880")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.user_agent", "moissense/1.0")

	v.SetDefault("sync.interval", 5*time.Second)
	v.SetDefault("sync.timeout", 0)
	v.SetDefault("sync.stale_after", 0)
	v.SetDefault("sync.breaker_failures", 0)
	v.SetDefault("sync.breaker_open_for", 30*time.Second)

	v.SetDefault("control.initial_mode", "auto")
	v.SetDefault("control.command_timeout", 10*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.rate_limit", 5)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.idempotency_cache_size", 256)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic_prefix", "moissense")
	v.SetDefault("mqtt.client_id", "moissense")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.connect_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
