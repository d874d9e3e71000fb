package config

import (
	"errors"
	"fmt"
	"time"
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	JWT       JWTConfig       `mapstructure:"jwt" yaml:"jwt"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" yaml:"delivery"`
	Oracle    OracleConfig    `mapstructure:"oracle" yaml:"oracle"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Signaling SignalingConfig `mapstructure:"signaling" yaml:"signaling"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	WS        WSConfig        `mapstructure:"ws" yaml:"ws"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// JWTConfig controls identity tokens. With Required unset, clients may
// introduce themselves by name without a token.
type JWTConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	Required bool          `mapstructure:"required" yaml:"required"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type DeliveryConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	Retries      int           `mapstructure:"retries" yaml:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	HistoryLimit int           `mapstructure:"history_limit" yaml:"history_limit"`
}

type OracleConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// QueueConfig bounds offline queues. Zero disables a bound.
type QueueConfig struct {
	MaxPerRecipient int           `mapstructure:"max_per_recipient" yaml:"max_per_recipient"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	PruneInterval   time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

type SignalingConfig struct {
	MaxParticipants    int           `mapstructure:"max_participants" yaml:"max_participants"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" yaml:"negotiation_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	STUNServers        []string      `mapstructure:"stun_servers" yaml:"stun_servers"`
}

type StorageConfig struct {
	Driver     string        `mapstructure:"driver" yaml:"driver"`
	SQLitePath string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisURL   string        `mapstructure:"redis_url" yaml:"redis_url"`
	RedisTTL   time.Duration `mapstructure:"redis_ttl" yaml:"redis_ttl"`
}

type WSConfig struct {
	MaxMessageBytes    int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RateLimitPerMinute int   `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		JWT: JWTConfig{
			Issuer:   "wiremesh",
			Audience: "wiremesh",
			TTL:      24 * time.Hour,
		},
		Delivery: DeliveryConfig{
			WriteTimeout: 5 * time.Second,
			RetryBackoff: 200 * time.Millisecond,
			HistoryLimit: 100,
		},
		Oracle: OracleConfig{
			Timeout: 3 * time.Second,
		},
		Queue: QueueConfig{
			MaxPerRecipient: 1000,
			TTL:             168 * time.Hour,
			PruneInterval:   time.Minute,
		},
		Signaling: SignalingConfig{
			MaxParticipants:    8,
			NegotiationTimeout: 10 * time.Second,
			ConnectTimeout:     30 * time.Second,
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
		},
		Storage: StorageConfig{
			Driver:     StorageMemory,
			SQLitePath: "wiremesh.db",
			RedisURL:   "redis://localhost:6379/0",
		},
		WS: WSConfig{
			MaxMessageBytes:    1 << 20,
			RateLimitPerMinute: 600,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// It carries command line overrides.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
	if other.Storage.Driver != "" {
		c.Storage.Driver = other.Storage.Driver
	}
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.JWT.Required && c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.required is set without jwt.secret"))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is empty"))
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Queue.MaxPerRecipient < 0 || c.Delivery.Retries < 0 || c.Delivery.HistoryLimit < 0 || c.Signaling.MaxParticipants < 0 {
		errs = append(errs, errors.New("negative limits are not allowed"))
	}
	return errors.Join(errs...)
}
