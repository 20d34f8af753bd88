// Package config holds the server configuration: defaults, ROOMCHAT_*
// environment overrides and command line flags, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/omochice/roomchat/internal/ids"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "ROOMCHAT_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the server configuration. Field tags name the environment
// variable without its prefix, lowercased.
type Config struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	WebSocketPath    string        `mapstructure:"ws_path"`
	DisableWebSocket bool          `mapstructure:"disable_ws"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	PoolSize     int           `mapstructure:"pool_size"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodySize  int           `mapstructure:"max_body_size"`
	MaxQueue     int           `mapstructure:"max_queue"`

	RoomCapacity int `mapstructure:"room_capacity"`
	HistorySize  int `mapstructure:"history_size"`

	StoreDriver   string `mapstructure:"store_driver"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	NodeID    int64  `mapstructure:"node_id"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		WebSocketPath:    "/ws",
		MetricsAddr:      ":9090",
		HandshakeTimeout: 10 * time.Second,
		PoolSize:         1024,
		IdleTimeout:      5 * time.Minute,
		WriteTimeout:     10 * time.Second,
		MaxBodySize:      64 * 1024,
		MaxQueue:         256,
		HistorySize:      20,
		StoreDriver:      DriverMemory,
		LogLevel:         "info",
		LogFormat:        "console",
		NodeID:           1,
	}
}

// LoadEnv applies ROOMCHAT_* entries of environ, as returned by os.Environ.
// Unknown variables are ignored.
func (c *Config) LoadEnv(environ []string) error {
	values := make(map[string]any)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		values[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}
	if len(values) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "new decoder")
	}
	if err := dec.Decode(values); err != nil {
		return errors.Wrap(err, "decode environment")
	}
	return nil
}

// BindFlags registers a flag per field, defaulting to the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address for TCP and WebSocket clients")
	fs.StringVar(&c.WebSocketPath, "ws-path", c.WebSocketPath, "request path accepted for WebSocket upgrades")
	fs.BoolVar(&c.DisableWebSocket, "disable-ws", c.DisableWebSocket, "accept raw TCP clients only")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address serving /metrics; empty disables it")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "time allowed for protocol detection and upgrade")

	fs.IntVar(&c.PoolSize, "pool-size", c.PoolSize, "maximum concurrent connections; 0 is unbounded")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "disconnect clients silent for this long")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for each outbound write")
	fs.IntVar(&c.MaxBodySize, "max-body-size", c.MaxBodySize, "largest request body in bytes")
	fs.IntVar(&c.MaxQueue, "max-queue", c.MaxQueue, "outbound frames buffered per connection")

	fs.IntVar(&c.RoomCapacity, "room-capacity", c.RoomCapacity, "members per room; 0 is unlimited")
	fs.IntVar(&c.HistorySize, "history-size", c.HistorySize, "messages replayed on join; 0 disables replay")

	fs.StringVar(&c.StoreDriver, "store", c.StoreDriver, "account store: memory or postgres")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "postgres connection string")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for the message log; empty keeps it in the account store")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.Int64Var(&c.NodeID, "node-id", c.NodeID, "node id embedded in generated client ids")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen address is required")
	case !c.DisableWebSocket && !strings.HasPrefix(c.WebSocketPath, "/"):
		return errors.Errorf("websocket path %q must start with /", c.WebSocketPath)
	case c.PoolSize < 0:
		return errors.Errorf("pool size %d is negative", c.PoolSize)
	case c.IdleTimeout <= 0:
		return errors.New("idle timeout must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("write timeout must be positive")
	case c.HandshakeTimeout <= 0:
		return errors.New("handshake timeout must be positive")
	case c.MaxBodySize <= 0:
		return errors.New("max body size must be positive")
	case c.MaxQueue <= 0:
		return errors.New("max queue must be positive")
	case c.RoomCapacity < 0:
		return errors.Errorf("room capacity %d is negative", c.RoomCapacity)
	case c.HistorySize < 0:
		return errors.Errorf("history size %d is negative", c.HistorySize)
	case c.NodeID < 0 || c.NodeID > ids.MaxNode:
		return errors.Errorf("node id %d out of range [0, %d]", c.NodeID, ids.MaxNode)
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres store requires a dsn")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.StoreDriver)
	}
	return nil
}
