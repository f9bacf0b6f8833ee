package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "REBATE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "rebate.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "rebate-auth"
	defaultSessionBackend    = SessionBackendSQLite
	defaultSessionTTL        = 12 * time.Hour
	defaultLockLease         = 5 * time.Minute
	defaultLockReapInterval  = 15 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultPongGrace         = 10 * time.Second
	defaultHubSendBuffer     = 64
)

const (
	SessionBackendSQLite = "sqlite"
	SessionBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	AuthIssuer        string
	SessionBackend    string
	SessionTTL        time.Duration
	RedisURL          string
	NATSURL           string
	LockLease         time.Duration
	LockReapInterval  time.Duration
	HeartbeatInterval time.Duration
	PongGrace         time.Duration
	HubSendBuffer     int
	AllowedOrigins    []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("session.backend", defaultSessionBackend)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("lock.lease_duration", defaultLockLease)
	configViper.SetDefault("lock.reap_interval", defaultLockReapInterval)
	configViper.SetDefault("hub.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("hub.pong_grace", defaultPongGrace)
	configViper.SetDefault("hub.send_buffer", defaultHubSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		SessionBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("session.backend"))),
		SessionTTL:        configViper.GetDuration("session.ttl"),
		RedisURL:          configViper.GetString("redis.url"),
		NATSURL:           configViper.GetString("nats.url"),
		LockLease:         configViper.GetDuration("lock.lease_duration"),
		LockReapInterval:  configViper.GetDuration("lock.reap_interval"),
		HeartbeatInterval: configViper.GetDuration("hub.heartbeat_interval"),
		PongGrace:         configViper.GetDuration("hub.pong_grace"),
		HubSendBuffer:     configViper.GetInt("hub.send_buffer"),
		AllowedOrigins:    configViper.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.SessionBackend {
	case SessionBackendSQLite:
	case SessionBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required when session.backend is %q", SessionBackendRedis)
		}
	default:
		return fmt.Errorf("session.backend must be %q or %q, got %q", SessionBackendSQLite, SessionBackendRedis, c.SessionBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("lock.lease_duration must be positive")
	}
	if c.LockReapInterval <= 0 {
		return fmt.Errorf("lock.reap_interval must be positive")
	}
	if c.LockReapInterval > c.LockLease {
		return fmt.Errorf("lock.reap_interval must not exceed lock.lease_duration")
	}
	if c.HeartbeatInterval <= 0 || c.PongGrace <= 0 {
		return fmt.Errorf("hub.heartbeat_interval and hub.pong_grace must be positive")
	}
	if c.HubSendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be positive")
	}
	return nil
}
