package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "LISTENPARTY"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabaseDriver         = DatabaseDriverSQLite
	defaultDatabasePath           = "listenparty.db"
	defaultLogLevel               = "info"
	defaultAuthIssuer             = "listenparty-auth"
	defaultAuthAudience           = "listenparty-api"
	defaultTokenTTLMinutes        = 60
	defaultRedisMaxRetries        = 3
	defaultCleanupIntervalSeconds = 60
	defaultMaxParticipants        = 10
	defaultEventTimeoutSeconds    = 5
)

const (
	// DatabaseDriverSQLite selects the embedded pure-Go SQLite driver.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects the PostgreSQL driver.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int

	SigningSecret string
	AuthIssuer    string
	AuthAudience  string
	TokenTTL      time.Duration

	PresenceCleanupInterval time.Duration

	InstanceID             string
	DefaultMaxParticipants int
	EventTimeout           time.Duration
}

// CacheEnabled reports whether a Redis backend is configured.
func (c AppConfig) CacheEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.max_retries", defaultRedisMaxRetries)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("presence.cleanup_interval_seconds", defaultCleanupIntervalSeconds)
	configViper.SetDefault("party.instance_id", "")
	configViper.SetDefault("party.default_max_participants", defaultMaxParticipants)
	configViper.SetDefault("party.event_timeout_seconds", defaultEventTimeoutSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		LogLevel:                configViper.GetString("log.level"),
		DatabaseDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:            configViper.GetString("database.path"),
		DatabaseDSN:             configViper.GetString("database.dsn"),
		RedisAddress:            configViper.GetString("redis.address"),
		RedisPassword:           configViper.GetString("redis.password"),
		RedisDB:                 configViper.GetInt("redis.db"),
		RedisMaxRetries:         configViper.GetInt("redis.max_retries"),
		SigningSecret:           configViper.GetString("auth.signing_secret"),
		AuthIssuer:              configViper.GetString("auth.issuer"),
		AuthAudience:            configViper.GetString("auth.audience"),
		TokenTTL:                time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PresenceCleanupInterval: time.Duration(configViper.GetInt("presence.cleanup_interval_seconds")) * time.Second,
		InstanceID:              strings.TrimSpace(configViper.GetString("party.instance_id")),
		DefaultMaxParticipants:  configViper.GetInt("party.default_max_participants"),
		EventTimeout:            time.Duration(configViper.GetInt("party.event_timeout_seconds")) * time.Second,
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
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PresenceCleanupInterval <= 0 {
		return fmt.Errorf("presence.cleanup_interval_seconds must be positive")
	}
	if c.DefaultMaxParticipants < 2 {
		return fmt.Errorf("party.default_max_participants must be at least 2")
	}
	if c.EventTimeout <= 0 {
		return fmt.Errorf("party.event_timeout_seconds must be positive")
	}
	return nil
}
