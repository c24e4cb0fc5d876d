package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"voicemsg"`
	Password string `env:"PASSWORD"                envDefault:"voicemsg"`
	Name     string `env:"NAME"                    envDefault:"voicemsg"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"     envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"     envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"  envDefault:"5m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT"    envDefault:"5s"`
}

// DSN renders the connection string. Credentials are escaped, so passwords may
// contain URL-reserved characters.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	q.Set("application_name", "voice-message-api")
	u.RawQuery = q.Encode()
	return u.String()
}

// Sanitize applies pool guardrails.
func (c *DBConfig) Sanitize() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = min(5, c.MaxOpenConns)
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// StoreBackend selects the MessageStore implementation.
type StoreBackend string

const (
	// StoreBackendMemory keeps records in process memory (development and tests).
	StoreBackendMemory StoreBackend = "memory"
	// StoreBackendPostgres stores records in PostgreSQL.
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendRedis stores records in Redis.
	StoreBackendRedis StoreBackend = "redis"
)

// StoreConfig selects and tunes the submission store.
type StoreConfig struct {
	Backend StoreBackend `env:"BACKEND" envDefault:"memory"`
	// RedisKeyPrefix namespaces Redis keys. Keep it hash-tagged ({...}) for cluster mode.
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"{voicemsg}"`
}

// Sanitize normalises the backend name; unknown values fall back to memory.
func (s *StoreConfig) Sanitize() {
	s.Backend = StoreBackend(strings.ToLower(strings.TrimSpace(string(s.Backend))))
	switch s.Backend {
	case StoreBackendMemory, StoreBackendPostgres, StoreBackendRedis:
	default:
		s.Backend = StoreBackendMemory
	}
	if strings.TrimSpace(s.RedisKeyPrefix) == "" {
		s.RedisKeyPrefix = "{voicemsg}"
	}
}
