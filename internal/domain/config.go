package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	LabAPI      LabAPIConfig    `mapstructure:"lab_api"`
	Drafts      DraftsConfig    `mapstructure:"drafts"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Artifacts   ArtifactsConfig `mapstructure:"artifacts"`
	Report      ReportConfig    `mapstructure:"report"`
	Audit       AuditConfig     `mapstructure:"audit"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// LabAPIConfig configures the remote laboratory API client
type LabAPIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"` // requests per second
	Burst     int           `mapstructure:"burst"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breakers around the lab API
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// DraftsConfig selects where drafts are persisted
type DraftsConfig struct {
	Backend    string `mapstructure:"backend"` // "api", "sqlite", "postgres", "redis"
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisURL   string `mapstructure:"redis_url"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL            string        `mapstructure:"redis_url"`
	DefaultTTL          time.Duration `mapstructure:"default_ttl"`
	MaxRetries          int           `mapstructure:"max_retries"`
	PoolSize            int           `mapstructure:"pool_size"`
	PoolTimeout         time.Duration `mapstructure:"pool_timeout"`
	OrderCacheSize      int           `mapstructure:"order_cache_size"`
	OrderCacheTTL       time.Duration `mapstructure:"order_cache_ttl"`
	DefinitionCacheSize int           `mapstructure:"definition_cache_size"`
}

// ArtifactsConfig selects the report artifact store
type ArtifactsConfig struct {
	Backend string   `mapstructure:"backend"` // "api", "s3"
	S3      S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 artifact store
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	Prefix    string `mapstructure:"prefix"`
}

// ReportConfig carries the organization identity printed on reports
type ReportConfig struct {
	OrganizationName    string `mapstructure:"organization_name"`
	OrganizationAddress string `mapstructure:"organization_address"`
	OrganizationPhone   string `mapstructure:"organization_phone"`
	Disclaimer          string `mapstructure:"disclaimer"`
}

// AuditConfig selects the audit log backend
type AuditConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "postgres"
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
