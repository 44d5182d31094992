package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/lab-validation-server/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager. An empty configFile searches
// the default locations for config.yaml.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lab-validation-server/")
	}

	v.SetEnvPrefix("LAB_VALIDATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "45s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "lab_validation")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")

	// Lab API defaults
	v.SetDefault("lab_api.base_url", "http://localhost:9000/api")
	v.SetDefault("lab_api.api_key", "")
	v.SetDefault("lab_api.timeout", "30s")
	v.SetDefault("lab_api.rate_limit", 20)
	v.SetDefault("lab_api.burst", 5)
	v.SetDefault("lab_api.breaker.max_requests", 3)
	v.SetDefault("lab_api.breaker.interval", "60s")
	v.SetDefault("lab_api.breaker.timeout", "30s")
	v.SetDefault("lab_api.breaker.min_requests", 3)
	v.SetDefault("lab_api.breaker.failure_ratio", 0.6)

	// Draft persistence defaults
	v.SetDefault("drafts.backend", "api")
	v.SetDefault("drafts.sqlite_path", "./data/drafts.db")
	v.SetDefault("drafts.redis_url", "redis://localhost:6379/1")
	v.SetDefault("drafts.key_prefix", "lab:drafts")

	// Cache defaults
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")
	v.SetDefault("cache.order_cache_size", 256)
	v.SetDefault("cache.order_cache_ttl", "30m")
	v.SetDefault("cache.definition_cache_size", 512)

	// Artifact defaults
	v.SetDefault("artifacts.backend", "api")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.prefix", "reports")
	v.SetDefault("artifacts.s3.path_style", false)

	// Report defaults
	v.SetDefault("report.organization_name", "Clinical Laboratory")
	v.SetDefault("report.disclaimer", "This is a computer generated report and does not require a signature.")

	v.SetDefault("audit.backend", "memory")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetLabAPIConfig returns the lab API client configuration
func (m *Manager) GetLabAPIConfig() *domain.LabAPIConfig {
	return &m.config.LabAPI
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

var (
	validDraftBackends    = map[string]bool{"api": true, "sqlite": true, "postgres": true, "redis": true}
	validArtifactBackends = map[string]bool{"api": true, "s3": true}
	validAuditBackends    = map[string]bool{"memory": true, "postgres": true}
	validLogLevels        = map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
)

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.LabAPI.BaseURL == "" {
		return fmt.Errorf("lab API base URL is required")
	}
	if _, err := url.ParseRequestURI(config.LabAPI.BaseURL); err != nil {
		return fmt.Errorf("invalid lab API base URL %q: %w", config.LabAPI.BaseURL, err)
	}
	if config.LabAPI.RateLimit <= 0 {
		return fmt.Errorf("lab API rate limit must be positive, got %d", config.LabAPI.RateLimit)
	}
	if r := config.LabAPI.Breaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("breaker failure ratio must be in (0, 1], got %v", r)
	}

	backend := strings.ToLower(config.Drafts.Backend)
	if !validDraftBackends[backend] {
		return fmt.Errorf("invalid drafts backend: %s", config.Drafts.Backend)
	}
	switch backend {
	case "sqlite":
		if config.Drafts.SQLitePath == "" {
			return fmt.Errorf("drafts sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if config.Drafts.RedisURL == "" {
			return fmt.Errorf("drafts redis_url is required for the redis backend")
		}
	}

	needsDatabase := backend == "postgres" || strings.ToLower(config.Audit.Backend) == "postgres"
	if needsDatabase {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	}

	if !validAuditBackends[strings.ToLower(config.Audit.Backend)] {
		return fmt.Errorf("invalid audit backend: %s", config.Audit.Backend)
	}

	if !validArtifactBackends[strings.ToLower(config.Artifacts.Backend)] {
		return fmt.Errorf("invalid artifacts backend: %s", config.Artifacts.Backend)
	}
	if strings.ToLower(config.Artifacts.Backend) == "s3" && config.Artifacts.S3.Bucket == "" {
		return fmt.Errorf("artifacts s3 bucket is required for the s3 backend")
	}

	if config.Cache.OrderCacheSize <= 0 {
		return fmt.Errorf("order cache size must be positive, got %d", config.Cache.OrderCacheSize)
	}

	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database location in URL form, as golang-migrate expects it.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     db.Database,
		RawQuery: "sslmode=" + db.SSLMode,
	}
	return u.String()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg domain.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}

	return logger, nil
}
