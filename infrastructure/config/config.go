package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	domainconfig "mindmap-history/domain/config"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"server_address"`
	Environment   string `yaml:"environment"`

	// Storage configuration
	StorageBackend string `yaml:"storage_backend"`
	DatabaseURL    string `yaml:"database_url"`
	SQLitePath     string `yaml:"sqlite_path"`
	AWSRegion      string `yaml:"aws_region"`
	TableName      string `yaml:"table_name"`
	LockTableName  string `yaml:"lock_table_name"`

	// Cache configuration
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`

	// Events configuration
	EventBusName      string `yaml:"event_bus_name"`
	WebSocketEndpoint string `yaml:"websocket_endpoint"`
	ConnectionsTable  string `yaml:"connections_table"`

	// Lambda configuration
	IsLambda           bool   `yaml:"is_lambda"`
	LambdaFunctionName string `yaml:"-"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Authentication
	JWTSecret  string `yaml:"jwt_secret"`
	JWTIssuer  string `yaml:"jwt_issuer"`
	EnableAuth bool   `yaml:"enable_auth"`

	// History policy; zero values keep the environment defaults
	MaxSnapshotBytes     int64         `yaml:"max_snapshot_bytes"`
	AutoCheckpointEvery  int           `yaml:"auto_checkpoint_every"`
	GroupingWindow       time.Duration `yaml:"grouping_window"`
	RetentionDays        int           `yaml:"retention_days"`
	GroupExpandThreshold int           `yaml:"group_expand_threshold"`

	// Observability
	MetricsNamespace string `yaml:"metrics_namespace"`
	EnableMetrics    bool   `yaml:"enable_metrics"`
	EnableTracing    bool   `yaml:"enable_tracing"`
	EnableCORS       bool   `yaml:"enable_cors"`

	// Store circuit breaker
	BreakerMaxRequests      int           `yaml:"store_breaker_max_requests"`
	BreakerInterval         time.Duration `yaml:"store_breaker_interval"`
	BreakerTimeout          time.Duration `yaml:"store_breaker_timeout"`
	BreakerFailureThreshold float64       `yaml:"store_breaker_failure_threshold"`
	BreakerMinRequests      int           `yaml:"store_breaker_min_requests"`

	// Per-user rate limiting
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

func defaults() *Config {
	return &Config{
		ServerAddress:  ":8080",
		Environment:    "development",
		StorageBackend: BackendMemory,
		SQLitePath:     "history.db",
		AWSRegion:      "us-west-2",
		TableName:      "mindmap-history",
		LockTableName:  "mindmap-history",

		CacheTTLSeconds: 600,

		EventBusName:     "mindmap-history-events",
		ConnectionsTable: "mindmap-connections",

		LogLevel:  "info",
		JWTIssuer: "mindmap-history",

		MetricsNamespace: "MindMap/History",
		EnableCORS:       true,

		BreakerMaxRequests:      5,
		BreakerInterval:         30 * time.Second,
		BreakerTimeout:          60 * time.Second,
		BreakerFailureThreshold: 0.8,
		BreakerMinRequests:      5,

		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
}

// LoadConfig builds the configuration from the defaults, the YAML file
// named by HISTORY_CONFIG_FILE when set, and finally the environment
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("HISTORY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.StorageBackend = getEnv("STORAGE_BACKEND", c.StorageBackend)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.TableName = getEnv("TABLE_NAME", c.TableName)
	c.LockTableName = getEnv("LOCK_TABLE_NAME", c.LockTableName)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.CacheTTLSeconds = getEnvInt("CACHE_TTL_SECONDS", c.CacheTTLSeconds)

	c.EventBusName = getEnv("EVENT_BUS_NAME", c.EventBusName)
	c.WebSocketEndpoint = getEnv("WEBSOCKET_ENDPOINT", c.WebSocketEndpoint)
	c.ConnectionsTable = getEnv("CONNECTIONS_TABLE_NAME", c.ConnectionsTable)

	c.LambdaFunctionName = getEnv("AWS_LAMBDA_FUNCTION_NAME", "")
	c.IsLambda = getEnvBool("IS_LAMBDA", c.IsLambda || c.LambdaFunctionName != "")

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)
	c.EnableAuth = getEnvBool("ENABLE_AUTH", c.EnableAuth)

	c.MaxSnapshotBytes = int64(getEnvInt("HISTORY_MAX_SNAPSHOT_BYTES", int(c.MaxSnapshotBytes)))
	c.AutoCheckpointEvery = getEnvInt("HISTORY_AUTO_CHECKPOINT_EVERY", c.AutoCheckpointEvery)
	c.GroupingWindow = getEnvDuration("HISTORY_GROUPING_WINDOW", c.GroupingWindow)
	c.RetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", c.RetentionDays)
	c.GroupExpandThreshold = getEnvInt("HISTORY_GROUP_EXPAND_THRESHOLD", c.GroupExpandThreshold)

	c.MetricsNamespace = getEnv("METRICS_NAMESPACE", c.MetricsNamespace)
	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.EnableTracing = getEnvBool("ENABLE_TRACING", c.EnableTracing)
	c.EnableCORS = getEnvBool("ENABLE_CORS", c.EnableCORS)

	c.BreakerMaxRequests = getEnvInt("STORE_BREAKER_MAX_REQUESTS", c.BreakerMaxRequests)
	c.BreakerInterval = getEnvDuration("STORE_BREAKER_INTERVAL", c.BreakerInterval)
	c.BreakerTimeout = getEnvDuration("STORE_BREAKER_TIMEOUT", c.BreakerTimeout)
	c.BreakerFailureThreshold = getEnvFloat("STORE_BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold)
	c.BreakerMinRequests = getEnvInt("STORE_BREAKER_MIN_REQUESTS", c.BreakerMinRequests)

	c.RateLimitPerSecond = getEnvFloat("RATE_LIMIT_PER_SECOND", c.RateLimitPerSecond)
	c.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", c.RateLimitBurst)
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendDynamoDB:
		if c.TableName == "" {
			return fmt.Errorf("TABLE_NAME is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.EnableAuth && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when auth is enabled")
	}
	if c.RateLimitPerSecond < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits cannot be negative")
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerFailureThreshold > 1 {
		return fmt.Errorf("STORE_BREAKER_FAILURE_THRESHOLD must be in (0, 1]")
	}

	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.StorageBackend == BackendMemory {
			return fmt.Errorf("the memory backend cannot be used in production")
		}
	}

	return nil
}

// DomainConfig returns the history policy for the environment with the
// configured overrides applied
func (c *Config) DomainConfig() *domainconfig.DomainConfig {
	dc := domainconfig.LoadDomainConfig(c.Environment)
	if c.MaxSnapshotBytes > 0 {
		dc.MaxSnapshotBytes = c.MaxSnapshotBytes
	}
	if c.AutoCheckpointEvery > 0 {
		dc.AutoCheckpointEvery = c.AutoCheckpointEvery
	}
	if c.GroupingWindow > 0 {
		dc.GroupingWindow = c.GroupingWindow
	}
	if c.RetentionDays > 0 {
		dc.RetentionPeriod = time.Duration(c.RetentionDays) * 24 * time.Hour
	}
	if c.GroupExpandThreshold > 0 {
		dc.GroupExpandThreshold = c.GroupExpandThreshold
	}
	if c.CacheTTLSeconds > 0 {
		dc.ReplayCacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	}
	return dc
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
