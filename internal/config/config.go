package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Engine    EngineConfig    `yaml:"engine" envconfig:"ENGINE"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Guard     GuardConfig     `yaml:"guard" envconfig:"GUARD"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	AdminTokenHash string          `yaml:"admin_token_hash" envconfig:"ADMIN_TOKEN_HASH"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`

	// TrustProxyHeaders takes the caller address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" envconfig:"TRUST_PROXY_HEADERS"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// StorageConfig selects and tunes the entitlement store backend. The pool
// sizes apply to PostgreSQL; SQLite always runs on one connection.
type StorageConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" envconfig:"AUTO_MIGRATE"`
	LogQueries      bool          `yaml:"log_queries" envconfig:"LOG_QUERIES"`
}

// RedisConfig configures the shared abuse guard
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Addr      string `yaml:"addr" envconfig:"ADDR"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// EngineConfig tunes the validation engine
type EngineConfig struct {
	TimeZone        string `yaml:"time_zone" envconfig:"TIME_ZONE"`
	KeyGenAttempts  int    `yaml:"keygen_attempts" envconfig:"KEYGEN_ATTEMPTS"`
	LockStripes     int    `yaml:"lock_stripes" envconfig:"LOCK_STRIPES"`
	DefaultLogLimit int    `yaml:"default_log_limit" envconfig:"DEFAULT_LOG_LIMIT"`
	MaxLogLimit     int    `yaml:"max_log_limit" envconfig:"MAX_LOG_LIMIT"`
}

// AuditConfig tunes the asynchronous validation log writer
type AuditConfig struct {
	QueueSize    int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	Workers      int           `yaml:"workers" envconfig:"WORKERS"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`
}

// GuardConfig configures blocking of callers probing unknown keys
type GuardConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"ENABLED"`
	MaxFailures   int           `yaml:"max_failures" envconfig:"MAX_FAILURES"`
	Window        time.Duration `yaml:"window" envconfig:"WINDOW"`
	BlockDuration time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION"`
}

// TelemetryConfig configures OpenTelemetry
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load builds the configuration from defaults, then the YAML config file if
// one is found, then environment variables. Later sources win.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields carry no default tags, so envconfig only touches variables that are set.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Location resolves the configured stats time zone
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.TimeZone == "" || strings.EqualFold(c.Engine.TimeZone, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Engine.TimeZone)
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid engine time zone %q: %w", c.Engine.TimeZone, err)
	}

	if c.Engine.KeyGenAttempts <= 0 {
		c.Engine.KeyGenAttempts = DefaultKeyGenAttempts
	}
	if c.Engine.LockStripes <= 0 {
		c.Engine.LockStripes = DefaultLockStripes
	}
	if c.Engine.DefaultLogLimit <= 0 {
		c.Engine.DefaultLogLimit = DefaultLogLimit
	}
	if c.Engine.MaxLogLimit < c.Engine.DefaultLogLimit {
		c.Engine.MaxLogLimit = c.Engine.DefaultLogLimit
	}

	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit queue size must be positive")
	}
	if c.Audit.Workers <= 0 {
		return fmt.Errorf("audit workers must be positive")
	}

	if c.Guard.Enabled && (c.Guard.MaxFailures <= 0 || c.Guard.Window <= 0 || c.Guard.BlockDuration <= 0) {
		return fmt.Errorf("guard thresholds must be positive when the guard is enabled")
	}

	switch c.Logging.Format {
	case "":
		c.Logging.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "":
		c.Logging.Output = "console"
	case "console":
	case "file", "both":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("log output %q needs a file path", c.Logging.Output)
		}
	default:
		return fmt.Errorf("unsupported log output %q", c.Logging.Output)
	}

	return nil
}

// getConfigFilePath returns the path to the config file, or "" if none exists
func getConfigFilePath() string {
	if explicit := os.Getenv(ConfigFileEnv); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    1 << 20,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/licensing.log",
		},
		Storage: StorageConfig{
			Driver:          DriverMemory,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "licensing:guard:",
		},
		Engine: EngineConfig{
			TimeZone:        "UTC",
			KeyGenAttempts:  DefaultKeyGenAttempts,
			LockStripes:     DefaultLockStripes,
			DefaultLogLimit: DefaultLogLimit,
			MaxLogLimit:     MaxLogLimit,
		},
		Audit: AuditConfig{
			QueueSize:    DefaultAuditQueueSize,
			Workers:      DefaultAuditWorkers,
			MaxRetries:   DefaultAuditMaxRetries,
			RetryBackoff: DefaultAuditRetryBackoff,
		},
		Guard: GuardConfig{
			Enabled:       true,
			MaxFailures:   DefaultGuardMaxFailures,
			Window:        DefaultGuardWindow,
			BlockDuration: DefaultGuardBlockDuration,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "licensing-server",
			Environment:    "development",
			EnableTracing:  false,
			EnableMetrics:  true,
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
		},
	}
}
