package config

import "time"

// Application constants
const (
	AppName    = "Licensing Server"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g. LICENSING_SERVER_PORT
	EnvPrefix = "LICENSING"

	// ConfigFileEnv overrides the YAML config file search
	ConfigFileEnv = "LICENSING_CONFIG_FILE"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// API paths
const (
	APIBasePath       = "/api"
	ValidatePath      = "/api/validate"
	HealthPath        = "/api/health"
	MetricsEndpoint   = "/metrics"
	WebSocketEndpoint = "/ws/logs"
)

// Engine limits
const (
	DefaultLogLimit       = 100
	MaxLogLimit           = 1000
	DefaultKeyGenAttempts = 8
	DefaultLockStripes    = 256

	DefaultAuditQueueSize    = 1024
	DefaultAuditWorkers      = 2
	DefaultAuditMaxRetries   = 3
	DefaultAuditRetryBackoff = 50 * time.Millisecond

	DefaultGuardMaxFailures   = 10
	DefaultGuardWindow        = 10 * time.Minute
	DefaultGuardBlockDuration = 15 * time.Minute

	WebSocketPingPeriod = 30 * time.Second
	WebSocketPongWait   = 60 * time.Second
)
