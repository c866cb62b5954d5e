package am

// Config represents the optrack configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Server   ServerConfig   `mapstructure:"server"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures leasing and the worker pool
type QueueConfig struct {
	Workers                int `mapstructure:"workers"`                  // Concurrent workers (0 = submit-only node)
	PollIntervalMS         int `mapstructure:"poll_interval_ms"`         // Idle worker poll interval
	LeaseTimeoutSeconds    int `mapstructure:"lease_timeout_seconds"`    // Lease length granted per claim
	ReclaimIntervalSeconds int `mapstructure:"reclaim_interval_seconds"` // Expired-lease sweep interval
	DefaultPriority        int `mapstructure:"default_priority"`
	DefaultMaxRetries      int `mapstructure:"default_max_retries"`
}

// RetryConfig configures exponential backoff between failed attempts
type RetryConfig struct {
	BaseDelayMS int `mapstructure:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PublishConfig configures the service_publishing handler
type PublishConfig struct {
	Endpoint          string  `mapstructure:"endpoint"` // Hosting API base URL; empty disables the handler
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	AllowPrivateHosts bool    `mapstructure:"allow_private_hosts"` // For hosting services on the local network
}

// LogConfig configures process logging
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// Server port constants
const (
	DefaultServerPort = 8740
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// EnvPrefix is the prefix for environment overrides, e.g. OPTRACK_QUEUE_WORKERS.
const EnvPrefix = "OPTRACK"
