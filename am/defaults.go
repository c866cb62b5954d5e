package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "optrack.db")

	// Queue: a five minute lease comfortably covers a publish round-trip
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.lease_timeout_seconds", 300)
	v.SetDefault("queue.reclaim_interval_seconds", 30)
	v.SetDefault("queue.default_priority", 5)
	v.SetDefault("queue.default_max_retries", 3)

	v.SetDefault("retry.base_delay_ms", 5000)
	v.SetDefault("retry.max_delay_ms", 600000)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)

	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.requests_per_second", 2.0)
	v.SetDefault("publish.burst", 1)
	v.SetDefault("publish.timeout_seconds", 30)
	v.SetDefault("publish.allow_private_hosts", false)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly injected by deployment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH")
	v.BindEnv("publish.endpoint", EnvPrefix+"_PUBLISH_ENDPOINT")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "optrack.db"
	}
	return c.Database.Path
}

// GetServerPort returns server.port, or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetServerAllowedOrigins returns the allowed CORS and WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// LeaseTimeout returns queue.lease_timeout_seconds as a duration
func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Queue.LeaseTimeoutSeconds) * time.Second
}

// PollInterval returns queue.poll_interval_ms as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

// ReclaimInterval returns queue.reclaim_interval_seconds as a duration
func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Queue.ReclaimIntervalSeconds) * time.Second
}

// RetryBaseDelay returns retry.base_delay_ms as a duration
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns retry.max_delay_ms as a duration
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// PublishTimeout returns publish.timeout_seconds as a duration
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Publish.TimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Queue: {Workers: %d, Lease: %s}, Retry: {Base: %s, Max: %s}}",
		c.GetDatabasePath(), c.Queue.Workers, c.LeaseTimeout(), c.RetryBaseDelay(), c.RetryMaxDelay())
}
