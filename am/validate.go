package am

import (
	"net/url"

	"go.uber.org/zap/zapcore"

	"github.com/teranos/optrack/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: nil = default, 0 and negative are invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	// Queue workers: 0 = submit-only node, negative = invalid
	if c.Queue.Workers < 0 {
		return errors.Newf("queue.workers must be >= 0, got %d", c.Queue.Workers)
	}
	if c.Queue.PollIntervalMS <= 0 {
		return errors.Newf("queue.poll_interval_ms must be > 0, got %d", c.Queue.PollIntervalMS)
	}
	if c.Queue.LeaseTimeoutSeconds <= 0 {
		return errors.Newf("queue.lease_timeout_seconds must be > 0, got %d", c.Queue.LeaseTimeoutSeconds)
	}
	if c.Queue.ReclaimIntervalSeconds <= 0 {
		return errors.Newf("queue.reclaim_interval_seconds must be > 0, got %d", c.Queue.ReclaimIntervalSeconds)
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return errors.Newf("queue.default_max_retries must be >= 0, got %d", c.Queue.DefaultMaxRetries)
	}

	// Retry delays: 0 base = immediate retry (valid), max must not undercut base
	if c.Retry.BaseDelayMS < 0 {
		return errors.Newf("retry.base_delay_ms must be >= 0, got %d", c.Retry.BaseDelayMS)
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return errors.Newf("retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d)",
			c.Retry.MaxDelayMS, c.Retry.BaseDelayMS)
	}

	// Publish handler only validated when configured
	if c.Publish.Endpoint != "" {
		u, err := url.Parse(c.Publish.Endpoint)
		if err != nil {
			return errors.Wrapf(err, "publish.endpoint is not a valid URL")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Newf("publish.endpoint must be http or https, got %q", u.Scheme)
		}
		if c.Publish.RequestsPerSecond <= 0 {
			return errors.Newf("publish.requests_per_second must be > 0, got %f", c.Publish.RequestsPerSecond)
		}
		if c.Publish.TimeoutSeconds <= 0 {
			return errors.Newf("publish.timeout_seconds must be > 0, got %d", c.Publish.TimeoutSeconds)
		}
	}

	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			return errors.Wrapf(err, "log.level")
		}
	}

	return nil
}
