package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *CatcherConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}

	if c.CollectorURL != "" {
		u, err := url.Parse(c.CollectorURL)
		if err != nil {
			return fmt.Errorf("collector_url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("collector_url scheme must be ws or wss, got %q", u.Scheme)
		}
	}

	if c.Transport.Attempts() < UnlimitedAttempts {
		return fmt.Errorf("transport.reconnection_attempts must be -1 (unlimited) or >= 0, got %d", c.Transport.Attempts())
	}
	if c.Transport.ReconnectionTimeout < 0 {
		return errors.New("transport.reconnection_timeout must be >= 0")
	}
	if c.Transport.PingInterval > 0 && c.Transport.PingTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.ping_timeout (%v) must exceed ping_interval (%v)",
			c.Transport.PingTimeout, c.Transport.PingInterval)
	}

	return c.Metrics.validate("metrics")
}

// Validate checks that all required fields are set and values are valid.
func (c *CollectorConfig) Validate() error {
	if !strings.HasPrefix(c.Listen.WSPath, "/") {
		return fmt.Errorf("listen.ws_path must start with /, got %q", c.Listen.WSPath)
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}
	if c.Writer.BufferSize < 1 {
		return errors.New("writer.buffer_size must be >= 1")
	}

	return c.Metrics.validate("metrics")
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func (m *MetricsConfig) validate(prefix string) error {
	if !m.Enabled {
		return nil
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, m.Port)
	}
	return nil
}
