package config

import "time"

// CatcherConfig is the root configuration for a catcher.
type CatcherConfig struct {
	Token        string          `yaml:"token"`         // Integration token
	CollectorURL string          `yaml:"collector_url"` // Overrides the endpoint derived from the token
	Release      string          `yaml:"release"`
	Transport    TransportConfig `yaml:"transport"`
	Identity     IdentityConfig  `yaml:"identity"`
	Metrics      MetricsConfig   `yaml:"metrics"`
}

// TransportConfig holds delivery channel settings.
type TransportConfig struct {
	// ReconnectionAttempts caps reconnection attempts. Unset or -1 means
	// unlimited; 0 disables reconnection.
	ReconnectionAttempts *int          `yaml:"reconnection_attempts"`
	ReconnectionTimeout  time.Duration `yaml:"reconnection_timeout"`
	QueueSize            int           `yaml:"queue_size"` // Negative means unbounded
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
}

// Attempts returns the reconnection cap with the unset case resolved.
func (t TransportConfig) Attempts() int {
	if t.ReconnectionAttempts == nil {
		return UnlimitedAttempts
	}
	return *t.ReconnectionAttempts
}

// MaxQueue returns the queue bound, where 0 means unbounded.
func (t TransportConfig) MaxQueue() int {
	if t.QueueSize < 0 {
		return 0
	}
	return t.QueueSize
}

// IdentityConfig locates the persisted user identifier.
type IdentityConfig struct {
	Path string `yaml:"path"` // Empty keeps the identifier in memory
}

// CollectorConfig is the root configuration for the reference collector.
type CollectorConfig struct {
	Listen   ListenConfig  `yaml:"listen"`
	Database DBConfig      `yaml:"database"`
	Writer   WriterConfig  `yaml:"writer"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ListenConfig holds the collector's HTTP listener settings.
type ListenConfig struct {
	Addr   string `yaml:"addr"`
	WSPath string `yaml:"ws_path"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}
