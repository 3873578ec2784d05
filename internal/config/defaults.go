package config

import "time"

// UnlimitedAttempts disables the reconnection cap.
const UnlimitedAttempts = -1

// Default values for optional configuration fields.
const (
	DefaultReconnectionTimeout = 10 * time.Second
	DefaultQueueSize           = 1000
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultPingTimeout         = 60 * time.Second
	DefaultListenAddr          = ":8080"
	DefaultWSPath              = "/ws"
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 500
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
)

func (c *CatcherConfig) applyDefaults() {
	t := &c.Transport
	if t.ReconnectionTimeout == 0 {
		t.ReconnectionTimeout = DefaultReconnectionTimeout
	}
	if t.QueueSize == 0 {
		t.QueueSize = DefaultQueueSize
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.PingInterval == 0 {
		t.PingInterval = DefaultPingInterval
	}
	if t.PingTimeout == 0 {
		t.PingTimeout = DefaultPingTimeout
	}

	applyMetricsDefaults(&c.Metrics)
}

func (c *CollectorConfig) applyDefaults() {
	if c.Listen.Addr == "" {
		c.Listen.Addr = DefaultListenAddr
	}
	if c.Listen.WSPath == "" {
		c.Listen.WSPath = DefaultWSPath
	}

	applyDBDefaults(&c.Database)

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}

	applyMetricsDefaults(&c.Metrics)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.Port == 0 {
		m.Port = DefaultMetricsPort
	}
	if m.Path == "" {
		m.Path = DefaultMetricsPath
	}
}
