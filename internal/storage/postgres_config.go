package storage

import "time"

// PostgresConfig describes how the store initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	// ApplySchema creates the streams and rtmp_keys tables when missing.
	ApplySchema bool
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.ApplicationName == "" {
		c.ApplicationName = "bitriver-ingest"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}
