package ingest

import "time"

// Config holds ingest server configuration.
type Config struct {
	Addr string

	// RateLimit is the sustained per-client request rate; RateBurst is the
	// bucket size.
	RateLimit float64
	RateBurst int

	MaxBodyBytes        int64
	MaxSnapshotBytes    int
	MaxConnections      int
	MaxConnectionsPerIP int

	// Token, when set, is required as a bearer token on reviewer routes.
	Token string

	// SigningSecret, when set, makes X-Examguard-Signature mandatory on
	// every report.
	SigningSecret string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:                "127.0.0.1:8787",
		RateLimit:           20,
		RateBurst:           40,
		MaxBodyBytes:        8 << 20,
		MaxSnapshotBytes:    5 << 20,
		MaxConnections:      512,
		MaxConnectionsPerIP: 32,
		ReadTimeout:         15 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         60 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxSnapshotBytes <= 0 {
		c.MaxSnapshotBytes = d.MaxSnapshotBytes
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}
