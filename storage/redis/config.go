package redis

import (
	"errors"
	"time"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces every key written by the store.
	DefaultKeyPrefix = "oauth:"
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate with Redis ACLs (both optional).
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix for multi-tenancy, e.g. "oauth:prod:". Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.DB < 0 {
		return errors.New("redis database index cannot be negative")
	}
	return nil
}
