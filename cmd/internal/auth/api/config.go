package api

import "time"

// Config controls auth API behavior and security defaults.
//
// Values are plain data filled by the app layer from the environment; this
// package never reads env vars itself.
type Config struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing for client IPs.
	TrustProxy bool

	// MaxBodyBytes caps request body size for JSON endpoints.
	MaxBodyBytes int64

	// MaxDeviceNameBytes bounds the caller-supplied device name before it
	// becomes a storage partition key. Longer values are truncated, keeping
	// partition cardinality and row width in check.
	MaxDeviceNameBytes int

	// Login throttling windows, backed by audit-log counts.
	LoginIPMax            int
	LoginIPWindow         time.Duration
	LoginIdentifierMax    int
	LoginIdentifierWindow time.Duration
}

// DefaultConfig returns safe defaults for development.
func DefaultConfig() Config {
	return Config{
		TrustProxy:            false,
		MaxBodyBytes:          1 << 20, // 1 MiB
		MaxDeviceNameBytes:    256,
		LoginIPMax:            20,
		LoginIPWindow:         5 * time.Minute,
		LoginIdentifierMax:    5,
		LoginIdentifierWindow: 15 * time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.MaxDeviceNameBytes <= 0 {
		c.MaxDeviceNameBytes = 256
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = 5 * time.Minute
	}
	if c.LoginIdentifierWindow <= 0 {
		c.LoginIdentifierWindow = 15 * time.Minute
	}
	return c
}
