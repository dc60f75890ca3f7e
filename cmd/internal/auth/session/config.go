package session

import "time"

// Config defines all runtime configuration for the session subsystem.
//
// It controls access-token TTL, refresh-token TTL, clock skew tolerance,
// refresh entropy size, and the HMAC signing key for access tokens.
//
// The struct is immutable after construction and passed explicitly into
// constructors; there is no process-wide mutable options state.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// Audience is the value set in the "aud" claim of access tokens.
	Audience string

	// AccessTokenTTL defines the lifetime of signed access tokens.
	// Deliberately short (minutes) so a stolen access token has a small
	// blast radius.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defines the lifetime of opaque refresh tokens (days).
	RefreshTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during access-token validation.
	ClockSkew time.Duration

	// RefreshSecretBytes defines the number of random bytes used to generate
	// opaque refresh secrets. Minimum 32.
	RefreshSecretBytes int

	// SigningKey is the symmetric HMAC-SHA-256 key for access tokens.
	// Loaded once at startup, read-only afterwards.
	SigningKey []byte
}

// DefaultConfig returns a secure default configuration suitable for
// development. The signing key is intentionally absent and must be supplied.
func DefaultConfig() Config {
	return Config{
		Issuer:             "cryptobank",
		Audience:           "cryptobank-api",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    7 * 24 * time.Hour,
		ClockSkew:          30 * time.Second,
		RefreshSecretBytes: 32,
	}
}

// Validate checks the configuration invariants. It returns ErrConfig on any
// violation so deployments fail fast at startup rather than at first login.
func (c Config) Validate() error {
	if c.Issuer == "" || c.Audience == "" {
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return ErrConfig
	}
	// Refresh tokens must outlive access tokens or rotation is pointless.
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return ErrConfig
	}
	if c.ClockSkew < 0 {
		return ErrConfig
	}
	if c.RefreshSecretBytes < 32 || c.RefreshSecretBytes > 64 {
		return ErrConfig
	}
	if len(c.SigningKey) < 32 {
		return ErrConfig
	}
	return nil
}
