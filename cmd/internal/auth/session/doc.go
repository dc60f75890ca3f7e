// Package session implements the credential rotation engine.
//
// It provides a multi-device session model: opaque refresh tokens partitioned
// by (userID, deviceName), rotated exactly once each, with reuse detection
// that revokes every active token for the partition on replay. All state
// transitions commit atomically against Postgres.
//
// Access tokens are short-lived HMAC-SHA-256 JWTs and are stateless. Refresh
// secrets are opaque random strings stored hashed (HMAC-SHA-256 when a
// server-side key is configured, SHA-256 otherwise).
//
// Transport (HTTP) integration is intentionally out of scope here.
package session
