// Package identity implements cryptobank's user principal foundation.
//
// It owns the User entity, role labels, registration (password hashing via
// cmd/security/password), and the Postgres-backed user store consumed by the
// auth layer.
//
// This package is intentionally dependency-light and security-first.
package identity
