// Package token provides hashing primitives for opaque session secrets.
//
// It is the single source of truth for refresh-secret at-rest hashing.
//
// Design goals:
//   - Default dev mode: SHA-256(secret) when no HMAC key is configured.
//   - Production mode: HMAC-SHA256(secret, key), keyed with a startup-loaded
//     secret so a leaked database dump alone cannot be replayed.
//   - Stable 64-char hex output suitable for indexed storage and exact-match
//     lookup.
//
// The key is passed explicitly at construction; this package never reads the
// environment.
package token
