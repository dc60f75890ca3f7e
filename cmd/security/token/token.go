package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// MinHMACKeyBytes is the minimum accepted HMAC key size.
// 32 bytes matches the HMAC-SHA256 block-derived recommendation.
const MinHMACKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher hashes opaque secrets for server-side storage. The zero value hashes
// with plain SHA-256 (dev mode).
type Hasher struct {
	key []byte
}

// NewHasher builds a keyed Hasher. An empty key yields the SHA-256 fallback;
// a non-empty key shorter than MinHMACKeyBytes is rejected.
func NewHasher(key []byte) (Hasher, error) {
	if len(key) == 0 {
		return Hasher{}, nil
	}
	if len(key) < MinHMACKeyBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	return Hasher{key: k}, nil
}

// NewRequiredHasher builds a Hasher that refuses to operate without a key.
// Deployments that enforce HMAC-at-rest use this constructor at startup.
func NewRequiredHasher(key []byte) (Hasher, error) {
	if len(key) == 0 {
		return Hasher{}, ErrHMACKeyMissing
	}
	return NewHasher(key)
}

// HMACEnabled reports whether the hasher is in keyed mode.
func (h Hasher) HMACEnabled() bool { return len(h.key) > 0 }

// Hash returns the at-rest form of secret: HMAC-SHA256 when keyed, SHA-256
// otherwise. Output is always 64 hex chars.
func (h Hasher) Hash(secret string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(secret)
	}
	return HashHMACSHA256Hex(secret, h.key)
}
