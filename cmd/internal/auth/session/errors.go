package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a refresh secret matches no row, or the
	// session must be treated as dead. API layers map it to a generic 401.
	ErrInvalidToken = errors.New("invalid token")

	// ErrReuseDetected is returned when a rotated or expired refresh secret is
	// presented again. It wraps ErrInvalidToken: callers that only care about
	// "re-authenticate" match ErrInvalidToken, while audit/metrics code can
	// match ErrReuseDetected for the mass-revocation incident. Never retry it.
	ErrReuseDetected = fmt.Errorf("refresh token reuse detected: %w", ErrInvalidToken)

	// ErrSignatureInvalid is returned when an access token carries a bad or
	// wrongly-algorithmed signature.
	ErrSignatureInvalid = errors.New("access token signature invalid")

	// ErrTokenExpired is returned for a well-formed, well-signed access token
	// past its expiry. Callers should refresh.
	ErrTokenExpired = errors.New("access token expired")

	// ErrMalformedToken is returned when an access token cannot be parsed.
	ErrMalformedToken = errors.New("malformed access token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)

// StoreError wraps infrastructure failures (connection loss, timeouts, failed
// rollbacks). It is the retryable class: callers may retry with backoff,
// unlike ErrReuseDetected which is terminal.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("%s: store failure: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }

// IsStoreFailure reports whether err is (or wraps) a StoreError.
func IsStoreFailure(err error) bool {
	var se StoreError
	return errors.As(err, &se)
}
