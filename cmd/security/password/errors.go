package password

import "errors"

// Public, stable errors for callers.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")

	// ErrCorruptHash reports a stored hash that cannot be decoded: wrong field
	// count, non-numeric parameters, or invalid base64. It is a data error and
	// must never be collapsed into a plain "wrong password" result.
	ErrCorruptHash = errors.New("corrupt password hash")
)
