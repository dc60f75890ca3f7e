package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")

	// ErrCorruptCredential reports a stored password hash that cannot be
	// decoded. It is a data error on the user record, distinct from a wrong
	// password, and must surface to operators rather than to the login form.
	ErrCorruptCredential = errors.New("corrupt_credential")
)
