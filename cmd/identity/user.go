package identity

import (
	"strings"
	"time"
)

// Role is a coarse authorization label attached to a user.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleAnalyst       Role = "Analyst"
	RoleUser          Role = "User"
)

// ParseRole maps a stored/inbound label onto a known Role.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(s)) {
	case RoleAdministrator:
		return RoleAdministrator, true
	case RoleAnalyst:
		return RoleAnalyst, true
	case RoleUser:
		return RoleUser, true
	default:
		return "", false
	}
}

// RoleStrings converts a role set to its wire representation.
func RoleStrings(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

// User is cryptobank's canonical security principal.
//
// PasswordHash is the self-describing Argon2id string produced by
// cmd/security/password; it is the only credential material persisted.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	DateOfBirth  *time.Time
	Roles        []Role

	RegisteredAt time.Time
}

// NormalizeEmail performs case-insensitive canonicalization for lookups and
// uniqueness.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
