package api

import (
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"cryptobank/cmd/identity"
	"cryptobank/cmd/internal/auth/session"
)

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Email:        u.Email,
		Roles:        identity.RoleStrings(u.Roles),
		DateOfBirth:  u.DateOfBirth,
		RegisteredAt: u.RegisteredAt,
	}
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshSecret,
		RefreshExpiresAt: issued.RefreshExp,
	}
}

// deviceName resolves the session partition key for a request: the explicit
// device_name field when present, the User-Agent header otherwise. The same
// logical client must send the same value across calls or rotation will never
// find its active token. Empty is a valid partition. The value is truncated
// to maxBytes before it reaches storage.
func deviceName(r *http.Request, explicit string, maxBytes int) string {
	name := strings.TrimSpace(explicit)
	if name == "" {
		name = strings.TrimSpace(r.UserAgent())
	}
	return truncateUTF8(name, maxBytes)
}

// truncateUTF8 cuts s to at most maxBytes without splitting a rune: the
// result must stay valid UTF-8 or Postgres rejects it as a text value.
func truncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
