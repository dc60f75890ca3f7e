package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AccessClaims is the identity envelope carried by a verified access token.
type AccessClaims struct {
	UserID    string
	Roles     []string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessTokenManager issues and verifies short-lived signed access tokens.
// It holds no persisted state: a pure function of the signing key and clock.
type AccessTokenManager interface {
	Issue(userID string, roles []string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

type jwtClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type hmacTokenManager struct {
	issuer    string
	audience  string
	ttl       time.Duration
	clockSkew time.Duration
	key       []byte
	parser    *jwt.Parser
}

var errUnexpectedAlg = errors.New("unexpected signing algorithm")

// NewHMACTokenManager builds an AccessTokenManager signing with HMAC-SHA-256.
//
// Verification pins the algorithm by exact name: a token claiming any other
// algorithm (including "none") fails as a bad signature. Accepting "some
// valid signature" of an attacker-chosen algorithm is a forging vector.
func NewHMACTokenManager(cfg Config) (AccessTokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)

	return &hmacTokenManager{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		key:       key,
		// Expiry is checked against the caller-supplied clock, not the
		// library's time.Now, so claims validation is disabled here.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

func (m *hmacTokenManager) Issue(userID string, roles []string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	claims := jwtClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, exp, nil
}

func (m *hmacTokenManager) Verify(tokenStr string, now time.Time) (AccessClaims, error) {
	var claims jwtClaims

	parsed, err := m.parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errUnexpectedAlg
		}
		return m.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return AccessClaims{}, ErrMalformedToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, errUnexpectedAlg):
			return AccessClaims{}, ErrSignatureInvalid
		default:
			return AccessClaims{}, ErrMalformedToken
		}
	}
	if !parsed.Valid {
		return AccessClaims{}, ErrSignatureInvalid
	}

	// Wrong issuer or audience means a token minted for another deployment.
	// Treated as forged rather than merely stale.
	if claims.Issuer != m.issuer {
		return AccessClaims{}, ErrSignatureInvalid
	}
	if !claimsHasAudience(claims.Audience, m.audience) {
		return AccessClaims{}, ErrSignatureInvalid
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return AccessClaims{}, ErrMalformedToken
	}

	if now.After(claims.ExpiresAt.Time.Add(m.clockSkew)) {
		return AccessClaims{}, ErrTokenExpired
	}

	out := AccessClaims{
		UserID:    claims.Subject,
		Roles:     claims.Roles,
		Issuer:    claims.Issuer,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}

	return out, nil
}

func claimsHasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
