package session

import (
	"context"
	"strings"
	"time"

	"cryptobank/cmd/identity"
	"cryptobank/cmd/identity/ids"
	"cryptobank/cmd/security/token"
)

// UserDirectory resolves user records at token-issuance time. Roles are read
// here and never mutated by this package.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (identity.User, error)
}

// Service implements the session rotation engine.
//
// It issues access/refresh pairs per (userID, deviceName) partition, enforces
// the single-active-refresh-token invariant, detects reuse of rotated or
// expired refresh secrets, and commits all mutations atomically. The only
// shared mutable state is the database behind Store; every call is an
// independent unit of work and safe for concurrent use.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
	users  UserDirectory
	hasher token.Hasher
}

// Issued is the result of issuing or rotating a session. RefreshSecret is
// handed to the caller exactly once and never persisted in plaintext.
type Issued struct {
	TokenID       string
	AccessToken   string
	AccessExp     time.Time
	RefreshSecret string
	RefreshExp    time.Time
}

// NewService constructs the rotation engine. The configuration is validated
// eagerly so a bad signing key or TTL fails at startup.
func NewService(cfg Config, store Store, users UserDirectory, tokens AccessTokenManager, hasher token.Hasher) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, tokens: tokens, store: store, users: users, hasher: hasher}, nil
}

// VerifyAccessToken verifies a stateless access token. No storage is
// consulted: revocation applies to refresh tokens only, which is why the
// access TTL is kept short.
func (s *Service) VerifyAccessToken(tokenStr string, now time.Time) (AccessClaims, error) {
	return s.tokens.Verify(tokenStr, now)
}

// IssueSession starts a new session for an authenticated user on a device.
//
// The previous active token for the partition, if any, is revoked and linked
// to the new one: a fresh login on a device supersedes the old session there
// rather than accumulating credentials. Expired rows for the partition are
// purged in the same transaction.
func (s *Service) IssueSession(ctx context.Context, now time.Time, user identity.User, deviceName string) (Issued, error) {
	secret, secretHash, err := newRefreshSecret(s.cfg.RefreshSecretBytes, s.hasher)
	if err != nil {
		return Issued{}, err
	}

	tokenID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	// Access-token minting is pure CPU work and stays outside the transaction.
	accessToken, accessExp, err := s.tokens.Issue(user.ID, identity.RoleStrings(user.Roles), now)
	if err != nil {
		return Issued{}, err
	}

	refreshExp := now.Add(s.cfg.RefreshTokenTTL)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		prev, hadPrev, err := tx.FindActiveByDevice(ctx, now, user.ID, deviceName)
		if err != nil {
			return err
		}

		if err := tx.Create(ctx, RefreshToken{
			ID:         tokenID,
			UserID:     user.ID,
			DeviceName: deviceName,
			SecretHash: secretHash,
			CreatedAt:  now,
			ExpiresAt:  refreshExp,
		}); err != nil {
			return err
		}

		if hadPrev {
			// Rotation, not reuse: the login legitimately supersedes the
			// previous session on this device.
			if _, err := tx.Revoke(ctx, prev.ID, &tokenID); err != nil {
				return err
			}
		}

		return tx.DeleteExpired(ctx, now, user.ID, deviceName)
	})
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		TokenID:       tokenID,
		AccessToken:   accessToken,
		AccessExp:     accessExp,
		RefreshSecret: secret,
		RefreshExp:    refreshExp,
	}, nil
}

// RotateSession exchanges a presented refresh secret for a fresh access and
// refresh pair.
//
// Reuse model: the presented secret is matched regardless of state. A hit on
// a revoked or expired row means an old credential is being replayed, either
// a stolen token the legitimate client already rotated past, or an attacker
// racing one. The response is asymmetric: every active token for the
// (userID, deviceName) partition is revoked, the revocation is committed, and
// the call fails with ErrReuseDetected. That failure must never be retried
// automatically.
//
// A conditional revoke that hits zero rows (two rotations racing on the same
// still-active token) falls under the same rule: from the loser's view the
// token it presented is no longer active. A legitimate double-submit pays
// with a forced re-login, which is the accepted cost of closing the
// concurrent-theft race.
func (s *Service) RotateSession(ctx context.Context, now time.Time, presentedSecret, deviceName string) (Issued, error) {
	presentedSecret = strings.TrimSpace(presentedSecret)
	// Sanity bounds against pathological inputs.
	if presentedSecret == "" || len(presentedSecret) > 4096 {
		return Issued{}, ErrInvalidToken
	}

	secretHash := s.hasher.Hash(presentedSecret)

	newSecret, newSecretHash, err := newRefreshSecret(s.cfg.RefreshSecretBytes, s.hasher)
	if err != nil {
		return Issued{}, err
	}

	newID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	refreshExp := now.Add(s.cfg.RefreshTokenTTL)

	var (
		reuse  bool
		issued Issued
	)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		row, ok, err := tx.FindBySecretHash(ctx, secretHash, deviceName)
		if err != nil {
			return err
		}
		if !ok {
			// Unknown secret: plain invalid credential, nothing to revoke.
			return ErrInvalidToken
		}

		if !row.Active(now) {
			// Reuse of a rotated or expired token. The revocation must
			// commit even though the call fails, so the reuse outcome is
			// reported through the flag rather than an error.
			if _, err := tx.RevokeAllActive(ctx, row.UserID, deviceName); err != nil {
				return err
			}
			reuse = true
			return nil
		}

		revoked, err := tx.Revoke(ctx, row.ID, &newID)
		if err != nil {
			return err
		}
		if !revoked {
			// Double-submit race: a concurrent transaction consumed this
			// token first. Same penalty as replay.
			if _, err := tx.RevokeAllActive(ctx, row.UserID, deviceName); err != nil {
				return err
			}
			reuse = true
			return nil
		}

		if err := tx.Create(ctx, RefreshToken{
			ID:         newID,
			UserID:     row.UserID,
			DeviceName: deviceName,
			SecretHash: newSecretHash,
			CreatedAt:  now,
			ExpiresAt:  refreshExp,
		}); err != nil {
			return err
		}

		if err := tx.DeleteExpired(ctx, now, row.UserID, deviceName); err != nil {
			return err
		}

		// Roles are read at issuance time from the user record.
		user, err := s.users.GetUserByID(ctx, row.UserID)
		if err != nil {
			return err
		}

		accessToken, accessExp, err := s.tokens.Issue(user.ID, identity.RoleStrings(user.Roles), now)
		if err != nil {
			return err
		}

		issued = Issued{
			TokenID:       newID,
			AccessToken:   accessToken,
			AccessExp:     accessExp,
			RefreshSecret: newSecret,
			RefreshExp:    refreshExp,
		}
		return nil
	})
	if err != nil {
		return Issued{}, err
	}
	if reuse {
		return Issued{}, ErrReuseDetected
	}

	return issued, nil
}

// RevokeDevice revokes every active token for one (userID, deviceName)
// partition (logout from a device). Idempotent.
func (s *Service) RevokeDevice(ctx context.Context, userID, deviceName string) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.RevokeAllActive(ctx, userID, deviceName)
		return err
	})
}
