package identity

import (
	"context"
	"errors"
	"time"

	"cryptobank/cmd/security/password"
)

// Service implements registration and password authentication on top of a
// Store and the password codec. It holds no mutable state and is safe for
// concurrent use.
type Service struct {
	store Store
	codec password.Codec

	// adminEmail grants the Administrator role to the first matching
	// registration while no administrator exists yet (bootstrap).
	adminEmail string

	// dummyHash keeps login latency stable when the user does not exist.
	dummyHash string
}

// NewService constructs a Service. adminEmail may be empty to disable the
// administrator bootstrap.
func NewService(store Store, codec password.Codec, adminEmail string) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: nil store")
	}

	s := &Service{
		store:      store,
		codec:      codec,
		adminEmail: NormalizeEmail(adminEmail),
	}

	// Pre-compute a hash to verify against for unknown users, so a missing
	// account costs the same as a wrong password.
	if h, err := codec.Hash("dummy-password-for-timing-only"); err == nil {
		s.dummyHash = h
	}

	return s, nil
}

// Register validates the password policy, hashes the password, and creates
// the user. The first registration matching the configured administrator
// email receives the Administrator role while none exists.
func (s *Service) Register(ctx context.Context, email, plaintext string, dateOfBirth *time.Time, now time.Time) (User, error) {
	const op = "identity.Register"

	if err := s.codec.Validate(plaintext); err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	hash, err := s.codec.Hash(plaintext)
	if err != nil {
		return User{}, err
	}

	role := RoleUser
	if s.adminEmail != "" && NormalizeEmail(email) == s.adminEmail {
		hasAdmin, err := s.store.HasRole(ctx, RoleAdministrator)
		if err != nil {
			return User{}, err
		}
		if !hasAdmin {
			role = RoleAdministrator
		}
	}

	return s.store.CreateUser(ctx, CreateUserInput{
		Email:        email,
		PasswordHash: hash,
		DateOfBirth:  dateOfBirth,
		Roles:        []Role{role},
		Now:          now,
	})
}

// Authenticate verifies email+password and returns the user on success.
//
// Failure contract:
//   - unknown user or wrong password -> NotFoundError (callers present a
//     generic "invalid credentials" message; the two cases are deliberately
//     indistinguishable, including in timing)
//   - undecodable stored hash -> ErrCorruptCredential (never a 401)
func (s *Service) Authenticate(ctx context.Context, email, plaintext string) (User, error) {
	const op = "identity.Authenticate"

	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if IsNotFound(err) {
			// Burn comparable CPU before failing.
			if s.dummyHash != "" {
				_, _ = s.codec.Verify(s.dummyHash, plaintext)
			}
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, err
	}

	ok, err := s.codec.Verify(u.PasswordHash, plaintext)
	if err != nil {
		if errors.Is(err, password.ErrCorruptHash) {
			return User{}, OpError{Op: op, Kind: ErrCorruptCredential, Msg: "stored password hash undecodable"}
		}
		return User{}, err
	}
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}

	return u, nil
}
