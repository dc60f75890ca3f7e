package app

import (
	"errors"
	"fmt"

	"cryptobank/cmd/security/password"
	"cryptobank/cmd/security/token"
)

// newSecretHasher builds the hasher used for refresh secrets at rest.
//
// Fail-fast is intentional: silently falling back to weaker hashing in a
// deployment that mandates HMAC is unacceptable.
func newSecretHasher(cfg Config) (token.Hasher, error) {
	key := []byte(cfg.TokenHMACKey)

	if cfg.RequireTokenHMAC {
		h, err := token.NewRequiredHasher(key)
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, errors.New("security policy: CRYPTOBANK_REQUIRE_TOKEN_HMAC=true but CRYPTOBANK_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, fmt.Errorf("security policy: CRYPTOBANK_TOKEN_HMAC_KEY is too short (min %d bytes)", token.MinHMACKeyBytes)
		case err != nil:
			return token.Hasher{}, err
		}
		if !h.HMACEnabled() {
			return token.Hasher{}, errors.New("security policy: token hasher is not in HMAC mode")
		}
		return h, nil
	}

	return token.NewHasher(key)
}

// newPasswordCodec builds the Argon2id codec from configured cost parameters.
// Salt and key lengths are not configurable; the defaults are correct.
func newPasswordCodec(cfg Config) password.Codec {
	params := password.DefaultParams()
	if cfg.Argon2MemoryKiB > 0 {
		params.MemoryKiB = cfg.Argon2MemoryKiB
	}
	if cfg.Argon2Iterations > 0 {
		params.Iterations = cfg.Argon2Iterations
	}
	if cfg.Argon2Parallelism > 0 {
		params.Parallelism = cfg.Argon2Parallelism
	}
	return password.NewCodec(params, password.DefaultPolicy())
}
