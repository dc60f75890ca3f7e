package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Codec hashes and verifies passwords. It is immutable after construction and
// safe for concurrent use.
type Codec struct {
	params Params
	policy Policy
}

// NewCodec builds a Codec from explicit parameters. Zero or undersized cost
// fields are raised to safe minimums.
func NewCodec(params Params, policy Policy) Codec {
	if policy.MinLength <= 0 {
		policy.MinLength = DefaultPolicy().MinLength
	}
	if policy.MaxLength <= 0 {
		policy.MaxLength = DefaultPolicy().MaxLength
	}
	return Codec{params: params.normalized(), policy: policy}
}

// Params returns the cost parameters used for new hashes.
func (c Codec) Params() Params { return c.params }

// Hash derives an Argon2id digest from password with a fresh random salt and
// returns the encoded hash string:
//
//	$argon2id$m=<memoryKiB>,t=<iterations>,p=<parallelism>$<b64 salt>$<b64 digest>
//
// Two calls with the same password produce different strings; salts are never
// reused.
//
// Hash does not apply the password policy; policy checks belong to
// registration-time validation (Validate).
func (c Codec) Hash(password string) (string, error) {
	salt := make([]byte, c.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		c.params.Iterations,
		c.params.MemoryKiB,
		c.params.Parallelism,
		c.params.KeyLength,
	)

	enc := fmt.Sprintf(
		"$argon2id$m=%d,t=%d,p=%d$%s$%s",
		c.params.MemoryKiB,
		c.params.Iterations,
		c.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	)

	return enc, nil
}

// Verify checks whether password matches the encoded hash.
// Returns (true, nil) for a match, (false, nil) for a mismatch, and
// (false, ErrCorruptHash) when the stored string cannot be decoded.
//
// The digest is recomputed with the parameters embedded in the hash, not the
// codec's current defaults, and compared in constant time.
func (c Codec) Verify(encodedHash, password string) (bool, error) {
	params, salt, expected, err := decode(encodedHash)
	if err != nil {
		return false, err
	}

	// Refuse to verify hashes whose parameters wildly exceed our configured
	// cost: a hostile record must not dictate resource usage.
	if !withinVerifyBounds(params, c.params) {
		return false, ErrCorruptHash
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		params.Iterations,
		params.MemoryKiB,
		params.Parallelism,
		uint32(len(expected)), // #nosec G115 -- bounded by withinVerifyBounds.
	)

	if subtle.ConstantTimeCompare(key, expected) == 1 {
		return true, nil
	}
	return false, nil
}

func withinVerifyBounds(got, limits Params) bool {
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	if got.KeyLength < 16 || got.KeyLength > 128 {
		return false
	}
	return true
}

// decode parses the encoded hash into params, salt, and expected digest.
// The format has exactly five $-delimited fields; any deviation is corrupt.
func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrCorruptHash
	}

	costs := strings.Split(parts[2], ",")
	if len(costs) != 3 {
		return Params{}, nil, nil, ErrCorruptHash
	}
	mem, okM := parseCost(costs[0], "m=")
	it, okT := parseCost(costs[1], "t=")
	par, okP := parseCost(costs[2], "p=")
	if !okM || !okT || !okP {
		return Params{}, nil, nil, ErrCorruptHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Params{}, nil, nil, ErrCorruptHash
	}

	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Params{}, nil, nil, ErrCorruptHash
	}
	digest, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrCorruptHash
	}

	params := Params{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)),   // #nosec G115 -- bounded by withinVerifyBounds.
		KeyLength:   uint32(len(digest)), // #nosec G115 -- bounded by withinVerifyBounds.
	}

	return params, salt, digest, nil
}

// parseCost parses one "<prefix><decimal>" cost token. The whole remainder
// must be digits: a token with residue, sign, or overflow is corrupt.
func parseCost(token, prefix string) (uint32, bool) {
	rest, ok := strings.CutPrefix(token, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
