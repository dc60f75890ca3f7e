package session

import (
	"crypto/rand"
	"encoding/base64"

	"cryptobank/cmd/security/token"
)

func newRefreshSecret(nBytes int, hasher token.Hasher) (plain string, hashHex string, err error) {
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}

	// URL-safe, no padding.
	plain = base64.RawURLEncoding.EncodeToString(b)

	hashHex = hasher.Hash(plain) // 64 hex chars

	return plain, hashHex, nil
}
