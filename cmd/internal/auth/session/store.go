package session

import (
	"context"
	"time"
)

// RefreshToken is one outstanding or historical session credential.
//
// The raw secret handed to the client is never persisted; only its hash is.
// ReplacedBy links a rotated token to its successor, forming an audit chain.
type RefreshToken struct {
	ID         string
	UserID     string
	DeviceName string
	SecretHash string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	ReplacedBy *string
}

// Active reports whether the token is consumable at the given instant:
// not revoked and not past expiry.
func (t RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

// Tx is the per-transaction query surface over refresh tokens. All mutations
// issued through a Tx become visible only when the enclosing InTx callback
// returns nil; any error rolls everything back.
type Tx interface {
	// Create inserts a new refresh-token row.
	Create(ctx context.Context, tok RefreshToken) error

	// FindActiveByDevice returns the single non-revoked, non-expired row for
	// the (userID, deviceName) partition, locking it against concurrent
	// rotation. ok is false when the partition has no active token.
	FindActiveByDevice(ctx context.Context, now time.Time, userID, deviceName string) (tok RefreshToken, ok bool, err error)

	// FindBySecretHash returns the row matching (secretHash, deviceName)
	// regardless of state, locking it. Revoked and expired rows are returned
	// too: presenting one is the reuse signal the engine acts on.
	FindBySecretHash(ctx context.Context, secretHash, deviceName string) (tok RefreshToken, ok bool, err error)

	// Revoke marks a single row revoked and links its successor. The update
	// is conditional on the row still being unrevoked; revoked reports
	// whether this call won. A false result means another transaction
	// consumed the token first (the double-submit race).
	Revoke(ctx context.Context, tokenID string, replacedBy *string) (revoked bool, err error)

	// RevokeAllActive revokes every unrevoked row for the (userID,
	// deviceName) partition and returns the number of rows hit. Idempotent.
	RevokeAllActive(ctx context.Context, userID, deviceName string) (int64, error)

	// DeleteExpired purges rows for the partition whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time, userID, deviceName string) error
}

// Store opens transactional units of work over refresh-token state.
//
// Implementations must run fn inside a single database transaction with at
// least read-committed isolation, commit when fn returns nil, and roll back
// otherwise. Commit and rollback failures surface as StoreError.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
