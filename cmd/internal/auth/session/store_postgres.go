package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL (refresh_tokens table).
//
// The pgx pool is owned by the caller; this store must not close it. Every
// unit of work runs in an explicit read-committed transaction; row locks
// (SELECT ... FOR UPDATE) plus the conditional revoke make rotation safe
// under concurrent presentation of the same secret.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the token store (default
// "cryptobank"). The schema name is validated to be a legal PostgreSQL
// identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("session: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "cryptobank",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

// InTx runs fn inside a single read-committed transaction. The transaction
// commits only when fn returns nil; on error or panic everything rolls back.
// Commit and rollback failures surface as StoreError so they are never
// silently swallowed.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	const op = "session.InTx"

	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return StoreError{Op: op, Err: err}
	}

	done := false
	defer func() {
		if !done {
			_ = pgtx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgStoreTx{tx: pgtx, table: pgIdent(s.schema, "refresh_tokens")}); err != nil {
		done = true
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return StoreError{Op: op, Err: errors.Join(rbErr, err)}
		}
		return err
	}

	done = true
	if err := pgtx.Commit(ctx); err != nil {
		return StoreError{Op: op, Err: err}
	}
	return nil
}

type pgStoreTx struct {
	tx    pgx.Tx
	table string
}

func (t *pgStoreTx) Create(ctx context.Context, tok RefreshToken) error {
	const op = "session.Create"

	_, err := t.tx.Exec(ctx, `
		INSERT INTO `+t.table+` (
			id, user_id, device_name, secret_hash,
			created_at, expires_at, is_revoked, replaced_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tok.ID, tok.UserID, tok.DeviceName, tok.SecretHash,
		tok.CreatedAt, tok.ExpiresAt, tok.Revoked, tok.ReplacedBy)
	if err != nil {
		return StoreError{Op: op, Err: err}
	}
	return nil
}

const refreshTokenColumns = `
	id, user_id, device_name, secret_hash,
	created_at, expires_at, is_revoked, replaced_by`

func scanRefreshToken(row pgx.Row) (RefreshToken, error) {
	var tok RefreshToken
	err := row.Scan(
		&tok.ID,
		&tok.UserID,
		&tok.DeviceName,
		&tok.SecretHash,
		&tok.CreatedAt,
		&tok.ExpiresAt,
		&tok.Revoked,
		&tok.ReplacedBy,
	)
	return tok, err
}

func (t *pgStoreTx) FindActiveByDevice(ctx context.Context, now time.Time, userID, deviceName string) (RefreshToken, bool, error) {
	const op = "session.FindActiveByDevice"

	tok, err := scanRefreshToken(t.tx.QueryRow(ctx, `
		SELECT`+refreshTokenColumns+`
		FROM `+t.table+`
		WHERE user_id = $1 AND device_name = $2
		  AND NOT is_revoked AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, userID, deviceName, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, false, nil
	}
	if err != nil {
		return RefreshToken{}, false, StoreError{Op: op, Err: err}
	}
	return tok, true, nil
}

func (t *pgStoreTx) FindBySecretHash(ctx context.Context, secretHash, deviceName string) (RefreshToken, bool, error) {
	const op = "session.FindBySecretHash"

	tok, err := scanRefreshToken(t.tx.QueryRow(ctx, `
		SELECT`+refreshTokenColumns+`
		FROM `+t.table+`
		WHERE secret_hash = $1 AND device_name = $2
		FOR UPDATE
	`, secretHash, deviceName))
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, false, nil
	}
	if err != nil {
		return RefreshToken{}, false, StoreError{Op: op, Err: err}
	}
	return tok, true, nil
}

func (t *pgStoreTx) Revoke(ctx context.Context, tokenID string, replacedBy *string) (bool, error) {
	const op = "session.Revoke"

	tag, err := t.tx.Exec(ctx, `
		UPDATE `+t.table+`
		SET is_revoked = TRUE,
		    replaced_by = $2
		WHERE id = $1 AND NOT is_revoked
	`, tokenID, replacedBy)
	if err != nil {
		return false, StoreError{Op: op, Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgStoreTx) RevokeAllActive(ctx context.Context, userID, deviceName string) (int64, error) {
	const op = "session.RevokeAllActive"

	tag, err := t.tx.Exec(ctx, `
		UPDATE `+t.table+`
		SET is_revoked = TRUE
		WHERE user_id = $1 AND device_name = $2 AND NOT is_revoked
	`, userID, deviceName)
	if err != nil {
		return 0, StoreError{Op: op, Err: err}
	}
	return tag.RowsAffected(), nil
}

func (t *pgStoreTx) DeleteExpired(ctx context.Context, now time.Time, userID, deviceName string) error {
	const op = "session.DeleteExpired"

	_, err := t.tx.Exec(ctx, `
		DELETE FROM `+t.table+`
		WHERE user_id = $1 AND device_name = $2 AND expires_at <= $3
	`, userID, deviceName, now)
	if err != nil {
		return StoreError{Op: op, Err: err}
	}
	return nil
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
