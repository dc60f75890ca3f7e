package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cryptobank/cmd/identity/ids"
)

// PostgresStore implements Store over PostgreSQL.
//
// Design notes:
//   - The pgx pool is owned by the caller; this store must NOT close it.
//   - Schema/table identifiers are safely quoted to avoid SQL injection via
//     identifiers.
//   - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the user store (default
// "cryptobank"). The schema name is validated to be a legal PostgreSQL
// identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser inserts the user row and its initial roles in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email is required"}
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "password hash is required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = []Role{RoleUser}
	}

	userID, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	users := pgIdent(s.schema, "users")
	userRoles := pgIdent(s.schema, "user_roles")

	_, err = tx.Exec(ctx,
		`INSERT INTO `+users+` (
		     id, email, email_norm, password_hash, date_of_birth, registered_at
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, email, NormalizeEmail(email), in.PasswordHash, in.DateOfBirth, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	for _, role := range roles {
		_, err = tx.Exec(ctx,
			`INSERT INTO `+userRoles+` (user_id, role, created_at) VALUES ($1, $2, $3)`,
			userID, string(role), now,
		)
		if err != nil {
			return User{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return User{
		ID:           userID,
		Email:        email,
		PasswordHash: in.PasswordHash,
		DateOfBirth:  in.DateOfBirth,
		Roles:        roles,
		RegisteredAt: now,
	}, nil
}

// GetUserByEmail loads a user and its roles by normalized email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.GetUserByEmail"

	norm := NormalizeEmail(email)
	if norm == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email is required"}
	}

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, date_of_birth, registered_at
		   FROM `+users+`
		  WHERE email_norm = $1`,
		norm,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DateOfBirth, &u.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}

	if u.Roles, err = s.loadRoles(ctx, u.ID); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUserByID loads a user and its roles by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "user id is required"}
	}

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, date_of_birth, registered_at
		   FROM `+users+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DateOfBirth, &u.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}

	if u.Roles, err = s.loadRoles(ctx, u.ID); err != nil {
		return User{}, err
	}
	return u, nil
}

// HasRole reports whether any user currently holds the given role.
func (s *PostgresStore) HasRole(ctx context.Context, role Role) (bool, error) {
	userRoles := pgIdent(s.schema, "user_roles")

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+userRoles+` WHERE role = $1)`,
		string(role),
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ReplaceRoles swaps the user's role set atomically.
func (s *PostgresStore) ReplaceRoles(ctx context.Context, userID string, roles []Role, now time.Time) error {
	const op = "identity.ReplaceRoles"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "user id is required"}
	}
	if len(roles) == 0 {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "at least one role is required"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	userRoles := pgIdent(s.schema, "user_roles")

	if _, err := tx.Exec(ctx, `DELETE FROM `+userRoles+` WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, role := range roles {
		_, err := tx.Exec(ctx,
			`INSERT INTO `+userRoles+` (user_id, role, created_at) VALUES ($1, $2, $3)`,
			userID, string(role), now,
		)
		if err != nil {
			if pgIsForeignKeyViolation(err) {
				return NotFoundError{Op: op, Resource: "user"}
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) loadRoles(ctx context.Context, userID string) ([]Role, error) {
	userRoles := pgIdent(s.schema, "user_roles")

	rows, err := s.pool.Query(ctx,
		`SELECT role FROM `+userRoles+` WHERE user_id = $1 ORDER BY role`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if role, ok := ParseRole(raw); ok {
			roles = append(roles, role)
		}
	}
	return roles, rows.Err()
}

// ---- helpers ----

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names; fall back to substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_email_norm" || strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
