package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cryptobank/cmd/identity"
	"cryptobank/cmd/security/token"
)

// memStore is an in-memory Store with real transaction semantics: mutations
// stage against a copy and become visible only when the callback returns nil.
type memStore struct {
	mu   sync.Mutex
	rows map[string]RefreshToken

	// revokeLoses makes the next conditional revoke report zero rows,
	// simulating a concurrent transaction consuming the token first.
	revokeLoses bool
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]RefreshToken{}}
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]RefreshToken, len(s.rows))
	for k, v := range s.rows {
		staged[k] = v
	}

	if err := fn(ctx, &memTx{store: s, rows: staged}); err != nil {
		return err
	}

	s.rows = staged
	return nil
}

func (s *memStore) snapshot() []RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RefreshToken, 0, len(s.rows))
	for _, v := range s.rows {
		out = append(out, v)
	}
	return out
}

type memTx struct {
	store *memStore
	rows  map[string]RefreshToken
}

func (t *memTx) Create(_ context.Context, tok RefreshToken) error {
	t.rows[tok.ID] = tok
	return nil
}

func (t *memTx) FindActiveByDevice(_ context.Context, now time.Time, userID, deviceName string) (RefreshToken, bool, error) {
	var (
		best  RefreshToken
		found bool
	)
	for _, tok := range t.rows {
		if tok.UserID != userID || tok.DeviceName != deviceName || !tok.Active(now) {
			continue
		}
		if !found || tok.CreatedAt.After(best.CreatedAt) {
			best = tok
			found = true
		}
	}
	return best, found, nil
}

func (t *memTx) FindBySecretHash(_ context.Context, secretHash, deviceName string) (RefreshToken, bool, error) {
	for _, tok := range t.rows {
		if tok.SecretHash == secretHash && tok.DeviceName == deviceName {
			return tok, true, nil
		}
	}
	return RefreshToken{}, false, nil
}

func (t *memTx) Revoke(_ context.Context, tokenID string, replacedBy *string) (bool, error) {
	if t.store.revokeLoses {
		t.store.revokeLoses = false
		return false, nil
	}
	tok, ok := t.rows[tokenID]
	if !ok || tok.Revoked {
		return false, nil
	}
	tok.Revoked = true
	tok.ReplacedBy = replacedBy
	t.rows[tokenID] = tok
	return true, nil
}

func (t *memTx) RevokeAllActive(_ context.Context, userID, deviceName string) (int64, error) {
	var n int64
	for id, tok := range t.rows {
		if tok.UserID != userID || tok.DeviceName != deviceName || tok.Revoked {
			continue
		}
		tok.Revoked = true
		t.rows[id] = tok
		n++
	}
	return n, nil
}

func (t *memTx) DeleteExpired(_ context.Context, now time.Time, userID, deviceName string) error {
	for id, tok := range t.rows {
		if tok.UserID == userID && tok.DeviceName == deviceName && !tok.ExpiresAt.After(now) {
			delete(t.rows, id)
		}
	}
	return nil
}

type userDir map[string]identity.User

func (d userDir) GetUserByID(_ context.Context, userID string) (identity.User, error) {
	u, ok := d[userID]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "test.GetUserByID", Resource: "user"}
	}
	return u, nil
}

func newTestEngine(t *testing.T, store Store) (*Service, identity.User) {
	t.Helper()

	user := identity.User{ID: "01HTESTUSER00000000000000A", Roles: []identity.Role{identity.RoleUser}}

	hasher, err := token.NewHasher(nil)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	svc, err := NewService(validTestConfig(), store, userDir{user.ID: user}, newTestManager(t), hasher)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, user
}

func activeFor(store *memStore, now time.Time, userID, deviceName string) []RefreshToken {
	var out []RefreshToken
	for _, tok := range store.snapshot() {
		if tok.UserID == userID && tok.DeviceName == deviceName && tok.Active(now) {
			out = append(out, tok)
		}
	}
	return out
}

func TestIssueSession_FirstLogin(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if issued.RefreshSecret == "" || issued.AccessToken == "" {
		t.Fatalf("missing credentials in result")
	}

	claims, err := svc.VerifyAccessToken(issued.AccessToken, now)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.UserID != user.ID {
		t.Fatalf("subject mismatch: %q", claims.UserID)
	}

	active := activeFor(store, now, user.ID, "deviceX")
	if len(active) != 1 {
		t.Fatalf("expected exactly one active token, got %d", len(active))
	}
	if active[0].ID != issued.TokenID {
		t.Fatalf("active token is not the issued one")
	}
	if !issued.RefreshExp.Equal(now.Add(validTestConfig().RefreshTokenTTL)) {
		t.Fatalf("refresh expiry mismatch: %v", issued.RefreshExp)
	}
}

func TestIssueSession_SupersedesPreviousLogin(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	first, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	second, err := svc.IssueSession(ctx, now.Add(time.Minute), user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	active := activeFor(store, now.Add(time.Minute), user.ID, "deviceX")
	if len(active) != 1 || active[0].ID != second.TokenID {
		t.Fatalf("expected single active token %s, got %v", second.TokenID, active)
	}

	for _, tok := range store.snapshot() {
		if tok.ID != first.TokenID {
			continue
		}
		if !tok.Revoked {
			t.Fatalf("first token must be revoked after second login")
		}
		if tok.ReplacedBy == nil || *tok.ReplacedBy != second.TokenID {
			t.Fatalf("first token must link its successor")
		}
	}
}

func TestRotateSession_RotationChain(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	first, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	later := now.Add(10 * time.Minute)
	second, err := svc.RotateSession(ctx, later, first.RefreshSecret, "deviceX")
	if err != nil {
		t.Fatalf("RotateSession: %v", err)
	}
	if second.RefreshSecret == first.RefreshSecret {
		t.Fatalf("rotation must mint a fresh secret")
	}

	active := activeFor(store, later, user.ID, "deviceX")
	if len(active) != 1 || active[0].ID != second.TokenID {
		t.Fatalf("expected successor to be the only active token")
	}

	for _, tok := range store.snapshot() {
		if tok.ID != first.TokenID {
			continue
		}
		if !tok.Revoked || tok.ReplacedBy == nil || *tok.ReplacedBy != second.TokenID {
			t.Fatalf("rotated token must be revoked and linked: %+v", tok)
		}
	}
}

func TestRotateSession_UnknownSecret(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	if _, err := svc.IssueSession(ctx, now, user, "deviceX"); err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	_, err := svc.RotateSession(ctx, now, "no-such-secret", "deviceX")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if errors.Is(err, ErrReuseDetected) {
		t.Fatalf("unknown secret is not reuse")
	}

	// The existing session is untouched.
	if n := len(activeFor(store, now, user.ID, "deviceX")); n != 1 {
		t.Fatalf("expected one active token, got %d", n)
	}
}

func TestRotateSession_ReuseKillsDevice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	first, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	second, err := svc.RotateSession(ctx, now.Add(time.Minute), first.RefreshSecret, "deviceX")
	if err != nil {
		t.Fatalf("RotateSession: %v", err)
	}

	// Replay of the already-rotated secret.
	_, err = svc.RotateSession(ctx, now.Add(2*time.Minute), first.RefreshSecret, "deviceX")
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reuse must also match ErrInvalidToken for callers")
	}

	// The revocation committed: the legitimate successor is dead too.
	if n := len(activeFor(store, now.Add(2*time.Minute), user.ID, "deviceX")); n != 0 {
		t.Fatalf("expected zero active tokens after reuse, got %d", n)
	}

	_, err = svc.RotateSession(ctx, now.Add(3*time.Minute), second.RefreshSecret, "deviceX")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("successor must be unusable after reuse, got %v", err)
	}
}

func TestRotateSession_ExpiredSecretIsReuse(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	afterExpiry := issued.RefreshExp.Add(time.Hour)
	_, err = svc.RotateSession(ctx, afterExpiry, issued.RefreshSecret, "deviceX")
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected for expired secret, got %v", err)
	}
}

func TestRotateSession_PurgesExpiredRows(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	// A long-dead row for the same partition, left behind by an old session.
	store.rows["01HDEADROW000000000000000A"] = RefreshToken{
		ID:         "01HDEADROW000000000000000A",
		UserID:     user.ID,
		DeviceName: "deviceX",
		SecretHash: "stale-hash",
		CreatedAt:  now.Add(-100 * 24 * time.Hour),
		ExpiresAt:  now.Add(-90 * 24 * time.Hour),
		Revoked:    true,
	}

	issued, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, err := svc.RotateSession(ctx, now.Add(time.Minute), issued.RefreshSecret, "deviceX"); err != nil {
		t.Fatalf("RotateSession: %v", err)
	}

	for _, tok := range store.snapshot() {
		if tok.UserID == user.ID && tok.DeviceName == "deviceX" && !tok.ExpiresAt.After(now.Add(time.Minute)) {
			t.Fatalf("expired row survived rotation: %+v", tok)
		}
	}
}

func TestRotateSession_DoubleSubmitRace(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	// The rotation loses the conditional revoke, as if a concurrent request
	// consumed the token a moment earlier.
	store.revokeLoses = true
	before := len(store.snapshot())

	_, err = svc.RotateSession(ctx, now.Add(2*time.Minute), issued.RefreshSecret, "deviceX")
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected on lost race, got %v", err)
	}

	if n := len(activeFor(store, now.Add(2*time.Minute), user.ID, "deviceX")); n != 0 {
		t.Fatalf("expected zero active tokens after lost race, got %d", n)
	}
	// No successor row may appear for the losing request.
	if after := len(store.snapshot()); after > before {
		t.Fatalf("lost race must not insert a successor: %d -> %d rows", before, after)
	}
}

func TestSessions_DevicesRotateIndependently(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	x, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession deviceX: %v", err)
	}
	y, err := svc.IssueSession(ctx, now, user, "deviceY")
	if err != nil {
		t.Fatalf("IssueSession deviceY: %v", err)
	}

	if _, err := svc.RotateSession(ctx, now.Add(time.Minute), x.RefreshSecret, "deviceX"); err != nil {
		t.Fatalf("RotateSession deviceX: %v", err)
	}

	// deviceY is unaffected and still rotates normally.
	if n := len(activeFor(store, now.Add(time.Minute), user.ID, "deviceY")); n != 1 {
		t.Fatalf("deviceY must keep its active token, got %d", n)
	}
	if _, err := svc.RotateSession(ctx, now.Add(2*time.Minute), y.RefreshSecret, "deviceY"); err != nil {
		t.Fatalf("RotateSession deviceY: %v", err)
	}
}

func TestRevokeDevice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, user := newTestEngine(t, store)
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, user, "deviceX")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	if err := svc.RevokeDevice(ctx, user.ID, "deviceX"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if n := len(activeFor(store, now, user.ID, "deviceX")); n != 0 {
		t.Fatalf("expected zero active tokens after logout, got %d", n)
	}

	// Presenting the logged-out secret later is a reuse signal.
	_, err = svc.RotateSession(ctx, now.Add(time.Minute), issued.RefreshSecret, "deviceX")
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected after logout, got %v", err)
	}
}
