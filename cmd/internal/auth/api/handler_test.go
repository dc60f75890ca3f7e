package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"cryptobank/cmd/identity"
	"cryptobank/cmd/internal/auth/session"
	"cryptobank/cmd/security/password"
	"cryptobank/cmd/security/token"
)

// ---- in-memory identity store ----

type memUsers struct {
	mu      sync.Mutex
	seq     int
	byEmail map[string]identity.User
	byID    map[string]identity.User
}

func newMemUsers() *memUsers {
	return &memUsers{byEmail: map[string]identity.User{}, byID: map[string]identity.User{}}
}

func (m *memUsers) CreateUser(_ context.Context, in identity.CreateUserInput) (identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := identity.NormalizeEmail(in.Email)
	if _, ok := m.byEmail[email]; ok {
		return identity.User{}, identity.ConflictError{Op: "identity.create_user", Field: "email"}
	}
	m.seq++
	u := identity.User{
		ID:           fmt.Sprintf("01HAPIUSER%016d", m.seq),
		Email:        email,
		PasswordHash: in.PasswordHash,
		DateOfBirth:  in.DateOfBirth,
		Roles:        in.Roles,
		RegisteredAt: in.Now,
	}
	m.byEmail[email] = u
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[identity.NormalizeEmail(email)]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "identity.get_user_by_email", Resource: "user"}
	}
	return u, nil
}

func (m *memUsers) GetUserByID(_ context.Context, userID string) (identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "identity.get_user_by_id", Resource: "user"}
	}
	return u, nil
}

func (m *memUsers) HasRole(_ context.Context, role identity.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		for _, r := range u.Roles {
			if r == role {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memUsers) ReplaceRoles(_ context.Context, userID string, roles []identity.Role, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return identity.NotFoundError{Op: "identity.replace_roles", Resource: "user"}
	}
	u.Roles = roles
	m.byID[userID] = u
	m.byEmail[identity.NormalizeEmail(u.Email)] = u
	return nil
}

// ---- in-memory session store ----

type memSessions struct {
	mu   sync.Mutex
	rows map[string]session.RefreshToken
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[string]session.RefreshToken{}}
}

func (m *memSessions) InTx(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := make(map[string]session.RefreshToken, len(m.rows))
	for k, v := range m.rows {
		staged[k] = v
	}
	if err := fn(ctx, &memSessionTx{rows: staged}); err != nil {
		return err
	}
	m.rows = staged
	return nil
}

type memSessionTx struct {
	rows map[string]session.RefreshToken
}

func (t *memSessionTx) Create(_ context.Context, tok session.RefreshToken) error {
	t.rows[tok.ID] = tok
	return nil
}

func (t *memSessionTx) FindActiveByDevice(_ context.Context, now time.Time, userID, deviceName string) (session.RefreshToken, bool, error) {
	var ids []string
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i := len(ids) - 1; i >= 0; i-- {
		row := t.rows[ids[i]]
		if row.UserID == userID && row.DeviceName == deviceName && row.Active(now) {
			return row, true, nil
		}
	}
	return session.RefreshToken{}, false, nil
}

func (t *memSessionTx) FindBySecretHash(_ context.Context, secretHash, deviceName string) (session.RefreshToken, bool, error) {
	for _, row := range t.rows {
		if row.SecretHash == secretHash && row.DeviceName == deviceName {
			return row, true, nil
		}
	}
	return session.RefreshToken{}, false, nil
}

func (t *memSessionTx) Revoke(_ context.Context, tokenID string, replacedBy *string) (bool, error) {
	row, ok := t.rows[tokenID]
	if !ok || row.Revoked {
		return false, nil
	}
	row.Revoked = true
	row.ReplacedBy = replacedBy
	t.rows[tokenID] = row
	return true, nil
}

func (t *memSessionTx) RevokeAllActive(_ context.Context, userID, deviceName string) (int64, error) {
	var n int64
	for id, row := range t.rows {
		if row.UserID == userID && row.DeviceName == deviceName && !row.Revoked {
			row.Revoked = true
			t.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (t *memSessionTx) DeleteExpired(_ context.Context, now time.Time, userID, deviceName string) error {
	for id, row := range t.rows {
		if row.UserID == userID && row.DeviceName == deviceName && !row.ExpiresAt.After(now) {
			delete(t.rows, id)
		}
	}
	return nil
}

// ---- harness ----

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	codec := password.NewCodec(password.Params{
		MemoryKiB:   8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, password.DefaultPolicy())

	dir := newMemUsers()
	users, err := identity.NewService(dir, codec, "")
	if err != nil {
		t.Fatalf("identity service: %v", err)
	}

	cfg := session.DefaultConfig()
	cfg.SigningKey = bytes.Repeat([]byte{0x42}, 32)
	tokens, err := session.NewHMACTokenManager(cfg)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	hasher, err := token.NewHasher(nil)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	sessions, err := session.NewService(cfg, newMemSessions(), dir, tokens, hasher)
	if err != nil {
		t.Fatalf("session service: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := NewHandler(log, DefaultConfig(), users, dir, sessions, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	newTestHandler(t).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var envelope map[string]json.RawMessage
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("decode %s response %q: %v", path, raw, err)
		}
	}
	return resp, envelope
}

func sessionFrom(t *testing.T, envelope map[string]json.RawMessage) sessionResponse {
	t.Helper()
	var s sessionResponse
	if err := json.Unmarshal(envelope["session"], &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func errorCode(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(envelope["error"], &e); err != nil {
		t.Fatalf("decode error from %v: %v", envelope, err)
	}
	return e.Code
}

func registerUser(t *testing.T, srv *httptest.Server, email, pass, device string) sessionResponse {
	t.Helper()
	resp, body := postJSON(t, srv, "/auth/register", registerRequest{
		Email: email, Password: pass, DeviceName: device,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, body=%v", resp.StatusCode, body)
	}
	return sessionFrom(t, body)
}

// ---- tests ----

func TestRegister_LoginRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	sess := registerUser(t, srv, "Alice@Example.com", "s0lid-Passw0rd!", "laptop")
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		t.Fatalf("register returned empty session: %+v", sess)
	}

	resp, body := postJSON(t, srv, "/auth/login", loginRequest{
		Email: "alice@example.com", Password: "s0lid-Passw0rd!", DeviceName: "laptop",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body=%v", resp.StatusCode, body)
	}
	if s := sessionFrom(t, body); s.RefreshToken == sess.RefreshToken {
		t.Fatalf("login must mint a fresh refresh secret")
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	srv := newTestServer(t)

	registerUser(t, srv, "bob@example.com", "s0lid-Passw0rd!", "laptop")
	resp, body := postJSON(t, srv, "/auth/register", registerRequest{
		Email: "BOB@example.com", Password: "s0lid-Passw0rd!", DeviceName: "laptop",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "conflict" {
		t.Fatalf("error = %q, want conflict", code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	srv := newTestServer(t)

	registerUser(t, srv, "carol@example.com", "s0lid-Passw0rd!", "laptop")
	resp, body := postJSON(t, srv, "/auth/login", loginRequest{
		Email: "carol@example.com", Password: "wrong-password-1", DeviceName: "laptop",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_credentials" {
		t.Fatalf("error = %q, want invalid_credentials", code)
	}
}

func TestRefresh_RotatesAndRejectsReplay(t *testing.T) {
	srv := newTestServer(t)

	sess := registerUser(t, srv, "dave@example.com", "s0lid-Passw0rd!", "laptop")

	resp, body := postJSON(t, srv, "/auth/refresh", refreshRequest{
		RefreshToken: sess.RefreshToken, DeviceName: "laptop",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, body=%v", resp.StatusCode, body)
	}
	rotated := sessionFrom(t, body)
	if rotated.RefreshToken == sess.RefreshToken {
		t.Fatalf("rotation must replace the refresh secret")
	}

	// Replaying the consumed secret is reuse: same response as a bogus token.
	replayResp, replayBody := postJSON(t, srv, "/auth/refresh", refreshRequest{
		RefreshToken: sess.RefreshToken, DeviceName: "laptop",
	})
	bogusResp, bogusBody := postJSON(t, srv, "/auth/refresh", refreshRequest{
		RefreshToken: "completely-made-up", DeviceName: "laptop",
	})
	if replayResp.StatusCode != http.StatusUnauthorized || bogusResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("statuses = %d/%d, want 401/401", replayResp.StatusCode, bogusResp.StatusCode)
	}
	if errorCode(t, replayBody) != errorCode(t, bogusBody) {
		t.Fatalf("reuse response %v must be indistinguishable from bogus-token response %v", replayBody, bogusBody)
	}

	// Reuse killed the device: even the rotated successor is dead.
	deadResp, _ := postJSON(t, srv, "/auth/refresh", refreshRequest{
		RefreshToken: rotated.RefreshToken, DeviceName: "laptop",
	})
	if deadResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("successor after reuse: status = %d, want 401", deadResp.StatusCode)
	}
}

func TestMe_RequiresBearerToken(t *testing.T) {
	srv := newTestServer(t)

	sess := registerUser(t, srv, "erin@example.com", "s0lid-Passw0rd!", "laptop")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body meResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.User.Email != "erin@example.com" {
		t.Fatalf("email = %q", body.User.Email)
	}

	bare, err := http.Get(srv.URL + "/me")
	if err != nil {
		t.Fatalf("GET /me without token: %v", err)
	}
	bare.Body.Close()
	if bare.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", bare.StatusCode)
	}
}

func TestLogout_RevokesDevice(t *testing.T) {
	srv := newTestServer(t)

	sess := registerUser(t, srv, "frank@example.com", "s0lid-Passw0rd!", "laptop")

	buf, _ := json.Marshal(logoutRequest{DeviceName: "laptop"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/auth/logout", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", resp.StatusCode)
	}

	refreshResp, _ := postJSON(t, srv, "/auth/refresh", refreshRequest{
		RefreshToken: sess.RefreshToken, DeviceName: "laptop",
	})
	if refreshResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status = %d, want 401", refreshResp.StatusCode)
	}
}

func TestRegister_RejectsBadDateOfBirth(t *testing.T) {
	srv := newTestServer(t)

	dob := "13/01/1990"
	resp, body := postJSON(t, srv, "/auth/register", registerRequest{
		Email: "gina@example.com", Password: "s0lid-Passw0rd!", DateOfBirth: &dob, DeviceName: "laptop",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%v", resp.StatusCode, body)
	}
}
