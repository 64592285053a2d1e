package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"parkgrid.io/internal/event"
	"parkgrid.io/internal/permission"
)

// memStore is an in-memory Store used to exercise the service state machine
// without a database.
type memStore struct {
	mu     sync.Mutex
	users  map[string]*User
	tokens map[tokenKey]*IssuedToken
}

type tokenKey struct {
	userID   string
	provider string
	kind     TokenKind
}

func newMemStore() *memStore {
	return &memStore{
		users:  map[string]*User{},
		tokens: map[tokenKey]*IssuedToken{},
	}
}

func (m *memStore) Users(context.Context) UserStore   { return m }
func (m *memStore) Roles(context.Context) RoleStore   { return memRoles{} }
func (m *memStore) Tokens(context.Context) TokenStore { return m }

func (m *memStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *memStore) Find(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

// memRoles is unused by the service tests but satisfies the Store contract.
type memRoles struct{}

func (memRoles) Create(context.Context, *Role) error { return errors.New("not implemented") }
func (memRoles) RoleByName(context.Context, string, bool) (*Role, error) {
	return nil, ErrNotFound
}
func (memRoles) RolesForUser(context.Context, string) ([]string, error)  { return nil, nil }
func (memRoles) UsersForRole(context.Context, string) ([]string, error)  { return nil, nil }
func (memRoles) Assign(context.Context, string, string) error            { return nil }
func (memRoles) Unassign(context.Context, string, string) error          { return nil }
func (memRoles) SetClaims(context.Context, string, []permission.Flag) error {
	return nil
}

func (m *memStore) Upsert(ctx context.Context, tok *IssuedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tokenKey{tok.UserID, tok.Provider, tok.Kind}] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, userID string, kind TokenKind, provider string) (*IssuedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[tokenKey{userID, provider, kind}]; ok {
		cp := *tok
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) FindByValue(ctx context.Context, kind TokenKind, value string) (*IssuedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.Kind == kind && tok.Value == value {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Replace(ctx context.Context, oldValue string, tok *IssuedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tokenKey{tok.UserID, tok.Provider, tok.Kind}
	cur, ok := m.tokens[key]
	if !ok || cur.Value != oldValue {
		return ErrConflict
	}
	cp := *tok
	m.tokens[key] = &cp
	return nil
}

func (m *memStore) Remove(ctx context.Context, userID string, kind TokenKind, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenKey{userID, provider, kind})
	return nil
}

func (m *memStore) RemoveAll(ctx context.Context, userID string, kind TokenKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.tokens {
		if key.userID == userID && key.kind == kind {
			delete(m.tokens, key)
		}
	}
	return nil
}

// capturingMailer records the last message so tests can read the OTP out of
// the body.
type capturingMailer struct {
	mu   sync.Mutex
	to   string
	body string
}

func (c *capturingMailer) Send(_ context.Context, to, _, htmlBody string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = to
	c.body = htmlBody
	return nil
}

func (c *capturingMailer) lastBody() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	svc   *Service
	store *memStore
	mail  *capturingMailer
	now   time.Time
	clock *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := newMemStore()
	mail := &capturingMailer{}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := &now
	base := []Option{
		WithMailer(mail),
		WithClock(func() time.Time { return *clock }),
	}
	svc, err := NewService(store, testSecret, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, store: store, mail: mail, now: now, clock: clock}
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) addUser(t *testing.T, email, username, password string) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &User{
		ID:           "user-" + username,
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Status:       UserStatusActive,
	}
	if err := f.store.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return u
}

func (f *fixture) storedOTP(t *testing.T, u *User) string {
	t.Helper()
	tok, err := f.store.Get(context.Background(), u.ID, TokenOTP, u.LoginProvider())
	if err != nil {
		t.Fatalf("no stored otp: %v", err)
	}
	return tok.Value
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService(newMemStore(), []byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestLoginByEmailIssuesOTP(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	got, err := f.svc.LoginByEmail(context.Background(), " Ana@Example.com ", "s3cret-pass")
	if err != nil {
		t.Fatalf("LoginByEmail: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("unexpected user: %+v", got)
	}

	code := f.storedOTP(t, u)
	if len(code) != 6 {
		t.Fatalf("otp should be 6 digits, got %q", code)
	}
	if code[0] == '0' {
		t.Fatalf("otp below 100000: %q", code)
	}
	if !strings.Contains(f.mail.lastBody(), code) {
		t.Fatalf("otp %q not delivered in mail body %q", code, f.mail.lastBody())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	_, err := f.svc.LoginByEmail(context.Background(), "ana@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnknownEmailSameError(t *testing.T) {
	f := newFixture(t)

	// Unknown account and bad password must be indistinguishable.
	_, err := f.svc.LoginByEmail(context.Background(), "ghost@example.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginDisabledUser(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")
	u.Status = UserStatusDisabled

	_, err := f.svc.LoginByEmail(context.Background(), "ana@example.com", "s3cret-pass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for disabled user, got %v", err)
	}
}

func TestLoginByUsername(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	got, err := f.svc.LoginByUsername(context.Background(), "ana", "s3cret-pass")
	if err != nil {
		t.Fatalf("LoginByUsername: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestValidateOTPSingleUse(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")
	if _, err := f.svc.LoginByEmail(context.Background(), u.Email, "s3cret-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	code := f.storedOTP(t, u)

	got, err := f.svc.ValidateOTP(context.Background(), u.Email, code)
	if err != nil {
		t.Fatalf("ValidateOTP: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("unexpected user: %+v", got)
	}

	// The same code must not validate twice.
	if _, err := f.svc.ValidateOTP(context.Background(), u.Email, code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid on reuse, got %v", err)
	}
}

func TestValidateOTPWrongCode(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")
	if _, err := f.svc.LoginByEmail(context.Background(), u.Email, "s3cret-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	code := f.storedOTP(t, u)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, err := f.svc.ValidateOTP(context.Background(), u.Email, wrong); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid, got %v", err)
	}

	// A wrong attempt does not consume the code.
	if _, err := f.svc.ValidateOTP(context.Background(), u.Email, code); err != nil {
		t.Fatalf("valid code rejected after a wrong attempt: %v", err)
	}
}

func TestValidateOTPExpired(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")
	if _, err := f.svc.LoginByEmail(context.Background(), u.Email, "s3cret-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	code := f.storedOTP(t, u)

	f.advance(11 * time.Minute)
	if _, err := f.svc.ValidateOTP(context.Background(), u.Email, code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid for expired code, got %v", err)
	}
	// Expiry removes the record entirely.
	if _, err := f.store.Get(context.Background(), u.ID, TokenOTP, u.LoginProvider()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired otp should have been removed, got %v", err)
	}
}

func TestReloginOverwritesOTP(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	if _, err := f.svc.LoginByEmail(context.Background(), u.Email, "s3cret-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	first := f.storedOTP(t, u)
	if _, err := f.svc.LoginByEmail(context.Background(), u.Email, "s3cret-pass"); err != nil {
		t.Fatalf("second login: %v", err)
	}
	second := f.storedOTP(t, u)

	if first == second {
		t.Skip("otp collision, re-run")
	}
	if _, err := f.svc.ValidateOTP(context.Background(), u.Email, first); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("stale otp should be invalid, got %v", err)
	}
	if _, err := f.svc.ValidateOTP(context.Background(), u.Email, second); err != nil {
		t.Fatalf("fresh otp rejected: %v", err)
	}
}

func TestIssueTokensAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if len(pair.RefreshToken) < 32 {
		t.Fatalf("refresh token too short: %d", len(pair.RefreshToken))
	}
	for _, r := range pair.RefreshToken {
		if !strings.ContainsRune(refreshTokenAlphabet, r) {
			t.Fatalf("refresh token has non-alphanumeric rune %q", r)
		}
	}

	got, err := f.svc.AuthenticateAccess(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateAccess: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestAuthenticateExpiredAccess(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	f.advance(16 * time.Minute)
	if _, err := f.svc.AuthenticateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired access token, got %v", err)
	}
}

func TestAuthenticateRevokedAccess(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if err := f.svc.Logout(context.Background(), u.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	// Signature is still valid but the store record is gone.
	if _, err := f.svc.AuthenticateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after logout, got %v", err)
	}
}

func TestAuthenticateGarbageToken(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.AuthenticateAccess(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRotatesBothTokens(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	f.advance(time.Minute)

	next, got, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("unexpected user: %+v", got)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if next.AccessToken == pair.AccessToken {
		t.Fatal("access token was not rotated")
	}

	// The old access token is replaced in the store, so it no longer
	// authenticates even though its signature is valid.
	if _, err := f.svc.AuthenticateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old access token should be dead, got %v", err)
	}
	if _, err := f.svc.AuthenticateAccess(context.Background(), next.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}
}

func TestRefreshDoubleSpend(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	// Replaying the spent token must fail.
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid on replay, got %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	f.advance(15 * 24 * time.Hour)
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid for expired token, got %v", err)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.svc.Refresh(context.Background(), "never-issued"); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid, got %v", err)
	}
}

func TestLogoutRemovesTokens(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	pair, err := f.svc.IssueTokens(context.Background(), u)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if err := f.svc.Logout(context.Background(), u.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("refresh should fail after logout, got %v", err)
	}
}

func TestLoginEventsPublished(t *testing.T) {
	bus := event.NewBus()
	f := newFixture(t, WithBus(bus))
	u := f.addUser(t, "ana@example.com", "ana", "s3cret-pass")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	if _, err := f.svc.LoginByEmail(context.Background(), u.Email, "s3cret-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != event.TypeLoginPending {
			t.Fatalf("unexpected event type %q", ev.Type)
		}
		if ev.UserID != u.ID {
			t.Fatalf("unexpected event user %q", ev.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
