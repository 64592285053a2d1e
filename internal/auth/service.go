// Package auth implements the authentication core: credential verification,
// the OTP second factor, token issuance and rotation, and logout. The
// permission engine lives in internal/permission; this package owns the
// session lifecycle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"parkgrid.io/internal/event"
	"parkgrid.io/internal/mailer"
	"parkgrid.io/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultOTPTTL     = 10 * time.Minute

	defaultIssuer   = "parkgrid"
	defaultAudience = "parkgrid"

	minSecretLen = 32
)

// Service drives the login state machine:
// password verified -> OTP issued -> OTP validated -> tokens issued,
// plus refresh rotation and logout.
type Service struct {
	store  Store
	mail   mailer.Sender
	bus    *event.Bus
	now    func() time.Time
	secret []byte

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	otpTTL     time.Duration
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithOTPTTL configures the OTP validity window.
func WithOTPTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.otpTTL = ttl
		}
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(aud string) Option {
	return func(s *Service) error {
		if v := strings.TrimSpace(aud); v != "" {
			s.audience = v
		}
		return nil
	}
}

// WithMailer sets the out-of-band OTP delivery channel.
func WithMailer(m mailer.Sender) Option {
	return func(s *Service) error {
		if m != nil {
			s.mail = m
		}
		return nil
	}
}

// WithBus attaches the event bus fed by the audit recorder and SSE stream.
func WithBus(bus *event.Bus) Option {
	return func(s *Service) error {
		s.bus = bus
		return nil
	}
}

// NewService constructs a Service. The signing secret is mandatory and must
// be at least 32 bytes.
func NewService(store Store, secret []byte, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLen)
	}
	s := &Service{
		store:      store,
		mail:       &mailer.Log{},
		now:        time.Now,
		secret:     secret,
		issuer:     defaultIssuer,
		audience:   defaultAudience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		otpTTL:     defaultOTPTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// VerifyByEmail checks the password of the account registered under email.
// Returns (nil, ErrNotFound) for an unknown email and
// (user, ErrInvalidCredentials) for a password mismatch, so the caller can
// distinguish the two internally without leaking that to clients.
func (s *Service) VerifyByEmail(ctx context.Context, email, password string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrNotFound
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.verifyPassword(user, password)
}

// VerifyByUsername is VerifyByEmail keyed by username.
func (s *Service) VerifyByUsername(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrNotFound
	}
	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.verifyPassword(user, password)
}

func (s *Service) verifyPassword(user *User, password string) (*User, error) {
	if user.Status != UserStatusActive {
		return user, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return user, ErrInvalidCredentials
	}
	return user, nil
}

/// LoginByEmail runs the first step of the two-factor login: verify the
// password, then issue and deliver an OTP. Verification failures collapse
// into ErrInvalidCredentials regardless of cause.
func (s *Service) LoginByEmail(ctx context.Context, email, password string) (*User, error) {
	user, err := s.VerifyByEmail(ctx, email, password)
	return s.finishFirstFactor(ctx, user, err, email)
}

// LoginByUsername is LoginByEmail keyed by username.
func (s *Service) LoginByUsername(ctx context.Context, username, password string) (*User, error) {
	user, err := s.VerifyByUsername(ctx, username, password)
	identifier := ""
	if user != nil {
		identifier = user.Email
	}
	return s.finishFirstFactor(ctx, user, err, identifier)
}

func (s *Service) finishFirstFactor(ctx context.Context, user *User, verr error, email string) (*User, error) {
	if verr != nil {
		if errors.Is(verr, ErrNotFound) || errors.Is(verr, ErrInvalidCredentials) {
			obs.ObserveLogin("denied")
			s.publish(event.Event{Type: event.TypeLoginDenied, Email: email})
			return nil, ErrInvalidCredentials
		}
		obs.ObserveLogin("error")
		return nil, verr
	}
	obs.ObserveLogin("ok")
	if err := s.issueOTP(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// issueOTP stores a fresh 6-digit code under the OTP token slot and hands it
// to the mail sender. Re-issuing overwrites any previous code.
func (s *Service) issueOTP(ctx context.Context, user *User) error {
	code, err := newOTP()
	if err != nil {
		return err
	}
	tok := &IssuedToken{
		UserID:    user.ID,
		Provider:  user.LoginProvider(),
		Kind:      TokenOTP,
		Value:     code,
		ExpiresAt: s.now().Add(s.otpTTL),
	}
	if err := s.store.Tokens(ctx).Upsert(ctx, tok); err != nil {
		return err
	}
	subject := "Your Parkgrid verification code"
	body := fmt.Sprintf(
		"<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p>",
		code, int(s.otpTTL.Minutes()),
	)
	if err := s.mail.Send(ctx, user.Email, subject, body); err != nil {
		return fmt.Errorf("deliver otp: %w", err)
	}
	s.publish(event.Event{Type: event.TypeLoginPending, UserID: user.ID, Email: user.Email, Provider: user.LoginProvider()})
	return nil
}

// ValidateOTP checks the second factor. The code is single-use: a valid code
// is consumed, an expired one is removed. Any failure is ErrOTPInvalid.
func (s *Service) ValidateOTP(ctx context.Context, email, code string) (*User, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		obs.ObserveOTP("denied")
		return nil, ErrOTPInvalid
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveOTP("denied")
			return nil, ErrOTPInvalid
		}
		obs.ObserveOTP("error")
		return nil, err
	}

	tokens := s.store.Tokens(ctx)
	provider := user.LoginProvider()
	tok, err := tokens.Get(ctx, user.ID, TokenOTP, provider)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveOTP("denied")
			s.publish(event.Event{Type: event.TypeOTPRejected, UserID: user.ID, Email: user.Email, Detail: "no pending code"})
			return nil, ErrOTPInvalid
		}
		obs.ObserveOTP("error")
		return nil, err
	}
	if s.now().After(tok.ExpiresAt) {
		// Expired codes are not retried; drop the record.
		if err := tokens.Remove(ctx, user.ID, TokenOTP, provider); err != nil {
			obs.ObserveOTP("error")
			return nil, err
		}
		obs.ObserveOTP("denied")
		s.publish(event.Event{Type: event.TypeOTPRejected, UserID: user.ID, Email: user.Email, Detail: "code expired"})
		return nil, ErrOTPInvalid
	}
	if tok.Value != code {
		obs.ObserveOTP("denied")
		s.publish(event.Event{Type: event.TypeOTPRejected, UserID: user.ID, Email: user.Email, Detail: "code mismatch"})
		return nil, ErrOTPInvalid
	}

	// Single use: consume before handing control back to the caller.
	if err := tokens.Remove(ctx, user.ID, TokenOTP, provider); err != nil {
		obs.ObserveOTP("error")
		return nil, err
	}
	obs.ObserveOTP("ok")
	s.publish(event.Event{Type: event.TypeOTPValidated, UserID: user.ID, Email: user.Email, Provider: provider})
	return user, nil
}

// IssueTokens mints an access token and a refresh token for the user and
// records both, overwriting any previously issued pair for the provider.
func (s *Service) IssueTokens(ctx context.Context, user *User) (TokenPair, error) {
	now := s.now()
	provider := user.LoginProvider()
	tokens := s.store.Tokens(ctx)

	access, accessExp, err := s.signAccessToken(user, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := tokens.Upsert(ctx, &IssuedToken{
		UserID:    user.ID,
		Provider:  provider,
		Kind:      TokenAccess,
		Value:     access,
		ExpiresAt: accessExp,
	}); err != nil {
		return TokenPair{}, err
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	refreshExp := now.Add(s.refreshTTL)
	if err := tokens.Upsert(ctx, &IssuedToken{
		UserID:    user.ID,
		Provider:  provider,
		Kind:      TokenRefresh,
		Value:     refresh,
		ExpiresAt: refreshExp,
	}); err != nil {
		return TokenPair{}, err
	}

	s.publish(event.Event{Type: event.TypeTokensIssued, UserID: user.ID, Email: user.Email, Provider: provider})
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh rotates the token pair. The presented refresh token must match
// the stored record exactly and be unexpired; rotation replaces it with a
// conditional update, so of two concurrent calls holding the same old token
// only one can win — the loser gets ErrRefreshTokenInvalid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *User, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		obs.ObserveRefresh("denied")
		return TokenPair{}, nil, ErrRefreshTokenInvalid
	}
	tokens := s.store.Tokens(ctx)

	rec, err := tokens.FindByValue(ctx, TokenRefresh, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("denied")
			s.publish(event.Event{Type: event.TypeRefreshDenied, Detail: "unknown token"})
			return TokenPair{}, nil, ErrRefreshTokenInvalid
		}
		obs.ObserveRefresh("error")
		return TokenPair{}, nil, err
	}
	now := s.now()
	if now.After(rec.ExpiresAt) {
		if err := tokens.Remove(ctx, rec.UserID, TokenRefresh, rec.Provider); err != nil {
			obs.ObserveRefresh("error")
			return TokenPair{}, nil, err
		}
		obs.ObserveRefresh("denied")
		s.publish(event.Event{Type: event.TypeRefreshDenied, UserID: rec.UserID, Detail: "token expired"})
		return TokenPair{}, nil, ErrRefreshTokenInvalid
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("denied")
			return TokenPair{}, nil, ErrRefreshTokenInvalid
		}
		obs.ObserveRefresh("error")
		return TokenPair{}, nil, err
	}
	if user.Status != UserStatusActive {
		obs.ObserveRefresh("denied")
		return TokenPair{}, nil, ErrRefreshTokenInvalid
	}

	// Rotate the refresh token first, conditioned on the old value. A
	// concurrent rotation that already landed makes this a no-op conflict.
	newRefresh, err := newRefreshToken()
	if err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, nil, err
	}
	refreshExp := now.Add(s.refreshTTL)
	err = tokens.Replace(ctx, refreshToken, &IssuedToken{
		UserID:    rec.UserID,
		Provider:  rec.Provider,
		Kind:      TokenRefresh,
		Value:     newRefresh,
		ExpiresAt: refreshExp,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("denied")
			s.publish(event.Event{Type: event.TypeRefreshDenied, UserID: rec.UserID, Detail: "lost rotation race"})
			return TokenPair{}, nil, ErrRefreshTokenInvalid
		}
		obs.ObserveRefresh("error")
		return TokenPair{}, nil, err
	}

	access, accessExp, err := s.signAccessToken(user, now)
	if err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, nil, err
	}
	if err := tokens.Upsert(ctx, &IssuedToken{
		UserID:    user.ID,
		Provider:  rec.Provider,
		Kind:      TokenAccess,
		Value:     access,
		ExpiresAt: accessExp,
	}); err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, nil, err
	}

	obs.ObserveRefresh("ok")
	s.publish(event.Event{Type: event.TypeTokenRefreshed, UserID: user.ID, Email: user.Email, Provider: rec.Provider})
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     newRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, user, nil
}

// Logout removes the user's access and refresh records across providers.
// Pending OTP codes are left to expire on their own.
func (s *Service) Logout(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	tokens := s.store.Tokens(ctx)
	if err := tokens.RemoveAll(ctx, userID, TokenAccess); err != nil {
		return err
	}
	if err := tokens.RemoveAll(ctx, userID, TokenRefresh); err != nil {
		return err
	}
	s.publish(event.Event{Type: event.TypeLogout, UserID: userID})
	return nil
}

// AuthenticateAccess verifies a presented access token: signature and
// registered claims first, then the token-store record, so revoked tokens
// fail even while their signature is still valid.
func (s *Service) AuthenticateAccess(ctx context.Context, raw string) (*User, error) {
	claims, err := s.parseAccessToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if user.Status != UserStatusActive {
		return nil, ErrInvalidToken
	}
	ok, err := s.validateStored(ctx, user.ID, TokenAccess, raw, user.LoginProvider())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// validateStored implements the token-store validation contract: false on a
// missing record or value mismatch; an expired record is deleted and fails.
func (s *Service) validateStored(ctx context.Context, userID string, kind TokenKind, value, provider string) (bool, error) {
	tok, err := s.store.Tokens(ctx).Get(ctx, userID, kind, provider)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if tok.Value != value {
		return false, nil
	}
	if s.now().After(tok.ExpiresAt) {
		if err := s.store.Tokens(ctx).Remove(ctx, userID, kind, provider); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Service) publish(ev event.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
