package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"parkgrid.io/internal/audit"
	"parkgrid.io/internal/auth"
)

const pendingOTPCookie = "pending_otp_email"

type emailLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type usernameLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type otpLoginRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type tokenRequest struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	User             *auth.User `json:"user,omitempty"`
}

// handleLogin serves /v1/login/{email,username}. Each login kind has its own
// typed request body; a successful password check arms the OTP step and
// binds the pending cookie to the verified email.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	kind := strings.TrimPrefix(r.URL.Path, "/v1/login/")
	var (
		user *auth.User
		err  error
	)
	switch kind {
	case "email":
		var req emailLoginRequest
		if derr := decodeJSON(w, r, &req); derr != nil {
			writeError(w, r, http.StatusBadRequest, derr.Error())
			return
		}
		user, err = a.auth.LoginByEmail(r.Context(), req.Email, req.Password)
	case "username":
		var req usernameLoginRequest
		if derr := decodeJSON(w, r, &req); derr != nil {
			writeError(w, r, http.StatusBadRequest, derr.Error())
			return
		}
		user, err = a.auth.LoginByUsername(r.Context(), req.Username, req.Password)
	default:
		writeError(w, r, http.StatusNotFound, "unknown login type")
		return
	}

	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     pendingOTPCookie,
		Value:    user.Email,
		Path:     "/",
		MaxAge:   600,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
	_ = audit.LogEvent(r.Context(), "auth.login.pending", map[string]string{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "waiting for OTP",
	})
}

// handleOTPLogin completes the second factor and issues the token pair. A
// failed or replayed code answers 401.
func (a *API) handleOTPLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req otpLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		if c, err := r.Cookie(pendingOTPCookie); err == nil {
			email = c.Value
		}
	}

	user, err := a.auth.ValidateOTP(r.Context(), email, req.OTP)
	if err != nil {
		if errors.Is(err, auth.ErrOTPInvalid) {
			writeError(w, r, http.StatusUnauthorized, "otp expired or invalid")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "otp validation failed")
		return
	}

	pair, err := a.auth.IssueTokens(r.Context(), user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	clearCookie(w, pendingOTPCookie)
	setTokenCookies(w, pair)
	_ = audit.LogEvent(r.Context(), "auth.tokens.issued", map[string]string{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             user,
	})
}

// handleToken is the direct credential-to-token exchange used by service
// clients that cannot receive email.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		user *auth.User
		err  error
	)
	switch {
	case strings.TrimSpace(req.Email) != "":
		user, err = a.auth.VerifyByEmail(r.Context(), req.Email, req.Password)
	case strings.TrimSpace(req.Username) != "":
		user, err = a.auth.VerifyByUsername(r.Context(), req.Username, req.Password)
	default:
		writeError(w, r, http.StatusBadRequest, "email or username is required")
		return
	}
	if err != nil {
		// Unknown account and wrong password answer identically; anything
		// else is a backing-store failure, not a credential problem.
		if errors.Is(err, auth.ErrNotFound) || errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	pair, err := a.auth.IssueTokens(r.Context(), user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             user,
	})
}

// handleTokenRefresh rotates the pair. Any invalid, expired, or already
// rotated token answers 400 with the exact message clients match on.
func (a *API) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			token = c.Value
		}
	}

	pair, user, err := a.auth.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenInvalid) {
			writeError(w, r, http.StatusBadRequest, "Invalid Refresh Token")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "refresh failed")
		return
	}

	setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             user,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.auth.Logout(r.Context(), user.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	clearCookie(w, accessCookie)
	clearCookie(w, refreshCookie)
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]string{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "logged out",
	})
}

// Token cookies are deliberately readable by the frontend: not HttpOnly,
// Secure, SameSite=None, path-wide.
func setTokenCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		Expires:  pair.AccessExpiresAt,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		Expires:  pair.RefreshExpiresAt,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}
