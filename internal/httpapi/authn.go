package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/permission"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
)

var publicPaths = []string{
	"/v1/login/email",
	"/v1/login/username",
	"/v1/otp-login",
	"/v1/token",
	"/v1/token/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request and puts the user on the
// context. Authorization happens per handler through requirePermission.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerOrCookie(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		user, err := a.auth.AuthenticateAccess(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission resolves the caller's claims and denies with 403 unless
// the required flag is satisfied. Resolution failures deny too; access is
// never granted on a cache or store error.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, required permission.Flag) bool {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if a.resolver == nil {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	allowed, err := a.resolver.HasPermission(r.Context(), user.ID, required)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission check failed")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// bearerOrCookie prefers the Authorization header, falling back to the
// access-token cookie the login flow sets for browser clients.
func bearerOrCookie(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
