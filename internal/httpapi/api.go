// Package httpapi is the HTTP surface of the service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/event"
	"parkgrid.io/internal/obs"
	"parkgrid.io/internal/parking"
	"parkgrid.io/internal/permission"
)

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
	// Extra is consulted after the DB ping, e.g. the redis cache.
	Extra func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Extra != nil {
		return rp.Extra(ctx)
	}
	return nil
}

// Config wires the API's collaborators.
type Config struct {
	Version  string
	Auth     *auth.Service
	Resolver *permission.Resolver
	Roles    auth.RoleStore
	Parking  parking.Service
	Bus      *event.Bus
	Ready    ReadyProbe

	// RateBurst/RatePerSecond tune the per-IP limiter; zero disables it.
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

type API struct {
	mux      *http.ServeMux
	cfg      Config
	auth     *auth.Service
	resolver *permission.Resolver
	roles    auth.RoleStore
	parking  parking.Service
	bus      *event.Bus
}

func New(cfg Config) *API {
	a := &API{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		auth:     cfg.Auth,
		resolver: cfg.Resolver,
		roles:    cfg.Roles,
		parking:  cfg.Parking,
		bus:      cfg.Bus,
	}
	if a.cfg.MaxBodyBytes <= 0 {
		a.cfg.MaxBodyBytes = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth flow
	a.mux.HandleFunc("/v1/login/", a.handleLogin)
	a.mux.HandleFunc("/v1/otp-login", a.handleOTPLogin)
	a.mux.HandleFunc("/v1/token", a.handleToken)
	a.mux.HandleFunc("/v1/token/refresh", a.handleTokenRefresh)
	a.mux.HandleFunc("/v1/logout", a.handleLogout)

	// role and assignment management
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserRoles)

	// parking management
	a.mux.HandleFunc("/v1/parking/locations", a.handleLocationsCollection)
	a.mux.HandleFunc("/v1/parking/locations/", a.handleLocationResource)

	// auth event stream (administrators only)
	a.mux.HandleFunc("/v1/events", a.handleEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler: metrics outermost, then
// request id, logging, hardening, rate limit, body cap, and bearer auth.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	if a.cfg.RateBurst > 0 && a.cfg.RatePerSecond > 0 {
		h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSecond)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "parkgrid-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "parkgrid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
