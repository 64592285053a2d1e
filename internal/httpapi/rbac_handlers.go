package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"parkgrid.io/internal/audit"
	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/permission"
)

type createRoleRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Claims      []permission.Flag `json:"claims,omitempty"`
}

type setClaimsRequest struct {
	Claims []permission.Flag `json:"claims"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

// handleRolesCollection serves POST /v1/roles.
func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requirePermission(w, r, permission.ManageRoles) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := &auth.Role{
		Name:        req.Name,
		Description: req.Description,
		Claims:      req.Claims,
	}
	if err := a.roles.Create(r.Context(), role); err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.created", map[string]string{
		"role_id": role.ID,
		"name":    role.Name,
	})
	writeJSON(w, http.StatusCreated, role)
}

// handleRoleResource serves GET /v1/roles/{name} and PUT /v1/roles/{id}/claims.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.requirePermission(w, r, permission.ManageRoles) {
			return
		}
		role, err := a.roles.RoleByName(r.Context(), parts[0], true)
		if err != nil {
			a.handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case len(parts) == 2 && parts[1] == "claims":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.requirePermission(w, r, permission.ManageRoles) {
			return
		}
		a.setRoleClaims(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) setRoleClaims(w http.ResponseWriter, r *http.Request, roleID string) {
	var req setClaimsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.roles.SetClaims(r.Context(), roleID, req.Claims); err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	// Cached permission sets of every holder are now stale.
	a.evictRoleHolders(r, roleID)
	_ = audit.LogEvent(r.Context(), "rbac.role.claims_updated", map[string]string{
		"role_id": roleID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"role_id": roleID,
		"claims":  req.Claims,
	})
}

// handleUserRoles serves POST /v1/users/{id}/roles and
// DELETE /v1/users/{id}/roles/{roleID}.
func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "roles" {
		http.NotFound(w, r)
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		if !a.requirePermission(w, r, permission.ManageUsers) {
			return
		}
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.RoleID) == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if err := a.roles.Assign(r.Context(), userID, req.RoleID); err != nil {
			a.handleRBACError(w, r, err)
			return
		}
		a.evictUser(r, userID)
		_ = audit.LogEvent(r.Context(), "rbac.role.assigned", map[string]string{
			"user_id": userID,
			"role_id": req.RoleID,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"role_id": req.RoleID,
		})
	case len(parts) == 3 && r.Method == http.MethodDelete:
		if !a.requirePermission(w, r, permission.ManageUsers) {
			return
		}
		roleID := parts[2]
		if err := a.roles.Unassign(r.Context(), userID, roleID); err != nil {
			a.handleRBACError(w, r, err)
			return
		}
		a.evictUser(r, userID)
		_ = audit.LogEvent(r.Context(), "rbac.role.unassigned", map[string]string{
			"user_id": userID,
			"role_id": roleID,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"role_id": roleID,
		})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

// evictRoleHolders drops the cached permission set of every user holding the
// role. Eviction failures are not surfaced: the entries still expire on TTL.
func (a *API) evictRoleHolders(r *http.Request, roleID string) {
	if a.resolver == nil {
		return
	}
	users, err := a.roles.UsersForRole(r.Context(), roleID)
	if err != nil {
		return
	}
	for _, userID := range users {
		_ = a.resolver.Evict(r.Context(), userID)
	}
}

func (a *API) evictUser(r *http.Request, userID string) {
	if a.resolver == nil {
		return
	}
	_ = a.resolver.Evict(r.Context(), userID)
}

func (a *API) handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "role already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "role operation failed")
	}
}
