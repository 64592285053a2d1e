package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"parkgrid.io/internal/parking"
	"parkgrid.io/internal/permission"
)

type locationRequest struct {
	Name      string         `json:"name"`
	Address   string         `json:"address,omitempty"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
	Capacity  int            `json:"capacity"`
	Zones     []parking.Zone `json:"zones,omitempty"`
	Rates     []parking.Rate `json:"rates,omitempty"`
	Stamp     string         `json:"stamp,omitempty"`
}

type zonesRequest struct {
	Stamp string         `json:"stamp,omitempty"`
	Zones []parking.Zone `json:"zones"`
}

type ratesRequest struct {
	Stamp string         `json:"stamp,omitempty"`
	Rates []parking.Rate `json:"rates"`
}

func (a *API) handleLocationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.requirePermission(w, r, permission.ViewParkingLocations) {
			return
		}
		list, err := a.parking.ListLocations(r.Context())
		if err != nil {
			handleParkingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": list})
	case http.MethodPost:
		if !a.requirePermission(w, r, permission.CreateParkingLocation) {
			return
		}
		var req locationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.parking.CreateLocation(r.Context(), parking.Location{
			Name:      req.Name,
			Address:   req.Address,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Capacity:  req.Capacity,
			Zones:     req.Zones,
			Rates:     req.Rates,
		})
		if err != nil {
			handleParkingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleLocationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/parking/locations/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/zones") {
		a.setZones(w, r, strings.TrimSuffix(path, "/zones"))
		return
	}
	if strings.HasSuffix(path, "/rates") {
		a.setRates(w, r, strings.TrimSuffix(path, "/rates"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !a.requirePermission(w, r, permission.ViewParkingLocations) {
			return
		}
		loc, err := a.parking.GetLocation(r.Context(), path)
		if err != nil {
			handleParkingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loc)
	case http.MethodPut:
		a.updateLocation(w, r, path)
	case http.MethodDelete:
		if !a.requirePermission(w, r, permission.DeleteParkingLocation) {
			return
		}
		stamp := stampFrom(r, "")
		if stamp == "" {
			writeError(w, r, http.StatusBadRequest, "concurrency stamp is required")
			return
		}
		if err := a.parking.DeleteLocation(r.Context(), path, stamp); err != nil {
			handleParkingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": path})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) updateLocation(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requirePermission(w, r, permission.UpdateParkingLocation) {
		return
	}
	var req locationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stamp := stampFrom(r, req.Stamp)
	if stamp == "" {
		writeError(w, r, http.StatusBadRequest, "concurrency stamp is required")
		return
	}
	updated, err := a.parking.UpdateLocation(r.Context(), parking.Location{
		ID:        id,
		Name:      req.Name,
		Address:   req.Address,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Capacity:  req.Capacity,
		Stamp:     stamp,
	})
	if err != nil {
		handleParkingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) setZones(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.requirePermission(w, r, permission.ManageParkingZones) {
		return
	}
	var req zonesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stamp := stampFrom(r, req.Stamp)
	if stamp == "" {
		writeError(w, r, http.StatusBadRequest, "concurrency stamp is required")
		return
	}
	loc, err := a.parking.SetZones(r.Context(), id, stamp, req.Zones)
	if err != nil {
		handleParkingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (a *API) setRates(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.requirePermission(w, r, permission.ManageRates) {
		return
	}
	var req ratesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stamp := stampFrom(r, req.Stamp)
	if stamp == "" {
		writeError(w, r, http.StatusBadRequest, "concurrency stamp is required")
		return
	}
	loc, err := a.parking.SetRates(r.Context(), id, stamp, req.Rates)
	if err != nil {
		handleParkingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// stampFrom prefers the If-Match header over the body field.
func stampFrom(r *http.Request, bodyStamp string) string {
	if s := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`); s != "" {
		return s
	}
	return strings.TrimSpace(bodyStamp)
}

func handleParkingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, parking.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, parking.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, parking.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
