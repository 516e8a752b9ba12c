package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wacall/wacall/internal/database/models"
	"github.com/wacall/wacall/internal/engine"
	"github.com/wacall/wacall/internal/permission"
)

// permissionResponse is the JSON response for a permission record.
type permissionResponse struct {
	CustomerNumber string  `json:"customer_number"`
	BusinessNumber string  `json:"business_number"`
	Status         string  `json:"status"`
	GrantedAt      *string `json:"granted_at"`
	ExpiresAt      *string `json:"expires_at"`
	CallsIn24h     int     `json:"calls_in_24h"`
}

func toPermissionResponse(p *models.CallPermission) permissionResponse {
	resp := permissionResponse{
		CustomerNumber: p.CustomerNumber,
		BusinessNumber: p.BusinessNumber,
		Status:         p.Status,
		CallsIn24h:     p.CallsIn24h,
	}
	if p.GrantedAt != nil {
		s := p.GrantedAt.Format(time.RFC3339)
		resp.GrantedAt = &s
	}
	if p.ExpiresAt != nil {
		s := p.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	return resp
}

// requestPermissionRequest is the body for POST /permissions/request.
type requestPermissionRequest struct {
	CustomerNumber string `json:"customer_number"`
	BusinessNumber string `json:"business_number"`
}

// handleRequestPermission sends a consent request message to a customer.
func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	var req requestPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !engine.ValidNumber(req.CustomerNumber) {
		writeError(w, http.StatusBadRequest, "customer_number must be E.164 (e.g. +14155550123)")
		return
	}

	business := req.BusinessNumber
	if business == "" {
		num, err := s.numbers.FirstActive(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, "no active business number registered")
			return
		}
		business = num.PhoneNumber
	}

	err := s.ledger.Request(r.Context(), req.CustomerNumber, business)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "requested"})
	case errors.Is(err, permission.ErrRequestLimit24h),
		errors.Is(err, permission.ErrRequestLimit7d):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		slog.Error("permission request failed",
			"customer", req.CustomerNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleListPermissions returns permission records, optionally filtered by
// status (?status=granted).
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.PermissionRequested, models.PermissionGranted,
		models.PermissionDenied, models.PermissionExpired:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	perms, err := s.perms.List(r.Context(), status)
	if err != nil {
		slog.Error("list permissions: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]permissionResponse, len(perms))
	for i := range perms {
		items[i] = toPermissionResponse(&perms[i])
	}
	writeJSON(w, http.StatusOK, items)
}
