package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wacall/wacall/internal/database"
	"github.com/wacall/wacall/internal/database/models"
	"github.com/wacall/wacall/internal/engine"
)

// callResponse is the JSON response for a single call.
type callResponse struct {
	CallID          string  `json:"call_id"`
	Direction       string  `json:"direction"`
	CustomerNumber  string  `json:"customer_number"`
	CustomerName    string  `json:"customer_name,omitempty"`
	BusinessNumber  string  `json:"business_number"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	AnsweredAt      *string `json:"answered_at"`
	EndedAt         *string `json:"ended_at"`
	DurationSeconds *int    `json:"duration_seconds"`
	FailReason      string  `json:"fail_reason,omitempty"`
}

// toCallResponse converts a models.Call to the API response.
func toCallResponse(c *models.Call) callResponse {
	resp := callResponse{
		CallID:          c.CallID,
		Direction:       c.Direction,
		CustomerNumber:  c.CustomerNumber,
		CustomerName:    c.CustomerName,
		BusinessNumber:  c.BusinessNumber,
		Status:          c.Status,
		StartedAt:       c.StartedAt.Format(time.RFC3339),
		DurationSeconds: c.DurationSeconds,
		FailReason:      c.FailReason,
	}
	if c.AnsweredAt != nil {
		s := c.AnsweredAt.Format(time.RFC3339)
		resp.AnsweredAt = &s
	}
	if c.EndedAt != nil {
		s := c.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

// placeCallRequest is the body for POST /calls.
type placeCallRequest struct {
	CustomerNumber string `json:"customer_number"`
	CustomerName   string `json:"customer_name"`
	BusinessNumber string `json:"business_number"`
}

// handlePlaceCall starts an outbound call. The permission check runs
// before this returns; a denial comes back as 403 with the reason.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
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
			slog.Error("place call: no active business number", "error", err)
			writeError(w, http.StatusConflict, "no active business number registered")
			return
		}
		business = num.PhoneNumber
	}

	callID, err := s.engine.PlaceCall(r.Context(), req.CustomerNumber, req.CustomerName, business)
	if err != nil {
		var denied *engine.PermissionDeniedError
		switch {
		case errors.As(err, &denied):
			writeError(w, http.StatusForbidden, denied.Error())
		case errors.Is(err, engine.ErrAlreadyInCall):
			writeError(w, http.StatusConflict, "customer already in a call")
		default:
			slog.Error("place call failed", "customer", req.CustomerNumber, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
}

// handleAcceptCall answers a ringing inbound call.
func (s *Server) handleAcceptCall(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, s.engine.Accept)
}

// handleDeclineCall rejects a ringing inbound call.
func (s *Server) handleDeclineCall(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, s.engine.Decline)
}

// handleHangupCall ends a live call.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r, s.engine.Hangup)
}

// callAction runs one of the engine's call-id operations and maps its
// error taxonomy to HTTP statuses.
func (s *Server) callAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, callID string) error) {
	callID := chi.URLParam(r, "callID")

	err := action(r.Context(), callID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"call_id": callID})
	case errors.Is(err, engine.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, engine.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("call action failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleGetCall returns one call record, live or historical.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	call, err := s.calls.GetByCallID(r.Context(), callID)
	if errors.Is(err, database.ErrNotFound) {
		// An aliased provider id still resolves the same call.
		call, err = s.calls.GetByProviderCallID(r.Context(), callID)
	}
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("get call: failed to query", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(call))
}

// handleListCalls returns stored calls with optional filters.
// Query params: direction, status, customer_number, limit, offset.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" {
		writeError(w, http.StatusBadRequest, `direction must be "inbound" or "outbound"`)
		return
	}

	filter := database.CallListFilter{
		Direction:      direction,
		Status:         q.Get("status"),
		CustomerNumber: q.Get("customer_number"),
		Limit:          intQuery(q.Get("limit")),
		Offset:         intQuery(q.Get("offset")),
	}

	calls, err := s.calls.List(r.Context(), filter)
	if err != nil {
		slog.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}
	writeJSON(w, http.StatusOK, items)
}
