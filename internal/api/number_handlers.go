package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wacall/wacall/internal/database/models"
	"github.com/wacall/wacall/internal/engine"
)

// numberResponse is the JSON response for a business number. The access
// token never leaves the server.
type numberResponse struct {
	PhoneNumber   string `json:"phone_number"`
	PhoneNumberID string `json:"phone_number_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Status        string `json:"status"`
}

// registerNumberRequest is the body for POST /numbers.
type registerNumberRequest struct {
	PhoneNumber   string `json:"phone_number"`
	PhoneNumberID string `json:"phone_number_id"`
	DisplayName   string `json:"display_name"`
	AccessToken   string `json:"access_token"`
}

// handleRegisterNumber registers a WhatsApp business number with its
// Cloud API credentials.
func (s *Server) handleRegisterNumber(w http.ResponseWriter, r *http.Request) {
	var req registerNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !engine.ValidNumber(req.PhoneNumber) {
		writeError(w, http.StatusBadRequest, "phone_number must be E.164")
		return
	}
	if msg := validateRequiredStringLen("phone_number_id", req.PhoneNumberID, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("access_token", req.AccessToken, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	num := &models.BusinessNumber{
		PhoneNumber:   req.PhoneNumber,
		PhoneNumberID: req.PhoneNumberID,
		DisplayName:   req.DisplayName,
		AccessToken:   req.AccessToken,
		Status:        "active",
	}
	if err := s.numbers.Create(r.Context(), num); err != nil {
		slog.Error("register number: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, numberResponse{
		PhoneNumber:   num.PhoneNumber,
		PhoneNumberID: num.PhoneNumberID,
		DisplayName:   num.DisplayName,
		Status:        num.Status,
	})
}

// handleListNumbers returns the registered business numbers.
func (s *Server) handleListNumbers(w http.ResponseWriter, r *http.Request) {
	nums, err := s.numbers.List(r.Context())
	if err != nil {
		slog.Error("list numbers: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]numberResponse, len(nums))
	for i, n := range nums {
		items[i] = numberResponse{
			PhoneNumber:   n.PhoneNumber,
			PhoneNumberID: n.PhoneNumberID,
			DisplayName:   n.DisplayName,
			Status:        n.Status,
		}
	}
	writeJSON(w, http.StatusOK, items)
}
