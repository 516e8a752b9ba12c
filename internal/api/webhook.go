package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/wacall/wacall/internal/engine"
)

// webhookPayload is the Cloud API delivery envelope: entries, each with
// changes, each with a value carrying calls and/or messages.
type webhookPayload struct {
	Entry []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Calls    []webhookCall    `json:"calls"`
	Messages []webhookMessage `json:"messages"`
}

type webhookCall struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"` // ringing | answered | ended | ...
	Timestamp string `json:"timestamp"`
	Duration  *int   `json:"duration"`
}

type webhookMessage struct {
	From        string `json:"from"`
	Type        string `json:"type"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

// handleWebhookVerify answers the Meta subscription handshake: echo
// hub.challenge as plain text when the verify token matches.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || s.cfg.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.VerifyToken)) != 1 {
		slog.Warn("webhook verification failed", "mode", mode)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge) //nolint:errcheck
}

// handleWebhookEvent processes a delivery: call events route to the
// engine, consent button replies to the permission ledger. The endpoint
// always acknowledges with 200 so the provider does not re-deliver
// payloads we merely failed to act on.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil {
		slog.Warn("webhook: undecodable payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			for _, call := range value.Calls {
				s.routeCallEvent(r, value, call)
			}
			for _, msg := range value.Messages {
				s.routeMessage(r, value, msg)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// routeCallEvent maps a provider call status to an engine event.
func (s *Server) routeCallEvent(r *http.Request, value webhookValue, call webhookCall) {
	var evType engine.InboundType
	switch call.Status {
	case "ringing":
		evType = engine.InboundRing
	case "answered", "accepted":
		evType = engine.InboundAnswered
	case "ended", "completed", "rejected", "missed":
		evType = engine.InboundEnded
	default:
		evType = engine.InboundStatusUpdate
	}

	customerName := ""
	for _, c := range value.Contacts {
		if c.WaID == call.From {
			customerName = c.Profile.Name
		}
	}

	business := call.To
	if business == "" {
		business = value.Metadata.DisplayPhoneNumber
	}
	business = normalizeNumber(business)

	s.engine.HandleInbound(r.Context(), engine.InboundEvent{
		CallID:          call.ID,
		Type:            evType,
		CustomerNumber:  normalizeNumber(call.From),
		CustomerName:    customerName,
		BusinessNumber:  business,
		DurationSeconds: call.Duration,
	})
}

// Consent template button identifiers.
const (
	consentAcceptID  = "voice_call_accept"
	consentDeclineID = "voice_call_decline"
)

// routeMessage handles consent button replies; other messages are
// outside this service's scope and dropped.
func (s *Server) routeMessage(r *http.Request, value webhookValue, msg webhookMessage) {
	var granted, isReply bool

	switch {
	case msg.Interactive != nil && msg.Interactive.Type == "button_reply":
		isReply = true
		granted = msg.Interactive.ButtonReply.ID == consentAcceptID
	case msg.Button != nil:
		isReply = true
		granted = msg.Button.Payload == consentAcceptID || msg.Button.Text == "Accept"
	}
	if !isReply {
		return
	}

	customer := normalizeNumber(msg.From)
	business := normalizeNumber(value.Metadata.DisplayPhoneNumber)

	err := s.ledger.OnConsentResponse(r.Context(), customer, business, granted, 0)
	if err != nil {
		slog.Warn("webhook: consent response not applied",
			"customer", customer, "granted", granted, "error", err)
	}
}

// normalizeNumber gives webhook numbers (digits, no plus) the E.164 form
// used everywhere else.
func normalizeNumber(number string) string {
	if number == "" || number[0] == '+' {
		return number
	}
	return "+" + number
}
