// Package gateway speaks the Janus audiobridge HTTP control protocol:
// session create, plugin attach, room create/join, and the event poll that
// retrieves an asynchronous SDP answer. The engine sees one awaited
// offer-in, answer-out negotiation regardless of how the gateway chooses
// to deliver the answer.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	audioBridgePlugin = "janus.plugin.audiobridge"

	// WhatsApp call legs use 48kHz audio.
	roomSamplingRate = 48000

	// Answer poll budget: 50 attempts at 100ms spacing (5s ceiling).
	// This bounds only the SDP answer retrieval, not human pickup.
	answerPollInterval = 100 * time.Millisecond
	answerPollAttempts = 50
)

// ErrorKind classifies signaling failures.
type ErrorKind string

const (
	ErrUnexpectedResponse ErrorKind = "unexpected_response"
	ErrTimeout            ErrorKind = "timeout"
	ErrUnreachable        ErrorKind = "unreachable"
)

// Error is a signaling failure with a taxonomy kind.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.msg)
}

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Client holds the gateway endpoint configuration shared by all sessions.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiSecret  string

	// Answer poll budget, overridable in tests.
	pollInterval time.Duration
	pollAttempts int
}

// NewClient creates a gateway client for the given control endpoint base
// URL (e.g. "http://janus:8088/janus").
func NewClient(baseURL, apiSecret string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		baseURL:      baseURL,
		apiSecret:    apiSecret,
		pollInterval: answerPollInterval,
		pollAttempts: answerPollAttempts,
	}
}

// jsep is an SDP payload with its type tag.
type jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// messageBody is the plugin-level request inside a "message" envelope.
type messageBody struct {
	Request      string `json:"request"`
	Room         int64  `json:"room,omitempty"`
	Description  string `json:"description,omitempty"`
	SamplingRate int    `json:"sampling_rate,omitempty"`
	Display      string `json:"display,omitempty"`
}

// request is the gateway control envelope. Every request carries a fresh
// transaction id.
type request struct {
	Janus       string       `json:"janus"`
	Transaction string       `json:"transaction"`
	Plugin      string       `json:"plugin,omitempty"`
	APISecret   string       `json:"apisecret,omitempty"`
	Body        *messageBody `json:"body,omitempty"`
	JSEP        *jsep        `json:"jsep,omitempty"`
}

type response struct {
	Janus string `json:"janus"`
	Data  *struct {
		ID int64 `json:"id"`
	} `json:"data"`
	JSEP  *jsep `json:"jsep"`
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Session is one gateway session/handle pair owned by a single call.
type Session struct {
	client    *Client
	sessionID int64
	handleID  int64
	roomID    int64
}

// NewSession creates a gateway session and attaches the audiobridge
// plugin, returning a handle ready for room operations.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	resp, err := c.post(ctx, "", request{Janus: "create"})
	if err != nil {
		return nil, err
	}
	if resp.Janus != "success" || resp.Data == nil {
		return nil, errf(ErrUnexpectedResponse, "session create returned %q", resp.Janus)
	}
	s := &Session{client: c, sessionID: resp.Data.ID}

	resp, err = c.post(ctx, fmt.Sprintf("/%d", s.sessionID), request{
		Janus:  "attach",
		Plugin: audioBridgePlugin,
	})
	if err != nil {
		return nil, err
	}
	if resp.Janus != "success" || resp.Data == nil {
		return nil, errf(ErrUnexpectedResponse, "plugin attach returned %q", resp.Janus)
	}
	s.handleID = resp.Data.ID

	slog.Debug("gateway session created",
		"session_id", s.sessionID, "handle_id", s.handleID)
	return s, nil
}

// SessionID returns the gateway-assigned session identifier.
func (s *Session) SessionID() string { return strconv.FormatInt(s.sessionID, 10) }

// HandleID returns the gateway-assigned plugin handle identifier.
func (s *Session) HandleID() string { return strconv.FormatInt(s.handleID, 10) }

// RoomID returns the audio room created for this session, 0 if none yet.
func (s *Session) RoomID() int64 { return s.roomID }

// CreateRoom creates a dedicated audiobridge room for one call and
// returns its numeric id.
func (s *Session) CreateRoom(ctx context.Context) (int64, error) {
	roomID := rand.Int63n(999999) + 1

	resp, err := s.client.post(ctx, s.handlePath(), request{
		Janus: "message",
		Body: &messageBody{
			Request:      "create",
			Room:         roomID,
			Description:  fmt.Sprintf("Call room %d", roomID),
			SamplingRate: roomSamplingRate,
		},
	})
	if err != nil {
		return 0, err
	}
	if resp.Janus != "success" && resp.Janus != "ack" {
		return 0, errf(ErrUnexpectedResponse, "room create returned %q", resp.Janus)
	}

	s.roomID = roomID
	return roomID, nil
}

// Join joins the room with the local SDP offer. If the gateway answers
// synchronously the SDP answer is returned directly; an empty string means
// the join was acknowledged and the answer must be fetched with
// AwaitAnswer.
func (s *Session) Join(ctx context.Context, roomID int64, display, offerSDP string) (string, error) {
	resp, err := s.client.post(ctx, s.handlePath(), request{
		Janus: "message",
		Body: &messageBody{
			Request: "join",
			Room:    roomID,
			Display: display,
		},
		JSEP: &jsep{Type: "offer", SDP: offerSDP},
	})
	if err != nil {
		return "", err
	}

	if resp.JSEP != nil && resp.JSEP.Type == "answer" {
		return resp.JSEP.SDP, nil
	}
	if resp.Janus == "ack" || resp.Janus == "success" {
		return "", nil
	}
	return "", errf(ErrUnexpectedResponse, "room join returned %q", resp.Janus)
}

// AwaitAnswer polls the session event endpoint for the asynchronous SDP
// answer, at most answerPollAttempts times at answerPollInterval spacing.
func (s *Session) AwaitAnswer(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/%d?maxev=1", s.client.baseURL, s.sessionID)

	for attempt := 1; attempt <= s.client.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.client.pollInterval):
		}

		resp, err := s.client.get(ctx, url)
		if err != nil {
			return "", err
		}
		if resp.JSEP != nil && resp.JSEP.Type == "answer" {
			slog.Debug("gateway answer received", "attempts", attempt)
			return resp.JSEP.SDP, nil
		}
	}

	return "", errf(ErrTimeout, "no SDP answer after %d polls", s.client.pollAttempts)
}

// Close releases the room and session on the gateway. Teardown is
// best-effort: the gateway garbage-collects idle sessions on its own, so
// failures are logged and swallowed.
func (s *Session) Close(ctx context.Context) {
	if s.roomID != 0 {
		_, err := s.client.post(ctx, s.handlePath(), request{
			Janus: "message",
			Body:  &messageBody{Request: "destroy", Room: s.roomID},
		})
		if err != nil {
			slog.Warn("gateway room destroy failed", "room", s.roomID, "error", err)
		}
	}

	_, err := s.client.post(ctx, fmt.Sprintf("/%d", s.sessionID), request{Janus: "destroy"})
	if err != nil {
		slog.Warn("gateway session destroy failed",
			"session_id", s.sessionID, "error", err)
	}
}

func (s *Session) handlePath() string {
	return fmt.Sprintf("/%d/%d", s.sessionID, s.handleID)
}

// post sends one control request with a fresh transaction id.
func (c *Client) post(ctx context.Context, path string, req request) (*response, error) {
	req.Transaction = uuid.NewString()
	if c.apiSecret != "" {
		req.APISecret = c.apiSecret
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq)
}

func (c *Client) get(ctx context.Context, url string) (*response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: creating request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) do(httpReq *http.Request) (*response, error) {
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errf(ErrUnreachable, "%v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, errf(ErrUnreachable, "reading response: %v", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, errf(ErrUnexpectedResponse, "status %d", httpResp.StatusCode)
	}

	var resp response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errf(ErrUnexpectedResponse, "decoding response: %v", err)
	}
	if resp.Janus == "error" || resp.Error != nil {
		reason := "unknown"
		if resp.Error != nil {
			reason = resp.Error.Reason
		}
		return nil, errf(ErrUnexpectedResponse, "gateway error: %s", reason)
	}
	return &resp, nil
}
