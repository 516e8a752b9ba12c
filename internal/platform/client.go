// Package platform is the WhatsApp Cloud API client: placing, accepting
// and terminating call legs, and sending the consent request template.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the Graph API endpoint used unless overridden in
// configuration (tests point this at a local server).
const DefaultBaseURL = "https://graph.facebook.com/v18.0"

// consentTemplate is the pre-approved template used for call permission
// requests. It must exist in the business's template library.
const consentTemplate = "call_permission_request"

// Client is a thin Graph API HTTP client. Credentials are per business
// number and passed with each request.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a platform client. An empty baseURL selects the
// production Graph API endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

// callSession is the SDP payload attached to call actions.
type callSession struct {
	SDPType string `json:"sdp_type"`
	SDP     string `json:"sdp"`
}

type callRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to,omitempty"`
	CallID           string       `json:"call_id,omitempty"`
	Action           string       `json:"action,omitempty"`
	Session          *callSession `json:"session,omitempty"`
}

type callResponse struct {
	ID string `json:"id"`
}

// StartCall asks the platform to ring the customer and returns the
// provider-assigned call id.
func (c *Client) StartCall(ctx context.Context, phoneNumberID, accessToken, to string) (string, error) {
	var resp callResponse
	err := c.post(ctx, phoneNumberID+"/calls", accessToken, callRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Action:           "connect",
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("platform: call start response carried no call id")
	}
	return resp.ID, nil
}

// AcceptCall accepts an inbound call, handing the platform the SDP answer
// that points its media at the gateway room.
func (c *Client) AcceptCall(ctx context.Context, phoneNumberID, accessToken, callID, sdpAnswer string) error {
	return c.post(ctx, phoneNumberID+"/calls", accessToken, callRequest{
		MessagingProduct: "whatsapp",
		CallID:           callID,
		Action:           "accept",
		Session:          &callSession{SDPType: "answer", SDP: sdpAnswer},
	}, nil)
}

// EndCall terminates a call leg. Used for local hangup and for declining
// an inbound call.
func (c *Client) EndCall(ctx context.Context, phoneNumberID, accessToken, callID string) error {
	return c.post(ctx, phoneNumberID+"/calls", accessToken, callRequest{
		MessagingProduct: "whatsapp",
		CallID:           callID,
		Action:           "terminate",
	}, nil)
}

// templateComponent mirrors the Cloud API template component structure.
type templateComponent struct {
	Type       string         `json:"type"`
	SubType    string         `json:"sub_type,omitempty"`
	Index      int            `json:"index"`
	Parameters []templateParm `json:"parameters,omitempty"`
}

type templateParm struct {
	Type   string         `json:"type"`
	Action map[string]any `json:"action,omitempty"`
}

type messageRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         *struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components,omitempty"`
	} `json:"template,omitempty"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// SendConsentTemplate sends the pre-approved call permission request
// template with a voice-call-request button.
func (c *Client) SendConsentTemplate(ctx context.Context, phoneNumberID, accessToken, to string) error {
	req := messageRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
	}
	req.Template = &struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components,omitempty"`
	}{}
	req.Template.Name = consentTemplate
	req.Template.Language.Code = "en"
	req.Template.Components = []templateComponent{{
		Type:    "button",
		SubType: "voice_call",
		Index:   0,
		Parameters: []templateParm{{
			Type:   "action",
			Action: map[string]any{"flow_action_type": "voice_call_request"},
		}},
	}}

	return c.post(ctx, phoneNumberID+"/messages", accessToken, req, nil)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, phoneNumberID, accessToken, to, body string) error {
	req := messageRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
	}
	req.Text = &struct {
		Body string `json:"body"`
	}{Body: body}

	return c.post(ctx, phoneNumberID+"/messages", accessToken, req, nil)
}

// apiError is the Graph API error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path, accessToken string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("platform: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("platform: creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("platform: sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("platform: reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("platform: api error (status %d): %s",
				httpResp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("platform: api returned status %d", httpResp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("platform: decoding response: %w", err)
		}
	}
	return nil
}
