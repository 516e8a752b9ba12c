package engine

import "time"

// Direction of a call relative to the business.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EventType identifies a notification event published to listeners.
type EventType string

const (
	EventCallRinging  EventType = "call_ringing"
	EventCallAnswered EventType = "call_answered"
	EventCallEnded    EventType = "call_ended"
	EventCallFailed   EventType = "call_failed"
)

// Event is a call lifecycle notification fanned out to listeners
// (agent UI stream, metrics, record store hooks).
type Event struct {
	Type           EventType `json:"type"`
	CallID         string    `json:"call_id"`
	Direction      Direction `json:"direction"`
	CustomerNumber string    `json:"customer_number"`
	CustomerName   string    `json:"customer_name,omitempty"`
	BusinessNumber string    `json:"business_number"`
	// DurationSeconds is set only on call_ended for answered calls.
	DurationSeconds *int `json:"duration_seconds,omitempty"`
	// Reason is set only on call_failed.
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Listener receives published events. Implementations must not block;
// the dispatcher delivers on separate goroutines and never applies
// back-pressure.
type Listener interface {
	HandleEvent(ev Event)
}

// InboundType identifies a provider-originated event delivered through
// the webhook endpoint.
type InboundType string

const (
	InboundRing         InboundType = "ring"
	InboundAnswered     InboundType = "answered"
	InboundEnded        InboundType = "ended"
	InboundStatusUpdate InboundType = "status_update"
)

// InboundEvent is the normalized shape of a provider call event.
type InboundEvent struct {
	CallID          string
	Type            InboundType
	CustomerNumber  string
	CustomerName    string
	BusinessNumber  string
	DurationSeconds *int
}
