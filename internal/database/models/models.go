package models

import "time"

// Call represents one WhatsApp voice call, inbound or outbound.
//
// CallID is assigned by the engine for outbound calls and by the provider
// for inbound ones. ProviderCallID holds the Cloud API call id for outbound
// calls so webhook events can be correlated either way.
type Call struct {
	ID             int64
	CallID         string
	ProviderCallID string
	Direction      string // "outbound" | "inbound"
	CustomerNumber string
	CustomerName   string
	BusinessNumber string
	Status         string

	GatewaySessionID string
	GatewayHandleID  string
	GatewayRoomID    int64

	StartedAt       time.Time
	AnsweredAt      *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	FailReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission status values.
const (
	PermissionRequested = "requested"
	PermissionGranted   = "granted"
	PermissionDenied    = "denied"
	PermissionExpired   = "expired"
)

// CallPermission tracks a customer's consent to receive calls from one
// business number, together with the rolling usage counters.
type CallPermission struct {
	ID             int64
	CustomerNumber string
	BusinessNumber string
	Status         string

	GrantedAt *time.Time
	ExpiresAt *time.Time

	CallsIn24h int
	LastCallAt *time.Time

	RequestsIn24h int
	RequestsIn7d  int
	RequestSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BusinessNumber is a registered WhatsApp business phone number.
type BusinessNumber struct {
	ID            int64
	PhoneNumber   string // E.164
	PhoneNumberID string // Cloud API phone number id
	DisplayName   string
	Status        string // "active" | "disabled"
	AccessToken   string
	LastUsedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Agent is a business-side user allowed to place and answer calls.
type Agent struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
