package engine

import (
	"errors"
	"fmt"

	"github.com/wacall/wacall/internal/permission"
)

var (
	// ErrAlreadyInCall is returned when an outbound attempt targets a
	// counterparty that already has a non-terminal session.
	ErrAlreadyInCall = errors.New("engine: counterparty already in a call")

	// ErrCallNotFound is returned for operations on unknown call ids.
	ErrCallNotFound = errors.New("engine: call not found")

	// ErrInvalidState is returned when an operation is not legal in the
	// session's current state (e.g. accepting a call that is not ringing).
	ErrInvalidState = errors.New("engine: operation not valid in current state")
)

// Failure reason codes carried on call_failed events and call records.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonMediaAcquisition = "media_acquisition_failed"
	ReasonSignaling        = "signaling_error"
	ReasonRingTimeout      = "ring_timeout"
)

// PermissionDeniedError reports why an outbound attempt was blocked by the
// permission ledger. It is surfaced to the caller-side trigger verbatim;
// signaling failures, by contrast, are reported generically.
type PermissionDeniedError struct {
	Reason permission.DenyReason
}

func (e *PermissionDeniedError) Error() string {
	switch e.Reason {
	case permission.DenyNoPermission:
		return "no call permission: request permission first"
	case permission.DenyDenied:
		return "customer denied call permission"
	case permission.DenyExpired:
		return "call permission expired: request permission again"
	case permission.DenyQuotaExceeded:
		return fmt.Sprintf("daily call limit (%d) reached", permission.CallQuota24h)
	default:
		return "call permission denied"
	}
}

// FailReason maps the denial to the event taxonomy code.
func (e *PermissionDeniedError) FailReason() string {
	if e.Reason == permission.DenyQuotaExceeded {
		return ReasonQuotaExceeded
	}
	return ReasonPermissionDenied
}
