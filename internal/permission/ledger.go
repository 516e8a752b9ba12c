// Package permission implements the consent ledger gating outbound calls:
// per-(customer, business) consent state with time-boxed grants, a rolling
// call quota, and pacing of consent request messages.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wacall/wacall/internal/database"
	"github.com/wacall/wacall/internal/database/models"
)

// DenyReason explains why Check refused an outbound attempt.
type DenyReason string

const (
	DenyNoPermission  DenyReason = "no_permission"
	DenyDenied        DenyReason = "denied"
	DenyExpired       DenyReason = "expired"
	DenyQuotaExceeded DenyReason = "quota_exceeded"
)

const (
	// CallQuota24h is the maximum number of calls to one customer within
	// the trailing 24-hour window.
	CallQuota24h = 5

	// Consent request pacing, per WhatsApp policy: at most one request
	// per 24 hours and two per 7 days for a given customer.
	requestLimit24h = 1
	requestLimit7d  = 2

	// DefaultGrantTTL is how long a granted permission stays valid when
	// the consent response carries no explicit expiry.
	DefaultGrantTTL = 7 * 24 * time.Hour
)

var (
	// ErrRequestLimit24h is returned when a consent request was already
	// sent within the last 24 hours.
	ErrRequestLimit24h = errors.New("permission: only 1 request per 24 hours allowed")

	// ErrRequestLimit7d is returned when two consent requests were
	// already sent within the last 7 days.
	ErrRequestLimit7d = errors.New("permission: only 2 requests per 7 days allowed")

	// ErrNoPendingRequest is returned for a consent response with no
	// matching permission record.
	ErrNoPendingRequest = errors.New("permission: no pending request for this customer")
)

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// CallsIn24h is the effective trailing-window call count at decision
	// time (after any stale-window reset).
	CallsIn24h int
}

// ConsentSender delivers the consent request message to the customer.
// The platform client implements this with a template message carrying a
// voice-call-request button.
type ConsentSender interface {
	SendConsentRequest(ctx context.Context, businessNumber, customerNumber string) error
}

// Ledger enforces the consent and quota rules on top of the permission
// record store.
type Ledger struct {
	store  database.PermissionRepository
	sender ConsentSender
	now    func() time.Time
}

// NewLedger creates a permission ledger.
func NewLedger(store database.PermissionRepository, sender ConsentSender) *Ledger {
	return &Ledger{store: store, sender: sender, now: time.Now}
}

// Check decides whether an outbound call to customerNumber from
// businessNumber may be attempted right now. Expiry is evaluated lazily
// here; an expired grant is written back as expired.
func (l *Ledger) Check(ctx context.Context, customerNumber, businessNumber string) (Decision, error) {
	perm, err := l.store.Get(ctx, customerNumber, businessNumber)
	if errors.Is(err, database.ErrNotFound) {
		return Decision{Reason: DenyNoPermission}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("loading permission: %w", err)
	}

	switch perm.Status {
	case models.PermissionGranted:
		// fall through to expiry and quota checks
	case models.PermissionDenied:
		return Decision{Reason: DenyDenied}, nil
	case models.PermissionExpired:
		return Decision{Reason: DenyExpired}, nil
	default:
		return Decision{Reason: DenyNoPermission}, nil
	}

	now := l.now()
	if perm.ExpiresAt != nil && perm.ExpiresAt.Before(now) {
		perm.Status = models.PermissionExpired
		if err := l.store.Update(ctx, perm); err != nil {
			slog.Warn("failed to persist lazy permission expiry",
				"customer", customerNumber, "error", err)
		}
		return Decision{Reason: DenyExpired}, nil
	}

	calls := l.effectiveCallCount(perm, now)
	if calls >= CallQuota24h {
		return Decision{Reason: DenyQuotaExceeded, CallsIn24h: calls}, nil
	}

	return Decision{Allowed: true, CallsIn24h: calls}, nil
}

// RecordCallPlaced increments the trailing-window call counter. It must be
// called exactly once per initiated outbound call, after Check passes and
// before the signaling handshake begins.
func (l *Ledger) RecordCallPlaced(ctx context.Context, customerNumber, businessNumber string) error {
	perm, err := l.store.Get(ctx, customerNumber, businessNumber)
	if err != nil {
		return fmt.Errorf("loading permission: %w", err)
	}

	now := l.now()
	perm.CallsIn24h = l.effectiveCallCount(perm, now) + 1
	perm.LastCallAt = &now
	if err := l.store.Update(ctx, perm); err != nil {
		return fmt.Errorf("recording placed call: %w", err)
	}
	return nil
}

// Request sends a consent request message and marks the permission record
// as requested, enforcing the request pacing windows.
func (l *Ledger) Request(ctx context.Context, customerNumber, businessNumber string) error {
	now := l.now()

	perm, err := l.store.Get(ctx, customerNumber, businessNumber)
	switch {
	case errors.Is(err, database.ErrNotFound):
		perm = &models.CallPermission{
			CustomerNumber: customerNumber,
			BusinessNumber: businessNumber,
			Status:         models.PermissionRequested,
		}
		if err := l.store.Create(ctx, perm); err != nil {
			return fmt.Errorf("creating permission record: %w", err)
		}
	case err != nil:
		return fmt.Errorf("loading permission: %w", err)
	default:
		if perm.RequestSentAt != nil {
			since := now.Sub(*perm.RequestSentAt)
			if since >= 24*time.Hour {
				perm.RequestsIn24h = 0
			}
			if since >= 7*24*time.Hour {
				perm.RequestsIn7d = 0
			}
			if since < 24*time.Hour && perm.RequestsIn24h >= requestLimit24h {
				return ErrRequestLimit24h
			}
			if since < 7*24*time.Hour && perm.RequestsIn7d >= requestLimit7d {
				return ErrRequestLimit7d
			}
		}
	}

	if err := l.sender.SendConsentRequest(ctx, businessNumber, customerNumber); err != nil {
		return fmt.Errorf("sending consent request: %w", err)
	}

	perm.Status = models.PermissionRequested
	perm.RequestsIn24h++
	perm.RequestsIn7d++
	perm.RequestSentAt = &now
	if err := l.store.Update(ctx, perm); err != nil {
		return fmt.Errorf("updating permission record: %w", err)
	}

	slog.Info("consent request sent",
		"customer", customerNumber, "business", businessNumber)
	return nil
}

// OnConsentResponse applies the customer's reply to a pending request.
// A non-positive ttl falls back to DefaultGrantTTL.
func (l *Ledger) OnConsentResponse(ctx context.Context, customerNumber, businessNumber string, granted bool, ttl time.Duration) error {
	perm, err := l.store.Get(ctx, customerNumber, businessNumber)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNoPendingRequest
	}
	if err != nil {
		return fmt.Errorf("loading permission: %w", err)
	}

	now := l.now()
	if granted {
		if ttl <= 0 {
			ttl = DefaultGrantTTL
		}
		expires := now.Add(ttl)
		perm.Status = models.PermissionGranted
		perm.GrantedAt = &now
		perm.ExpiresAt = &expires
		perm.CallsIn24h = 0
		perm.LastCallAt = nil
	} else {
		perm.Status = models.PermissionDenied
	}

	if err := l.store.Update(ctx, perm); err != nil {
		return fmt.Errorf("updating permission record: %w", err)
	}

	slog.Info("consent response recorded",
		"customer", customerNumber, "business", businessNumber, "granted", granted)
	return nil
}

// ExpireSweep marks all overdue grants as expired. Check already handles
// expiry lazily; the sweep keeps stored records honest for list views.
func (l *Ledger) ExpireSweep(ctx context.Context) (int64, error) {
	return l.store.ExpireGranted(ctx)
}

// effectiveCallCount applies the fixed-reset window: the counter reads as
// zero once the last call is more than 24 hours old.
func (l *Ledger) effectiveCallCount(perm *models.CallPermission, now time.Time) int {
	if perm.LastCallAt == nil || now.Sub(*perm.LastCallAt) >= 24*time.Hour {
		return 0
	}
	return perm.CallsIn24h
}
