// Package engine runs call sessions: the lifecycle state machine, the
// directory of live calls and the event dispatcher. It owns no transport
// itself; media, gateway signaling, the platform client and the record
// store are injected behind small interfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wacall/wacall/internal/database"
	"github.com/wacall/wacall/internal/database/models"
	"github.com/wacall/wacall/internal/permission"
)

// MediaSession is one live local media leg.
type MediaSession interface {
	// OfferSDP returns the local SDP offer with ICE candidates gathered.
	OfferSDP() string
	// ApplyAnswer installs the remote SDP answer.
	ApplyAnswer(answerSDP string) error
	// Failed is closed when the media path breaks (ICE failure).
	Failed() <-chan struct{}
	Close() error
}

// MediaEngine acquires media sessions for calls.
type MediaEngine interface {
	Acquire(ctx context.Context) (MediaSession, error)
}

// SignalingSession is one gateway session/handle owned by a call.
type SignalingSession interface {
	SessionID() string
	HandleID() string
	RoomID() int64
	CreateRoom(ctx context.Context) (int64, error)
	Join(ctx context.Context, roomID int64, display, offerSDP string) (string, error)
	AwaitAnswer(ctx context.Context) (string, error)
	Close(ctx context.Context)
}

// SignalerFunc opens a fresh gateway session.
type SignalerFunc func(ctx context.Context) (SignalingSession, error)

// PlatformCaller is the provider-side call control surface.
type PlatformCaller interface {
	StartCall(ctx context.Context, businessNumber, customerNumber string) (providerCallID string, err error)
	AcceptCall(ctx context.Context, businessNumber, callID, sdpAnswer string) error
	EndCall(ctx context.Context, businessNumber, callID string) error
}

// PermissionLedger is the consent surface the engine consults before
// every outbound attempt.
type PermissionLedger interface {
	Check(ctx context.Context, customerNumber, businessNumber string) (permission.Decision, error)
	RecordCallPlaced(ctx context.Context, customerNumber, businessNumber string) error
}

// Engine coordinates call sessions.
type Engine struct {
	calls      database.CallRepository
	ledger     PermissionLedger
	platform   PlatformCaller
	media      MediaEngine
	signaler   SignalerFunc
	directory  *Directory
	dispatcher *Dispatcher
	now        func() time.Time

	// ringTimeout is how long an outbound call rings before it is
	// abandoned. Overridable in tests.
	ringTimeout time.Duration
}

// New creates a call engine.
func New(calls database.CallRepository, ledger PermissionLedger, platform PlatformCaller,
	media MediaEngine, signaler SignalerFunc) *Engine {
	return &Engine{
		calls:       calls,
		ledger:      ledger,
		platform:    platform,
		media:       media,
		signaler:    signaler,
		directory:   NewDirectory(),
		dispatcher:  NewDispatcher(),
		now:         time.Now,
		ringTimeout: ringWaitAttempts * ringWaitInterval,
	}
}

// Directory exposes the live-session index (metrics, API listings).
func (e *Engine) Directory() *Directory { return e.directory }

// Subscribe registers an event listener.
func (e *Engine) Subscribe(l Listener) { e.dispatcher.Subscribe(l) }

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidNumber reports whether number is plausible E.164.
func ValidNumber(number string) bool { return e164.MatchString(number) }

// PlaceCall starts an outbound call. The permission path runs
// synchronously so a blocked attempt never allocates media or signaling;
// the dial itself continues in the background. Returns the engine call id.
func (e *Engine) PlaceCall(ctx context.Context, customerNumber, customerName, businessNumber string) (string, error) {
	if !ValidNumber(customerNumber) {
		return "", fmt.Errorf("engine: invalid customer number %q", customerNumber)
	}

	s := newSession(e, uuid.NewString(), DirectionOutbound,
		customerNumber, customerName, businessNumber)

	if err := e.directory.Register(s); err != nil {
		return "", err
	}

	if err := s.transition(StatePermissionCheck); err != nil {
		e.directory.Unregister(s)
		return "", err
	}

	decision, err := e.ledger.Check(ctx, customerNumber, businessNumber)
	if err != nil {
		e.directory.Unregister(s)
		return "", fmt.Errorf("engine: checking permission: %w", err)
	}
	if !decision.Allowed {
		denied := &PermissionDeniedError{Reason: decision.Reason}
		e.failBeforeDial(ctx, s, denied.FailReason())
		return "", denied
	}

	if err := e.ledger.RecordCallPlaced(ctx, customerNumber, businessNumber); err != nil {
		e.directory.Unregister(s)
		return "", fmt.Errorf("engine: recording call quota: %w", err)
	}

	if err := e.calls.Create(ctx, s.record()); err != nil {
		e.directory.Unregister(s)
		return "", fmt.Errorf("engine: creating call record: %w", err)
	}

	slog.Info("outbound call starting",
		"call_id", s.CallID, "customer", customerNumber, "business", businessNumber)

	go s.dial()
	return s.CallID, nil
}

// failBeforeDial records a permission-blocked attempt: the session never
// reached Negotiating, but the attempt is persisted and announced.
func (e *Engine) failBeforeDial(ctx context.Context, s *Session, reason string) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	e.directory.Unregister(s)

	call := s.record()
	now := e.now()
	call.EndedAt = &now
	call.FailReason = reason
	if err := e.calls.Create(ctx, call); err != nil {
		slog.Warn("persisting blocked call failed", "call_id", s.CallID, "error", err)
	}

	ev := s.event(EventCallFailed)
	ev.Reason = reason
	e.dispatcher.Publish(ev)
}

// Accept answers a ringing inbound call.
func (e *Engine) Accept(ctx context.Context, callID string) error {
	s, ok := e.directory.Lookup(callID)
	if !ok {
		return ErrCallNotFound
	}
	return s.accept(ctx)
}

// Decline rejects a ringing inbound call.
func (e *Engine) Decline(ctx context.Context, callID string) error {
	s, ok := e.directory.Lookup(callID)
	if !ok {
		return ErrCallNotFound
	}
	return s.decline(ctx)
}

// Hangup ends a live call from the business side.
func (e *Engine) Hangup(ctx context.Context, callID string) error {
	s, ok := e.directory.Lookup(callID)
	if !ok {
		return ErrCallNotFound
	}
	return s.hangup(ctx)
}

// Lookup returns the live session for a call id.
func (e *Engine) Lookup(callID string) (*Session, bool) {
	return e.directory.Lookup(callID)
}

// HandleInbound routes a provider event to its session. Unknown Ring
// events create a new inbound session; anything else unknown is stale
// and dropped.
func (e *Engine) HandleInbound(ctx context.Context, ev InboundEvent) {
	s, ok := e.directory.Lookup(ev.CallID)
	if !ok {
		if ev.Type == InboundRing {
			e.startInbound(ctx, ev)
			return
		}
		slog.Debug("dropping event for unknown call",
			"call_id", ev.CallID, "type", ev.Type)
		return
	}

	switch ev.Type {
	case InboundRing:
		// duplicate ring for a known call
	case InboundAnswered:
		s.markAnswered()
	case InboundEnded:
		s.remoteEnded(ev.DurationSeconds)
	case InboundStatusUpdate:
		slog.Debug("call status update", "call_id", ev.CallID)
	default:
		slog.Debug("dropping unrecognized call event",
			"call_id", ev.CallID, "type", ev.Type)
	}
}

// startInbound registers a ringing inbound session and announces it.
func (e *Engine) startInbound(ctx context.Context, ev InboundEvent) {
	s := newSession(e, ev.CallID, DirectionInbound,
		ev.CustomerNumber, ev.CustomerName, ev.BusinessNumber)

	if err := e.directory.Register(s); err != nil {
		if errors.Is(err, ErrAlreadyInCall) {
			slog.Warn("inbound call while counterparty busy, ignoring",
				"call_id", ev.CallID, "customer", ev.CustomerNumber)
			return
		}
		slog.Error("registering inbound call failed", "call_id", ev.CallID, "error", err)
		return
	}

	if err := s.transition(StateRingingInbound); err != nil {
		e.directory.Unregister(s)
		return
	}

	if err := e.calls.Create(ctx, s.record()); err != nil {
		slog.Warn("persisting inbound call failed", "call_id", ev.CallID, "error", err)
	}

	slog.Info("inbound call ringing",
		"call_id", ev.CallID, "customer", ev.CustomerNumber, "business", ev.BusinessNumber)
	e.dispatcher.Publish(s.event(EventCallRinging))
}

// updateRecord writes the session's current state to the record store.
func (e *Engine) updateRecord(ctx context.Context, call *models.Call) error {
	return e.calls.Update(ctx, call)
}

// Shutdown hangs up every live call. Used on process exit.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, s := range e.directory.Sessions() {
		if err := s.hangup(ctx); err != nil {
			slog.Debug("shutdown hangup", "call_id", s.CallID, "error", err)
		}
	}
}
