package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wacall/wacall/internal/database/models"
)

const (
	// Ring wait budget for outbound calls: how long the customer's phone
	// rings before the attempt is abandoned.
	ringWaitAttempts = 30
	ringWaitInterval = 2 * time.Second
)

// Session is one call from dial (or inbound ring) to teardown. All state
// mutations are serialized through mu; the dial goroutine, webhook events
// and API operations may touch a session concurrently.
type Session struct {
	CallID         string
	Direction      Direction
	CustomerNumber string
	CustomerName   string
	BusinessNumber string

	eng    *Engine
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	providerCallID string
	startedAt      time.Time
	answeredAt     *time.Time
	remoteAnswer   string
	media          MediaSession
	signaling      SignalingSession

	// answered is closed once the counterparty picks up. answeredDuration
	// carries a provider-reported duration on the ended event, if any.
	answered         chan struct{}
	answeredOnce     sync.Once
	answeredDuration *int

	cleanupOnce sync.Once
}

func newSession(eng *Engine, callID string, dir Direction, customer, customerName, business string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		CallID:         callID,
		Direction:      dir,
		CustomerNumber: customer,
		CustomerName:   customerName,
		BusinessNumber: business,
		eng:            eng,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateIdle,
		startedAt:      eng.now(),
		answered:       make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProviderCallID returns the platform-assigned call id, if known yet.
func (s *Session) ProviderCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerCallID
}

// transition moves the session to next, rejecting illegal moves.
func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next State) error {
	if !canTransition(s.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, next)
	}
	slog.Debug("call state transition",
		"call_id", s.CallID, "from", s.state.String(), "to", next.String())
	s.state = next
	return nil
}

// dial runs the outbound setup after PlaceCall has returned the call id:
// media, gateway negotiation, platform call start, then the ring wait.
func (s *Session) dial() {
	if err := s.transition(StateNegotiating); err != nil {
		return
	}
	s.persist()

	media, err := s.eng.media.Acquire(s.ctx)
	if err != nil {
		slog.Error("media acquisition failed", "call_id", s.CallID, "error", err)
		s.finish(StateFailed, ReasonMediaAcquisition)
		return
	}
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()

	answer, err := s.negotiate()
	if err != nil {
		slog.Error("gateway negotiation failed", "call_id", s.CallID, "error", err)
		s.finish(StateFailed, ReasonSignaling)
		return
	}
	if err := media.ApplyAnswer(answer); err != nil {
		slog.Error("applying remote answer failed", "call_id", s.CallID, "error", err)
		s.finish(StateFailed, ReasonSignaling)
		return
	}
	s.mu.Lock()
	s.remoteAnswer = answer
	s.mu.Unlock()

	providerID, err := s.eng.platform.StartCall(s.ctx, s.BusinessNumber, s.CustomerNumber)
	if err != nil {
		slog.Error("platform call start failed", "call_id", s.CallID, "error", err)
		s.finish(StateFailed, ReasonSignaling)
		return
	}
	s.mu.Lock()
	s.providerCallID = providerID
	s.mu.Unlock()
	s.eng.directory.Alias(providerID, s)

	if err := s.transition(StateRinging); err != nil {
		// A hangup raced the setup; teardown already ran.
		return
	}
	s.persist()
	s.eng.dispatcher.Publish(s.event(EventCallRinging))

	s.ringWait()
}

// negotiate runs the gateway handshake: session, room, join with the
// local offer, and the answer poll when the join is only acknowledged.
func (s *Session) negotiate() (string, error) {
	sig, err := s.eng.signaler(s.ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.signaling = sig
	s.mu.Unlock()

	roomID, err := sig.CreateRoom(s.ctx)
	if err != nil {
		return "", err
	}

	answer, err := sig.Join(s.ctx, roomID, s.CustomerNumber, s.media.OfferSDP())
	if err != nil {
		return "", err
	}
	if answer == "" {
		answer, err = sig.AwaitAnswer(s.ctx)
		if err != nil {
			return "", err
		}
	}
	return answer, nil
}

// ringWait blocks until the customer answers, the ring budget lapses, the
// media path fails, or the session is torn down from elsewhere.
func (s *Session) ringWait() {
	timeout := time.NewTimer(s.eng.ringTimeout)
	defer timeout.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-s.media.Failed():
		slog.Warn("media path failed while ringing", "call_id", s.CallID)
		s.finish(StateFailed, ReasonSignaling)
	case <-s.answered:
		s.activate()
	case <-timeout.C:
		slog.Info("ring timeout, abandoning call", "call_id", s.CallID)
		s.terminateLeg()
		s.finish(StateFailed, ReasonRingTimeout)
	}
}

// activate moves the session to Active. Requires both the remote SDP
// answer (already applied in dial/accept) and the answered signal.
func (s *Session) activate() {
	s.mu.Lock()
	if s.remoteAnswer == "" {
		s.mu.Unlock()
		slog.Error("answered before negotiation completed", "call_id", s.CallID)
		s.finish(StateFailed, ReasonSignaling)
		return
	}
	if err := s.transitionLocked(StateActive); err != nil {
		s.mu.Unlock()
		return
	}
	now := s.eng.now()
	s.answeredAt = &now
	s.mu.Unlock()

	s.persist()
	s.eng.dispatcher.Publish(s.event(EventCallAnswered))
}

// markAnswered records the counterparty pickup. For outbound calls the
// ring wait completes the Active transition; for inbound calls pickup is
// the local Accept and this is not used.
func (s *Session) markAnswered() {
	s.answeredOnce.Do(func() { close(s.answered) })
}

// accept answers an inbound call: acquire media, negotiate a gateway
// room, and hand the SDP answer back to the platform.
func (s *Session) accept(ctx context.Context) error {
	if st := s.State(); st != StateRingingInbound {
		return fmt.Errorf("%w: cannot accept call in state %s", ErrInvalidState, st)
	}

	media, err := s.eng.media.Acquire(s.ctx)
	if err != nil {
		s.finish(StateFailed, ReasonMediaAcquisition)
		return fmt.Errorf("acquiring media: %w", err)
	}
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()

	answer, err := s.negotiate()
	if err != nil {
		s.finish(StateFailed, ReasonSignaling)
		return fmt.Errorf("negotiating with gateway: %w", err)
	}
	if err := media.ApplyAnswer(answer); err != nil {
		s.finish(StateFailed, ReasonSignaling)
		return fmt.Errorf("applying answer: %w", err)
	}
	s.mu.Lock()
	s.remoteAnswer = answer
	s.mu.Unlock()

	if err := s.eng.platform.AcceptCall(ctx, s.BusinessNumber, s.CallID, answer); err != nil {
		s.finish(StateFailed, ReasonSignaling)
		return fmt.Errorf("accepting platform call: %w", err)
	}

	s.markAnswered()
	s.activate()

	// Watch for media path failure for the life of the call.
	go func() {
		select {
		case <-s.ctx.Done():
		case <-s.media.Failed():
			slog.Warn("media path failed mid-call", "call_id", s.CallID)
			s.terminateLeg()
			s.finish(StateFailed, ReasonSignaling)
		}
	}()
	return nil
}

// decline rejects a ringing inbound call.
func (s *Session) decline(ctx context.Context) error {
	if st := s.State(); st != StateRingingInbound {
		return fmt.Errorf("%w: cannot decline call in state %s", ErrInvalidState, st)
	}
	if err := s.eng.platform.EndCall(ctx, s.BusinessNumber, s.CallID); err != nil {
		slog.Warn("platform decline failed", "call_id", s.CallID, "error", err)
	}
	s.finish(StateEnded, "")
	return nil
}

// hangup ends the call from the business side.
func (s *Session) hangup(ctx context.Context) error {
	st := s.State()
	if st.Terminal() {
		return fmt.Errorf("%w: call already %s", ErrInvalidState, st)
	}
	if id := s.ProviderCallID(); id != "" {
		if err := s.eng.platform.EndCall(ctx, s.BusinessNumber, id); err != nil {
			slog.Warn("platform hangup failed", "call_id", s.CallID, "error", err)
		}
	}
	s.finish(StateEnded, "")
	return nil
}

// remoteEnded handles the provider reporting the call over.
func (s *Session) remoteEnded(durationSeconds *int) {
	s.mu.Lock()
	s.answeredDuration = durationSeconds
	s.mu.Unlock()
	s.finish(StateEnded, "")
}

// terminateLeg tells the platform to stop ringing the counterparty.
// Best-effort, used on ring timeout and mid-call failure.
func (s *Session) terminateLeg() {
	id := s.ProviderCallID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.eng.platform.EndCall(ctx, s.BusinessNumber, id); err != nil {
		slog.Warn("terminating platform leg failed", "call_id", s.CallID, "error", err)
	}
}

// finish is the single teardown path. It runs at most once no matter how
// many ways a call dies: media stop, gateway teardown, context cancel,
// directory removal, final record write, and exactly one terminal event.
func (s *Session) finish(final State, reason string) {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		if !s.state.Terminal() {
			if err := s.transitionLocked(final); err != nil {
				s.state = final
			}
		} else {
			final = s.state
		}
		media := s.media
		sig := s.signaling
		s.mu.Unlock()

		if media != nil {
			if err := media.Close(); err != nil {
				slog.Warn("media close failed", "call_id", s.CallID, "error", err)
			}
		}
		if sig != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			sig.Close(ctx)
			cancel()
		}
		s.cancel()
		s.eng.directory.Unregister(s)

		ev := s.event(EventCallEnded)
		if final == StateFailed {
			ev.Type = EventCallFailed
			ev.Reason = reason
		} else {
			ev.DurationSeconds = s.duration()
		}
		s.persistFinal(reason)
		s.eng.dispatcher.Publish(ev)

		slog.Info("call finished",
			"call_id", s.CallID, "direction", s.Direction,
			"state", final.String(), "reason", reason)
	})
}

// duration computes the billed seconds: provider-reported when available,
// answered-to-ended otherwise, nil for unanswered calls.
func (s *Session) duration() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answeredDuration != nil {
		return s.answeredDuration
	}
	if s.answeredAt == nil {
		return nil
	}
	secs := int(s.eng.now().Sub(*s.answeredAt) / time.Second)
	return &secs
}

func (s *Session) event(t EventType) Event {
	return Event{
		Type:           t,
		CallID:         s.CallID,
		Direction:      s.Direction,
		CustomerNumber: s.CustomerNumber,
		CustomerName:   s.CustomerName,
		BusinessNumber: s.BusinessNumber,
		At:             s.eng.now(),
	}
}

// record builds the persistent view of the session.
func (s *Session) record() *models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := &models.Call{
		CallID:         s.CallID,
		ProviderCallID: s.providerCallID,
		Direction:      string(s.Direction),
		CustomerNumber: s.CustomerNumber,
		CustomerName:   s.CustomerName,
		BusinessNumber: s.BusinessNumber,
		Status:         s.state.String(),
		StartedAt:      s.startedAt,
		AnsweredAt:     s.answeredAt,
	}
	if s.signaling != nil {
		call.GatewaySessionID = s.signaling.SessionID()
		call.GatewayHandleID = s.signaling.HandleID()
		call.GatewayRoomID = s.signaling.RoomID()
	}
	return call
}

func (s *Session) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.eng.updateRecord(ctx, s.record()); err != nil {
		slog.Warn("persisting call record failed", "call_id", s.CallID, "error", err)
	}
}

func (s *Session) persistFinal(reason string) {
	call := s.record()
	now := s.eng.now()
	call.EndedAt = &now
	call.DurationSeconds = s.duration()
	call.FailReason = reason

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.eng.updateRecord(ctx, call); err != nil {
		slog.Warn("persisting final call record failed", "call_id", s.CallID, "error", err)
	}
}
