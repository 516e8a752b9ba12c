package engine

import "sync"

// Directory indexes live (non-terminal) sessions by call id and by
// counterparty number. The number index enforces the one-live-call-per-
// counterparty rule; id aliases let provider-assigned call ids resolve to
// the same session as the engine-assigned one.
type Directory struct {
	mu       sync.RWMutex
	byCall   map[string]*Session
	byNumber map[string]*Session
}

// NewDirectory creates an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		byCall:   make(map[string]*Session),
		byNumber: make(map[string]*Session),
	}
}

// Register adds a session under its call id and counterparty number.
// Returns ErrAlreadyInCall when the counterparty already has a live
// session, so a second attempt never reaches signaling.
func (d *Directory) Register(s *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.byNumber[s.CustomerNumber]; busy {
		return ErrAlreadyInCall
	}
	d.byCall[s.CallID] = s
	d.byNumber[s.CustomerNumber] = s
	return nil
}

// Alias registers an additional call id for an already-registered session
// (the provider-assigned id of an outbound call).
func (d *Directory) Alias(callID string, s *Session) {
	if callID == "" || callID == s.CallID {
		return
	}
	d.mu.Lock()
	d.byCall[callID] = s
	d.mu.Unlock()
}

// Lookup resolves a call id (engine-assigned or aliased) to its session.
func (d *Directory) Lookup(callID string) (*Session, bool) {
	d.mu.RLock()
	s, ok := d.byCall[callID]
	d.mu.RUnlock()
	return s, ok
}

// LookupByNumber resolves a counterparty number to its live session.
func (d *Directory) LookupByNumber(number string) (*Session, bool) {
	d.mu.RLock()
	s, ok := d.byNumber[number]
	d.mu.RUnlock()
	return s, ok
}

// Unregister removes a session and all its aliases. Called exactly once
// from session cleanup; removing an already-removed session is a no-op.
func (d *Directory) Unregister(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, sess := range d.byCall {
		if sess == s {
			delete(d.byCall, id)
		}
	}
	if d.byNumber[s.CustomerNumber] == s {
		delete(d.byNumber, s.CustomerNumber)
	}
}

// ActiveCount reports the number of live sessions.
func (d *Directory) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byNumber)
}

// Sessions returns a snapshot of all live sessions.
func (d *Directory) Sessions() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Session, 0, len(d.byNumber))
	for _, s := range d.byNumber {
		out = append(out, s)
	}
	return out
}
