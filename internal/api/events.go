package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/wacall/wacall/internal/engine"
)

// eventHub bridges the engine dispatcher to SSE clients. It is
// subscribed once as a dispatcher listener; each connected agent gets a
// buffered channel, and a client too slow to drain it loses events
// rather than stalling the hub.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan engine.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[chan engine.Event]struct{})}
}

// HandleEvent implements engine.Listener.
func (h *eventHub) HandleEvent(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slog.Debug("dropping event for slow sse client", "type", ev.Type)
		}
	}
}

func (h *eventHub) subscribe() chan engine.Event {
	ch := make(chan engine.Event, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan engine.Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// handleEventStream streams call lifecycle events to the agent UI as
// server-sent events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("sse: failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
