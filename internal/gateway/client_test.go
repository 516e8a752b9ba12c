package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeGateway is a minimal audiobridge control endpoint.
type fakeGateway struct {
	// syncAnswer makes the join respond with the answer immediately
	// instead of an ack.
	syncAnswer  bool
	answerAfter int // polls before the answer appears; <0 means never

	polls     atomic.Int64
	destroyed atomic.Int64
	lastJoin  struct {
		room    int64
		sdpType string
	}
}

func newFakeServer(t *testing.T, fg *fakeGateway) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fg.handlePoll(w, r)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("undecodable request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Transaction == "" {
			t.Error("request missing transaction id")
		}

		switch req.Janus {
		case "create":
			writeResp(w, map[string]any{"janus": "success", "data": map[string]any{"id": 111}})
		case "attach":
			if req.Plugin != audioBridgePlugin {
				t.Errorf("attach plugin = %q", req.Plugin)
			}
			writeResp(w, map[string]any{"janus": "success", "data": map[string]any{"id": 222}})
		case "message":
			fg.handleMessage(w, req)
		case "destroy":
			fg.destroyed.Add(1)
			writeResp(w, map[string]any{"janus": "success"})
		default:
			t.Errorf("unexpected janus verb %q", req.Janus)
		}
	}))
}

func (fg *fakeGateway) handleMessage(w http.ResponseWriter, req request) {
	switch req.Body.Request {
	case "create":
		writeResp(w, map[string]any{"janus": "success"})
	case "destroy":
		fg.destroyed.Add(1)
		writeResp(w, map[string]any{"janus": "success"})
	case "join":
		fg.lastJoin.room = req.Body.Room
		if req.JSEP != nil {
			fg.lastJoin.sdpType = req.JSEP.Type
		}
		if fg.syncAnswer {
			writeResp(w, map[string]any{
				"janus": "success",
				"jsep":  map[string]string{"type": "answer", "sdp": "v=0 gw-answer"},
			})
			return
		}
		writeResp(w, map[string]any{"janus": "ack"})
	}
}

func (fg *fakeGateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.RawQuery, "maxev=1") {
		writeResp(w, map[string]any{"janus": "keepalive"})
		return
	}
	n := fg.polls.Add(1)
	if fg.answerAfter >= 0 && int(n) > fg.answerAfter {
		writeResp(w, map[string]any{
			"janus": "event",
			"jsep":  map[string]string{"type": "answer", "sdp": "v=0 gw-answer"},
		})
		return
	}
	writeResp(w, map[string]any{"janus": "event"})
}

func writeResp(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func newTestClient(url string) *Client {
	c := NewClient(url, "secret")
	c.pollInterval = time.Millisecond
	c.pollAttempts = 5
	return c
}

func TestHandshakeWithImmediateAnswer(t *testing.T) {
	fg := &fakeGateway{syncAnswer: true, answerAfter: -1}
	srv := newFakeServer(t, fg)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	sess, err := c.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sess.SessionID() != "111" || sess.HandleID() != "222" {
		t.Errorf("ids = %s/%s, want 111/222", sess.SessionID(), sess.HandleID())
	}

	roomID, err := sess.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if roomID < 1 || roomID > 1000000 {
		t.Errorf("room id %d out of range", roomID)
	}

	answer, err := sess.Join(ctx, roomID, "+14155550123", "v=0 offer")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if answer != "v=0 gw-answer" {
		t.Errorf("answer = %q", answer)
	}
	if fg.lastJoin.room != roomID || fg.lastJoin.sdpType != "offer" {
		t.Errorf("join carried room=%d type=%q", fg.lastJoin.room, fg.lastJoin.sdpType)
	}

	// A synchronous answer means the poll loop never runs.
	if n := fg.polls.Load(); n != 0 {
		t.Errorf("poll endpoint hit %d times, want 0", n)
	}
}

func TestAnswerArrivesViaPoll(t *testing.T) {
	fg := &fakeGateway{answerAfter: 2}
	srv := newFakeServer(t, fg)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	sess, err := c.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	roomID, err := sess.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	answer, err := sess.Join(ctx, roomID, "", "v=0 offer")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if answer != "" {
		t.Fatalf("ack join returned answer %q", answer)
	}

	answer, err = sess.AwaitAnswer(ctx)
	if err != nil {
		t.Fatalf("AwaitAnswer: %v", err)
	}
	if answer != "v=0 gw-answer" {
		t.Errorf("answer = %q", answer)
	}
	if n := fg.polls.Load(); n != 3 {
		t.Errorf("poll endpoint hit %d times, want 3", n)
	}
}

func TestAwaitAnswerTimesOut(t *testing.T) {
	fg := &fakeGateway{answerAfter: -1}
	srv := newFakeServer(t, fg)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	sess, err := c.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	_, err = sess.AwaitAnswer(ctx)
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Kind != ErrTimeout {
		t.Fatalf("error = %v, want timeout kind", err)
	}
	if n := fg.polls.Load(); n != int64(c.pollAttempts) {
		t.Errorf("poll endpoint hit %d times, want %d", n, c.pollAttempts)
	}
}

func TestAwaitAnswerHonorsContext(t *testing.T) {
	fg := &fakeGateway{answerAfter: -1}
	srv := newFakeServer(t, fg)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := c.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	cancel()
	if _, err := sess.AwaitAnswer(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestGatewayErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResp(w, map[string]any{
			"janus": "error",
			"error": map[string]any{"code": 403, "reason": "unauthorized request"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.NewSession(context.Background())
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Kind != ErrUnexpectedResponse {
		t.Fatalf("error = %v, want unexpected_response kind", err)
	}
}

func TestCloseDestroysRoomAndSession(t *testing.T) {
	fg := &fakeGateway{syncAnswer: true, answerAfter: -1}
	srv := newFakeServer(t, fg)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	sess, err := c.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.CreateRoom(ctx); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	sess.Close(ctx)
	if n := fg.destroyed.Load(); n != 2 {
		t.Errorf("destroy requests = %d, want 2 (room + session)", n)
	}
}
