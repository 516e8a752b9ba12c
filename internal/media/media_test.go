package media

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestAcquireProducesGatheredOffer(t *testing.T) {
	eng, err := NewEngine("", nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := eng.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Close()

	offer := s.OfferSDP()
	if offer == "" {
		t.Fatal("empty offer")
	}
	if !strings.Contains(offer, "m=audio") {
		t.Error("offer carries no audio section")
	}
	if !strings.Contains(offer, "opus/48000") {
		t.Error("offer carries no opus codec line")
	}
	// Gathering completed before return, so the offer is not still
	// waiting on trickle candidates.
	if !strings.Contains(offer, "a=end-of-candidates") && !strings.Contains(offer, "candidate") {
		t.Log("offer has no candidates (no usable interfaces); still complete")
	}

	select {
	case <-s.Failed():
		t.Error("failed channel closed on a fresh session")
	default:
	}
}

func TestApplyAnswerRejectsGarbage(t *testing.T) {
	eng, err := NewEngine("", nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := eng.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Close()

	if err := s.ApplyAnswer("not an sdp"); err == nil {
		t.Error("garbage answer accepted")
	}
}

func TestCloseIdempotent(t *testing.T) {
	eng, err := NewEngine("", nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := eng.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDiscardSink(t *testing.T) {
	if err := (DiscardSink{}).WriteRTP(nil); err != nil {
		t.Fatalf("DiscardSink.WriteRTP: %v", err)
	}
}
