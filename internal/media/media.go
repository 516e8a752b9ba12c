// Package media manages the local audio leg of a call with pion WebRTC:
// an Opus peer connection that offers, waits for full ICE gathering, and
// pumps remote audio into a sink.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	rtpBufSize    = 1500
)

// Sink consumes decoded-side RTP from the remote audio track. The default
// sink discards; a recorder or device playback can be plugged in instead.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// DiscardSink drops all audio.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }

// Engine builds peer connections with a shared codec/setting
// configuration.
type Engine struct {
	api  *webrtc.API
	conf webrtc.Configuration
	sink Sink
}

// NewEngine creates a media engine. An empty stunServer disables STUN;
// a nil sink discards remote audio.
func NewEngine(stunServer string, sink Sink) (*Engine, error) {
	if sink == nil {
		sink = DiscardSink{}
	}

	me := &webrtc.MediaEngine{}
	err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("media: registering opus codec: %w", err)
	}

	sett := webrtc.SettingEngine{}
	sett.DisableActiveTCP(true)

	conf := webrtc.Configuration{
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	}
	if stunServer != "" {
		conf.ICEServers = []webrtc.ICEServer{{URLs: []string{stunServer}}}
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithSettingEngine(sett),
		),
		conf: conf,
		sink: sink,
	}, nil
}

// Session is one live peer connection.
type Session struct {
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticRTP
	offerSDP string

	failed     chan struct{}
	failedOnce sync.Once
	closeOnce  sync.Once
}

// Acquire creates a peer connection with an outgoing Opus track, runs
// CreateOffer and waits for ICE gathering to complete, so the returned
// offer carries all candidates. No trickle.
func (e *Engine) Acquire(ctx context.Context) (*Session, error) {
	pc, err := e.api.NewPeerConnection(e.conf)
	if err != nil {
		return nil, fmt.Errorf("media: creating peer connection: %w", err)
	}

	s := &Session{pc: pc, failed: make(chan struct{})}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		slog.Debug("ice connection state changed", "state", state.String())
		if state == webrtc.ICEConnectionStateFailed {
			s.failedOnce.Do(func() { close(s.failed) })
		}
	})

	sink := e.sink
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Debug("remote audio track started", "mime", remote.Codec().MimeType)
		go pumpTrack(remote, sink)
	})

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  opusChannels,
	}, "audio", "wacall")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: creating audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: adding audio track: %w", err)
	}
	s.track = track
	go drainRTCP(sender)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: creating offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: setting local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, fmt.Errorf("media: ice gathering interrupted: %w", ctx.Err())
	case <-time.After(10 * time.Second):
		pc.Close()
		return nil, fmt.Errorf("media: ice gathering timed out")
	}

	s.offerSDP = pc.LocalDescription().SDP
	return s, nil
}

// OfferSDP returns the fully gathered local offer.
func (s *Session) OfferSDP() string { return s.offerSDP }

// ApplyAnswer installs the remote SDP answer.
func (s *Session) ApplyAnswer(answerSDP string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
	if err != nil {
		return fmt.Errorf("media: setting remote description: %w", err)
	}
	return nil
}

// Failed is closed when the ICE connection fails.
func (s *Session) Failed() <-chan struct{} { return s.failed }

// WriteRTP sends a packet on the outgoing audio track.
func (s *Session) WriteRTP(p *rtp.Packet) error {
	return s.track.WriteRTP(p)
}

// Close tears down the peer connection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.pc.Close() })
	return err
}

// pumpTrack forwards remote RTP into the sink until the track ends.
func pumpTrack(remote *webrtc.TrackRemote, sink Sink) {
	buf := make([]byte, rtpBufSize)
	var pkt rtp.Packet
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("dropping malformed rtp packet", "error", err)
			continue
		}
		if err := sink.WriteRTP(&pkt); err != nil {
			return
		}
	}
}

// drainRTCP reads sender reports so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtpBufSize)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
