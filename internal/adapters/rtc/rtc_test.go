package rtc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func TestICEServers(t *testing.T) {
	tests := []struct {
		name string
		in   []ICEServer
		ok   bool
	}{
		{"stun", []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, true},
		{"turn with creds", []ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}}, true},
		{"turn without creds", []ICEServer{{URLs: []string{"turns:turn.example.com:5349"}}}, false},
		{"no urls", []ICEServer{{}}, false},
		{"bad scheme", []ICEServer{{URLs: []string{"http://x"}}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ICEServers(tc.in)
			if (err == nil) != tc.ok {
				t.Fatalf("err = %v, want ok=%v", err, tc.ok)
			}
			if tc.ok && len(out) != len(tc.in) {
				t.Fatalf("len = %d", len(out))
			}
		})
	}
	if _, err := ICEServers([]ICEServer{{URLs: []string{"turn:x"}}}); !errors.Is(err, errTURNCredentials) {
		t.Fatalf("err = %v", err)
	}
}

func TestMapState(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]core.ConnState{
		webrtc.PeerConnectionStateConnected: core.ConnConnected,
		webrtc.PeerConnectionStateFailed:    core.ConnFailed,
		webrtc.PeerConnectionStateClosed:    core.ConnClosed,
	}
	for in, want := range cases {
		got, ok := mapState(in)
		if !ok || got != want {
			t.Fatalf("%s -> %s, %v", in, got, ok)
		}
	}
	if _, ok := mapState(webrtc.PeerConnectionStateDisconnected); ok {
		t.Fatal("disconnected must not be reported; ICE may still recover")
	}
}

func TestLoggerFactoryLevel(t *testing.T) {
	var buf strings.Builder
	f := LoggerFactory{Base: zerolog.New(&buf), Level: zerolog.WarnLevel}
	var l logging.LeveledLogger = f.NewLogger("ice")
	l.Debugf("hidden %d", 1)
	l.Warnf("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown 2") || !strings.Contains(out, `"scope":"ice"`) {
		t.Fatalf("output = %s", out)
	}
}

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(Settings{Logger: zerolog.Nop(), LogLevel: zerolog.Disabled})
	if err != nil {
		t.Fatal(err)
	}
	return api
}

func TestPeerBuffersCandidatesUntilRemoteDescription(t *testing.T) {
	api := newTestAPI(t)
	client, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
		t.Fatal(err)
	}
	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	p, err := NewPeer(api, webrtc.Configuration{}, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	mid := "0"
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 127.0.0.1 50000 typ host", SDPMid: &mid}
	if err := p.AddICECandidate(cand); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if p.pendingCandidates() != 1 {
		t.Fatalf("pending = %d", p.pendingCandidates())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := p.Answer(ctx, offer.SDP)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if p.pendingCandidates() != 0 {
		t.Fatal("buffered candidates not flushed")
	}
	if !strings.Contains(answer, "VP8/90000") {
		t.Fatalf("answer lacks VP8:\n%s", answer)
	}
	if err := client.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		t.Fatalf("client rejected answer: %v", err)
	}
}

func TestPeerPendingCandidateLimit(t *testing.T) {
	p, err := NewPeer(newTestAPI(t), webrtc.Configuration{}, "limit")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	for i := 0; i < maxPendingCandidates; i++ {
		if err := p.AddICECandidate(webrtc.ICECandidateInit{Candidate: "c"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.AddICECandidate(webrtc.ICECandidateInit{Candidate: "c"}); !errors.Is(err, errTooManyCandidates) {
		t.Fatalf("err = %v", err)
	}
}

func TestFactoryOfferForLocalTrack(t *testing.T) {
	f := &Factory{API: newTestAPI(t)}
	conn, err := f.NewConnection("sub")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "a", "s")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.AddLocalTrack(local); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offer, err := conn.Offer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(offer, "m=audio") || !strings.Contains(offer, "opus/48000") {
		t.Fatalf("offer:\n%s", offer)
	}
	conn.Close()
	if !conn.IsClosed() {
		t.Fatal("IsClosed after Close")
	}
}
