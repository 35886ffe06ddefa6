package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackSource is the read side of a published track.
// *webrtc.TrackRemote satisfies it.
type TrackSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SSRC() webrtc.SSRC
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
}

// RTCPReader is the feedback side of an outbound track.
// *webrtc.RTPSender satisfies it.
type RTCPReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

type MediaConnection interface {
	// Answer applies a remote offer and returns the local answer once
	// ICE gathering completes or ctx expires.
	Answer(ctx context.Context, offerSDP string) (string, error)
	// Offer creates the local offer for an outbound connection.
	Offer(ctx context.Context) (string, error)
	ApplyAnswer(answerSDP string) error
	// AddICECandidate applies a remote ICE candidate, buffering it until
	// a remote description is present.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches an outbound track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (RTCPReader, error)
	WriteRTCP(pkts []rtcp.Packet) error
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(TrackSource))
	// OnStateChange sets a callback for connected/failed/closed transitions.
	OnStateChange(func(ConnState))
	// Close should stop all underlying media resources. It is idempotent.
	Close()
	IsClosed() bool
}

// MediaFactory builds peer connections configured with the process ICE servers.
type MediaFactory interface {
	NewConnection(label string) (MediaConnection, error)
}
