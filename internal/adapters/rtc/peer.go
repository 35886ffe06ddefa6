package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxPendingCandidates = 64

var errTooManyCandidates = errors.New("too many candidates before remote description")

// Peer wraps a pion PeerConnection as a core.MediaConnection. The server
// gathers all of its candidates before returning an SDP, so only the
// client trickles. Client candidates that arrive before the remote
// description are held and applied once it is set.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	onTrack   func(core.TrackSource)
	onState   func(core.ConnState)

	closed atomic.Bool
}

func NewPeer(api *webrtc.API, cfg webrtc.Configuration, label string) (*Peer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("peer", label).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		cs, ok := mapState(s)
		if !ok {
			return
		}
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(cs)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("mime", track.Codec().MimeType).
			Msg("OnTrack received")
		// Sender reports must be read for the interceptors to run.
		go drainRTCP(receiver)
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	return p, nil
}

func mapState(s webrtc.PeerConnectionState) (core.ConnState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnNew, true
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected, true
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed, true
	case webrtc.PeerConnectionStateClosed:
		return core.ConnClosed, true
	default:
		return 0, false
	}
}

func drainRTCP(r *webrtc.RTPReceiver) {
	for {
		if _, _, err := r.ReadRTCP(); err != nil {
			return
		}
	}
}

// Answer applies a remote offer and returns the complete local answer.
func (p *Peer) Answer(ctx context.Context, offer string) (string, error) {
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return p.gather(ctx, answer)
}

// Offer creates the local offer for the tracks added so far.
func (p *Peer) Offer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return p.gather(ctx, offer)
}

// gather sets the local description and waits for ICE gathering. When ctx
// expires first the description gathered so far is returned.
func (p *Peer) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ctx.Err()
		}
		p.logger.Warn().Msg("ICE gathering timed out, using partial candidates")
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

func (p *Peer) ApplyAnswer(answer string) error {
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		defer p.mu.Unlock()
		if len(p.pending) >= maxPendingCandidates {
			return errTooManyCandidates
		}
		p.pending = append(p.pending, c)
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

// pendingCandidates reports how many candidates wait for a remote description.
func (p *Peer) pendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) AddLocalTrack(t webrtc.TrackLocal) (core.RTCPReader, error) {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (p *Peer) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

func (p *Peer) OnTrack(fn func(core.TrackSource)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnStateChange(fn func(core.ConnState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Error().Err(err).Msg("close error")
		return
	}
	p.logger.Info().Msg("closed")
}

func (p *Peer) IsClosed() bool { return p.closed.Load() }

// Factory hands out peers built from one shared API and configuration.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
}

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	p, err := NewPeer(f.API, f.Config, label)
	if err != nil {
		return nil, err
	}
	return p, nil
}
