package sfu

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	QueueSize     int
	DropPolicy    DropPolicy
	PLIInterval   time.Duration
	GatherTimeout time.Duration
}

type inbound struct {
	conn  core.MediaConnection
	relay *Relay
}

type outbound struct {
	conn    core.MediaConnection
	track   domain.TrackID
	out     *OutTrack
	cancel  context.CancelFunc
	started sync.Once
}

// Gateway owns the inbound and outbound peer connections and the relays
// between them. The registry decides what exists; the gateway only builds
// and tears down the transport for it.
type Gateway struct {
	ctx     context.Context
	media   core.MediaFactory
	relays  *RelayManager
	opts    Options
	metrics *metrics.Metrics

	mu       sync.Mutex
	inbound  map[domain.TrackID]*inbound
	outbound map[domain.BindingID]*outbound
}

func NewGateway(ctx context.Context, media core.MediaFactory, relays *RelayManager, opts Options, m *metrics.Metrics) *Gateway {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 10 * time.Second
	}
	return &Gateway{
		ctx:      ctx,
		media:    media,
		relays:   relays,
		opts:     opts,
		metrics:  m,
		inbound:  make(map[domain.TrackID]*inbound),
		outbound: make(map[domain.BindingID]*outbound),
	}
}

type PublisherHooks struct {
	OnActivity func()
	// OnTransportLost receives an error wrapping domain.ErrTransportLost.
	OnTransportLost func(error)
}

// OpenPublisher answers a publish offer for a reserved track. On any error
// everything created here is released before returning.
func (g *Gateway) OpenPublisher(ctx context.Context, t core.TrackInfo, offer string, early []webrtc.ICECandidateInit, hooks PublisherHooks) (string, error) {
	logger := log.With().Str("module", "sfu.gateway").Str("track", string(t.ID)).Str("kind", string(t.Kind)).Logger()
	if err := ValidateOffer(offer, t.Kind); err != nil {
		return "", err
	}
	conn, err := g.media.NewConnection("pub:" + string(t.ID))
	if err != nil {
		return "", fmt.Errorf("new inbound connection: %w", err)
	}
	relay := g.relays.CreateRelay(t.ID, t.Kind, RelayOptions{
		WriteRTCP:   conn.WriteRTCP,
		OnActivity:  hooks.OnActivity,
		PLIInterval: g.opts.PLIInterval,
		Metrics:     g.metrics,
	})
	conn.OnTrack(func(src core.TrackSource) {
		if src.Kind().String() != string(t.Kind) {
			logger.Warn().Str("got", src.Kind().String()).Msg("ignoring remote track of unexpected kind")
			return
		}
		g.relays.AttachSource(g.ctx, t.ID, src)
	})
	conn.OnStateChange(func(s core.ConnState) {
		logger.Info().Str("state", s.String()).Msg("inbound state")
		if s == core.ConnFailed && hooks.OnTransportLost != nil {
			hooks.OnTransportLost(fmt.Errorf("%w: inbound connection %s", domain.ErrTransportLost, s))
		}
	})

	g.mu.Lock()
	g.inbound[t.ID] = &inbound{conn: conn, relay: relay}
	g.mu.Unlock()

	for _, c := range early {
		if err := conn.AddICECandidate(c); err != nil {
			logger.Warn().Err(err).Msg("early candidate rejected")
		}
	}

	gctx, cancel := context.WithTimeout(ctx, g.opts.GatherTimeout)
	defer cancel()
	answer, err := conn.Answer(gctx, offer)
	if err == nil {
		var codec webrtc.RTPCodecCapability
		if codec, err = NegotiatedCodec(answer, t.Kind); err == nil {
			relay.SetCodec(codec)
		}
	}
	if err != nil {
		g.ClosePublisher(t.ID)
		g.metrics.NegotiationFailed("inbound")
		return "", wrapNegotiation(err)
	}
	g.metrics.TracksChanged(string(t.Kind), 1)
	logger.Info().Msg("publisher negotiated")
	return answer, nil
}

// DetachTrack stops delivery to every binding of the track. It never blocks
// and is safe to call with the room lock held.
func (g *Gateway) DetachTrack(id domain.TrackID) {
	g.relays.DetachRelay(id)
}

// ClosePublisher releases the inbound transport of a track.
func (g *Gateway) ClosePublisher(id domain.TrackID) {
	g.mu.Lock()
	in, ok := g.inbound[id]
	delete(g.inbound, id)
	g.mu.Unlock()
	g.relays.StopRelay(id)
	if !ok {
		return
	}
	in.conn.Close()
	if in.relay.Codec().MimeType != "" {
		g.metrics.TracksChanged(string(in.relay.Kind), -1)
	}
}

type SubscriberHooks struct {
	// OnActivity fires, throttled, while media is delivered on the binding.
	OnActivity      func()
	OnTransportLost func(error)
}

// OpenSubscriber builds the outbound connection for binding b and returns
// its local offer. Forwarding starts once the connection is up.
func (g *Gateway) OpenSubscriber(ctx context.Context, b core.BindingInfo, hooks SubscriberHooks) (string, error) {
	logger := log.With().Str("module", "sfu.gateway").Str("binding", string(b.ID)).Str("track", string(b.Track)).Logger()
	relay, ok := g.relays.Get(b.Track)
	if !ok {
		return "", domain.ErrTrackNotFound
	}
	codec := relay.Codec()
	if codec.MimeType == "" {
		return "", fmt.Errorf("%w: track codec not negotiated", domain.ErrNegotiationFailed)
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(b.Track), "meet-"+string(b.Track))
	if err != nil {
		return "", wrapNegotiation(err)
	}
	conn, err := g.media.NewConnection("sub:" + string(b.ID))
	if err != nil {
		return "", fmt.Errorf("new outbound connection: %w", err)
	}
	feedback, err := conn.AddLocalTrack(local)
	if err != nil {
		conn.Close()
		return "", wrapNegotiation(err)
	}
	go relayFeedback(feedback, relay)

	ot := NewOutTrack(b.ID, b.Kind, local, OutTrackOptions{
		QueueSize:       g.opts.QueueSize,
		DropPolicy:      g.opts.DropPolicy,
		ClockRate:       codec.ClockRate,
		InitSeq:         uint16(rand.Uint32()),
		InitTS:          rand.Uint32(),
		Metrics:         g.metrics,
		RequestKeyframe: relay.RequestKeyframe,
		OnActivity:      hooks.OnActivity,
	})
	wctx, cancel := context.WithCancel(g.ctx)
	ob := &outbound{conn: conn, track: b.Track, out: ot, cancel: cancel}

	conn.OnStateChange(func(s core.ConnState) {
		logger.Info().Str("state", s.String()).Msg("outbound state")
		switch s {
		case core.ConnConnected:
			g.startForwarding(wctx, ob)
		case core.ConnFailed:
			if hooks.OnTransportLost != nil {
				hooks.OnTransportLost(fmt.Errorf("%w: outbound connection %s", domain.ErrTransportLost, s))
			}
		}
	})

	g.mu.Lock()
	g.outbound[b.ID] = ob
	g.mu.Unlock()

	gctx, gcancel := context.WithTimeout(ctx, g.opts.GatherTimeout)
	defer gcancel()
	offer, err := conn.Offer(gctx)
	if err != nil {
		g.CloseSubscriber(b.ID)
		g.metrics.NegotiationFailed("outbound")
		return "", wrapNegotiation(err)
	}
	g.metrics.BindingsChanged(string(b.Kind), 1)
	return offer, nil
}

func (g *Gateway) startForwarding(ctx context.Context, ob *outbound) {
	ob.started.Do(func() {
		if !g.relays.AddSubscriber(ob.track, ob.out) {
			return
		}
		go ob.out.Run(ctx)
	})
}

// CompleteSubscriber applies the subscriber's answer for binding id.
func (g *Gateway) CompleteSubscriber(id domain.BindingID, answer string) error {
	g.mu.Lock()
	ob, ok := g.outbound[id]
	g.mu.Unlock()
	if !ok {
		return domain.ErrBindingNotFound
	}
	if err := ob.conn.ApplyAnswer(answer); err != nil {
		g.metrics.NegotiationFailed("outbound")
		return wrapNegotiation(err)
	}
	return nil
}

// CloseSubscriber removes binding id from its relay and releases only its
// outbound transport.
func (g *Gateway) CloseSubscriber(id domain.BindingID) {
	g.mu.Lock()
	ob, ok := g.outbound[id]
	delete(g.outbound, id)
	g.mu.Unlock()
	if !ok {
		return
	}
	g.relays.RemoveSubscriber(ob.track, id)
	ob.out.Close()
	ob.cancel()
	ob.conn.Close()
	g.metrics.BindingsChanged(string(ob.out.Kind), -1)
}

func (g *Gateway) PublisherConn(id domain.TrackID) (core.MediaConnection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.inbound[id]
	if !ok {
		return nil, false
	}
	return in.conn, true
}

func (g *Gateway) SubscriberConn(id domain.BindingID) (core.MediaConnection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ob, ok := g.outbound[id]
	if !ok {
		return nil, false
	}
	return ob.conn, true
}

func (g *Gateway) outTrack(id domain.BindingID) (*OutTrack, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ob, ok := g.outbound[id]
	if !ok {
		return nil, false
	}
	return ob.out, true
}

type Stats struct {
	Inbound  int `json:"inbound"`
	Outbound int `json:"outbound"`
	Relays   int `json:"relays"`
	// Forwarded and Dropped sum the packet counters of open bindings.
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{Inbound: len(g.inbound), Outbound: len(g.outbound), Relays: g.relays.Count()}
	for _, ob := range g.outbound {
		s.Forwarded += ob.out.Forwarded()
		s.Dropped += ob.out.Dropped()
	}
	return s
}

func wrapNegotiation(err error) error {
	if err == nil {
		return nil
	}
	if isNegotiation(err) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
}
