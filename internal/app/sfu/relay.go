package sfu

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const activityEvery = time.Second

// Relay is the fan-out point of one publisher track. The set of out tracks
// is an immutable slice swapped on change, so the read loop never locks.
type Relay struct {
	ID   domain.TrackID
	Kind domain.Kind

	mu     sync.Mutex // serializes fan-out set writers and source changes
	src    core.TrackSource
	codec  webrtc.RTPCodecCapability
	closed bool

	outs atomic.Pointer[[]*OutTrack]
	ssrc atomic.Uint32

	// owned by the read loop
	ingress   uint64
	seen      bool
	lastSSRC  uint32
	highest   uint16
	lastTouch time.Time

	writeRTCP       func([]rtcp.Packet) error
	onActivity      func()
	pliInterval     time.Duration
	lastPLI         atomic.Int64
	keyframePending atomic.Bool

	metrics *metrics.Metrics
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

type RelayOptions struct {
	// WriteRTCP sends feedback to the publisher.
	WriteRTCP   func([]rtcp.Packet) error
	OnActivity  func()
	PLIInterval time.Duration
	Metrics     *metrics.Metrics
}

func NewRelay(id domain.TrackID, kind domain.Kind, opts RelayOptions, logger zerolog.Logger) *Relay {
	r := &Relay{
		ID:          id,
		Kind:        kind,
		writeRTCP:   opts.WriteRTCP,
		onActivity:  opts.OnActivity,
		pliInterval: opts.PLIInterval,
		metrics:     opts.Metrics,
		logger:      logger,
		done:        make(chan struct{}),
	}
	empty := []*OutTrack{}
	r.outs.Store(&empty)
	return r
}

// SetCodec records the negotiated codec that outbound tracks must use.
func (r *Relay) SetCodec(c webrtc.RTPCodecCapability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec = c
}

func (r *Relay) Codec() webrtc.RTPCodecCapability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codec
}

// Start binds the source track and runs the read loop until the source
// ends, ctx is done or the relay is closed.
func (r *Relay) Start(ctx context.Context, src core.TrackSource) bool {
	r.mu.Lock()
	if r.closed || r.src != nil {
		r.mu.Unlock()
		return false
	}
	r.src = src
	if r.codec.MimeType == "" {
		r.codec = src.Codec().RTPCodecCapability
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.ssrc.Store(uint32(src.SSRC()))
	r.logger.Info().Str("mime", src.Codec().MimeType).Uint32("ssrc", uint32(src.SSRC())).Msg("relay source attached")
	if len(*r.outs.Load()) > 0 {
		r.RequestKeyframe("source")
	}
	go r.loop(ctx, src)
	return true
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, src core.TrackSource) {
	defer close(r.done)
	mime := src.Codec().MimeType
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				r.logger.Error().Err(err).Msg("relay read RTP error, stopping")
			}
			r.markAllDelete()
			return
		}
		if ctx.Err() != nil {
			r.markAllDelete()
			return
		}
		r.forward(pkt, mime)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, mime string) {
	if !r.accept(pkt) {
		r.metrics.Dropped(string(r.Kind), "late")
		return
	}
	r.ingress++
	kf := r.Kind == domain.KindVideo && IsKeyframe(mime, pkt.Payload)
	if kf {
		r.keyframePending.Store(false)
	}
	p := packet{pkt: pkt, ingress: r.ingress, keyframe: kf}
	for _, ot := range *r.outs.Load() {
		ot.Enqueue(p)
	}

	if r.onActivity != nil {
		if now := time.Now(); now.Sub(r.lastTouch) >= activityEvery {
			r.lastTouch = now
			r.onActivity()
		}
	}
}

// accept keeps the forwarded stream strictly increasing per SSRC.
func (r *Relay) accept(pkt *rtp.Packet) bool {
	if !r.seen || pkt.SSRC != r.lastSSRC {
		r.seen = true
		r.lastSSRC = pkt.SSRC
		r.highest = pkt.SequenceNumber
		r.ssrc.Store(pkt.SSRC)
		return true
	}
	if int16(pkt.SequenceNumber-r.highest) <= 0 {
		return false
	}
	r.highest = pkt.SequenceNumber
	return true
}

// AddOutTrack registers ot with the fan-out set. Video bindings trigger a
// keyframe request so they can start decoding quickly.
func (r *Relay) AddOutTrack(ot *OutTrack) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	cur := *r.outs.Load()
	next := make([]*OutTrack, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, ot)
	r.outs.Store(&next)
	r.mu.Unlock()

	if ot.Kind == domain.KindVideo {
		r.RequestKeyframe("subscribe")
	}
	return true
}

// RemoveOutTrack drops a binding from the fan-out set; other bindings are untouched.
func (r *Relay) RemoveOutTrack(id domain.BindingID) *OutTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.outs.Load()
	i := slices.IndexFunc(cur, func(ot *OutTrack) bool { return ot.ID == id })
	if i < 0 {
		return nil
	}
	ot := cur[i]
	next := slices.Delete(slices.Clone(cur), i, i+1)
	r.outs.Store(&next)
	return ot
}

func (r *Relay) OutTracks() []*OutTrack {
	return slices.Clone(*r.outs.Load())
}

// Detach unregisters every binding at once. Packets read afterwards go nowhere.
func (r *Relay) Detach() []*OutTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	empty := []*OutTrack{}
	old := r.outs.Swap(&empty)
	for _, ot := range *old {
		ot.MarkDelete()
	}
	return *old
}

// Stop detaches and cancels the read loop. The loop itself exits when the
// inbound connection closes and ReadRTP fails.
func (r *Relay) Stop() {
	r.Detach()
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Relay) markAllDelete() {
	for _, ot := range *r.outs.Load() {
		ot.MarkDelete()
	}
}

// RequestKeyframe sends a PLI upstream, at most once per pliInterval.
func (r *Relay) RequestKeyframe(source string) {
	if r.Kind != domain.KindVideo || r.writeRTCP == nil {
		return
	}
	ssrc := r.ssrc.Load()
	if ssrc == 0 {
		return
	}
	now := time.Now().UnixNano()
	last := r.lastPLI.Load()
	if last != 0 && now-last < int64(r.pliInterval) {
		return
	}
	if !r.lastPLI.CompareAndSwap(last, now) {
		return
	}
	r.keyframePending.Store(true)
	if err := r.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		r.logger.Debug().Err(err).Msg("PLI write failed")
		return
	}
	r.metrics.KeyframeRequested(source)
}

// KeyframePending reports whether a keyframe was requested and not yet seen.
func (r *Relay) KeyframePending() bool { return r.keyframePending.Load() }

// Done is closed when the read loop exits.
func (r *Relay) Done() <-chan struct{} { return r.done }

// relayFeedback forwards subscriber PLI/FIR to the publisher until the
// outbound connection closes.
func relayFeedback(rd core.RTCPReader, r *Relay) {
	for {
		pkts, _, err := rd.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				r.RequestKeyframe("subscriber")
			}
		}
	}
}
