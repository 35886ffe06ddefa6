package sfu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateAwaitingKeyframe
	TrackStateDelete
)

// DropPolicy picks the victim when a binding's queue is full.
type DropPolicy int

const (
	DropOldest DropPolicy = iota
	DropNewest
)

func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", s)
	}
}

func (p DropPolicy) String() string {
	if p == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest"
}

// RTPWriter is the outbound side of a binding.
// *webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

type packet struct {
	pkt      *rtp.Packet
	ingress  uint64
	keyframe bool
}

type OutTrackOptions struct {
	QueueSize  int
	DropPolicy DropPolicy
	ClockRate  uint32
	InitSeq    uint16
	InitTS     uint32
	Metrics    *metrics.Metrics
	// RequestKeyframe asks the publisher for a key frame. May be nil.
	RequestKeyframe func(source string)
	// OnActivity is called at most once per second while packets reach
	// the subscriber. May be nil.
	OnActivity func()
}

// OutTrack represents a single outgoing track to a subscriber: a bounded
// queue filled by the relay and drained by its own writer goroutine.
type OutTrack struct {
	ID   domain.BindingID
	Kind domain.Kind

	writer RTPWriter
	queue  chan packet
	policy DropPolicy
	state  atomic.Int32

	rewriter        *Rewriter
	requestKeyframe func(string)
	onActivity      func()
	lastTouch       time.Time // owned by Run
	metrics         *metrics.Metrics
	logger          zerolog.Logger

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewOutTrack(id domain.BindingID, kind domain.Kind, w RTPWriter, opts OutTrackOptions) *OutTrack {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	ot := &OutTrack{
		ID:              id,
		Kind:            kind,
		writer:          w,
		queue:           make(chan packet, opts.QueueSize),
		policy:          opts.DropPolicy,
		rewriter:        NewRewriter(opts.ClockRate, opts.InitSeq, opts.InitTS),
		requestKeyframe: opts.RequestKeyframe,
		onActivity:      opts.OnActivity,
		metrics:         opts.Metrics,
		logger:          log.With().Str("module", "sfu.outtrack").Str("binding", string(id)).Logger(),
		done:            make(chan struct{}),
	}
	if kind == domain.KindVideo {
		ot.state.Store(int32(TrackStateAwaitingKeyframe))
	}
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

func (ot *OutTrack) Forwarded() uint64 { return ot.forwarded.Load() }
func (ot *OutTrack) Dropped() uint64   { return ot.dropped.Load() }

// Enqueue never blocks. It is called by the single relay goroutine.
func (ot *OutTrack) Enqueue(p packet) bool {
	if ot.GetState() == TrackStateDelete {
		return false
	}
	select {
	case ot.queue <- p:
		return true
	default:
	}
	if ot.policy == DropNewest {
		ot.drop("queue_full")
		return false
	}
	select {
	case <-ot.queue:
		ot.drop("queue_full")
	default:
	}
	select {
	case ot.queue <- p:
		return true
	default:
		ot.drop("queue_full")
		return false
	}
}

// Run drains the queue until ctx ends or the track is closed.
func (ot *OutTrack) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ot.done:
			return
		case p := <-ot.queue:
			ot.write(p)
		}
	}
}

func (ot *OutTrack) write(p packet) {
	switch ot.GetState() {
	case TrackStateDelete:
		return
	case TrackStateAwaitingKeyframe:
		if !p.keyframe {
			ot.drop("awaiting_keyframe")
			if ot.requestKeyframe != nil {
				ot.requestKeyframe("binding")
			}
			return
		}
		ot.state.CompareAndSwap(int32(TrackStateAwaitingKeyframe), int32(TrackStateOk))
		ot.logger.Debug().Uint16("seq", p.pkt.SequenceNumber).Msg("keyframe reached, forwarding")
	case TrackStateOk:
	}

	seq, ts, ok := ot.rewriter.Rewrite(p.pkt, p.ingress, time.Now())
	if !ok {
		ot.drop("late")
		return
	}
	out := &rtp.Packet{Header: p.pkt.Header.Clone(), Payload: p.pkt.Payload}
	out.SequenceNumber = seq
	out.Timestamp = ts
	if err := ot.writer.WriteRTP(out); err != nil {
		ot.logger.Error().Err(err).Msg("write RTP error, marking outtrack as delete")
		ot.MarkDelete()
		return
	}
	ot.forwarded.Add(1)
	ot.metrics.Forwarded(string(ot.Kind))

	if ot.onActivity != nil {
		if now := time.Now(); now.Sub(ot.lastTouch) >= activityEvery {
			ot.lastTouch = now
			ot.onActivity()
		}
	}
}

func (ot *OutTrack) drop(reason string) {
	ot.dropped.Add(1)
	ot.metrics.Dropped(string(ot.Kind), reason)
}

func (ot *OutTrack) Close() {
	ot.closeOnce.Do(func() {
		ot.MarkDelete()
		close(ot.done)
	})
}
