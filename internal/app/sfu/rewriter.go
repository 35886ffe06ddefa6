package sfu

import (
	"time"

	"github.com/pion/rtp"
)

// Rewriter maps a source RTP stream onto one subscriber's outbound
// sequence/timestamp space. Packets the binding never forwarded are
// squeezed out of the sequence space; gaps the source itself has are
// kept. It is owned by a single writer goroutine.
type Rewriter struct {
	clockRate uint32

	started     bool
	ssrc        uint32
	lastIngress uint64
	lastSrcSeq  uint16
	lastOutSeq  uint16
	lastOutTS   uint32
	lastAt      time.Time

	seqOffset uint16
	tsOffset  uint32
}

// NewRewriter starts the outbound stream at (initSeq, initTS).
func NewRewriter(clockRate uint32, initSeq uint16, initTS uint32) *Rewriter {
	return &Rewriter{clockRate: clockRate, lastOutSeq: initSeq - 1, lastOutTS: initTS}
}

// Rewrite returns the outbound sequence number and timestamp for pkt.
// ingress is the relay's running packet index; ok is false for packets
// that would not advance the outbound sequence.
func (w *Rewriter) Rewrite(pkt *rtp.Packet, ingress uint64, now time.Time) (seq uint16, ts uint32, ok bool) {
	switch {
	case !w.started:
		w.started = true
		w.ssrc = pkt.SSRC
		w.seqOffset = pkt.SequenceNumber - (w.lastOutSeq + 1)
		w.tsOffset = pkt.Timestamp - w.lastOutTS
	case pkt.SSRC != w.ssrc:
		// new source stream: continue right after the last packet sent
		w.ssrc = pkt.SSRC
		w.seqOffset = pkt.SequenceNumber - (w.lastOutSeq + 1)
		w.tsOffset = pkt.Timestamp - (w.lastOutTS + w.elapsedTicks(now))
	default:
		if ingress <= w.lastIngress {
			return 0, 0, false
		}
		delta := pkt.SequenceNumber - w.lastSrcSeq
		if int16(delta) <= 0 {
			return 0, 0, false
		}
		skipped := ingress - w.lastIngress - 1
		if skipped > uint64(delta-1) {
			skipped = uint64(delta - 1)
		}
		w.seqOffset += uint16(skipped)
	}

	seq = pkt.SequenceNumber - w.seqOffset
	ts = pkt.Timestamp - w.tsOffset
	w.lastIngress = ingress
	w.lastSrcSeq = pkt.SequenceNumber
	w.lastOutSeq = seq
	w.lastOutTS = ts
	w.lastAt = now
	return seq, ts, true
}

func (w *Rewriter) elapsedTicks(now time.Time) uint32 {
	if w.lastAt.IsZero() || w.clockRate == 0 {
		return 1
	}
	elapsed := now.Sub(w.lastAt)
	if elapsed <= 0 {
		return 1
	}
	ticks := uint32(uint64(elapsed) * uint64(w.clockRate) / uint64(time.Second))
	if ticks == 0 {
		return 1
	}
	return ticks
}
