package sfu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/rtp"
)

func audioPacket(seq uint16, ingress uint64) packet {
	return packet{pkt: &rtp.Packet{Header: rtp.Header{SSRC: 1, SequenceNumber: seq, Timestamp: uint32(seq) * 960}}, ingress: ingress}
}

func drain(ot *OutTrack) []uint16 {
	var out []uint16
	for {
		select {
		case p := <-ot.queue:
			out = append(out, p.pkt.SequenceNumber)
		default:
			return out
		}
	}
}

func TestParseDropPolicy(t *testing.T) {
	for in, want := range map[string]DropPolicy{"": DropOldest, "drop_oldest": DropOldest, "drop_newest": DropNewest} {
		got, err := ParseDropPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDropPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDropPolicy("drop_random"); err == nil {
		t.Error("unknown policy accepted")
	}
}

func TestEnqueueDropOldest(t *testing.T) {
	ot := NewOutTrack("b", domain.KindAudio, &coretest.Writer{}, OutTrackOptions{QueueSize: 4, DropPolicy: DropOldest})
	for i := range 6 {
		ot.Enqueue(audioPacket(uint16(i), uint64(i+1)))
	}
	got := drain(ot)
	want := []uint16{2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
	if ot.Dropped() != 2 {
		t.Fatalf("dropped = %d", ot.Dropped())
	}
}

func TestEnqueueDropNewest(t *testing.T) {
	ot := NewOutTrack("b", domain.KindAudio, &coretest.Writer{}, OutTrackOptions{QueueSize: 4, DropPolicy: DropNewest})
	for i := range 6 {
		ot.Enqueue(audioPacket(uint16(i), uint64(i+1)))
	}
	got := drain(ot)
	if len(got) != 4 || got[0] != 0 || got[3] != 3 {
		t.Fatalf("queue = %v, want [0 1 2 3]", got)
	}
	if ot.Dropped() != 2 {
		t.Fatalf("dropped = %d", ot.Dropped())
	}
}

func TestEnqueueAfterDelete(t *testing.T) {
	ot := NewOutTrack("b", domain.KindAudio, &coretest.Writer{}, OutTrackOptions{QueueSize: 4})
	ot.Close()
	if ot.Enqueue(audioPacket(1, 1)) {
		t.Fatal("closed out track accepted a packet")
	}
}

func TestVideoWaitsForKeyframe(t *testing.T) {
	w := &coretest.Writer{}
	requests := 0
	ot := NewOutTrack("b", domain.KindVideo, w, OutTrackOptions{QueueSize: 16, RequestKeyframe: func(string) { requests++ }})
	if ot.GetState() != TrackStateAwaitingKeyframe {
		t.Fatalf("state = %d", ot.GetState())
	}
	for i, kf := range []bool{false, false, true, false, false} {
		p := audioPacket(uint16(100+i), uint64(i+1))
		p.keyframe = kf
		ot.write(p)
	}
	ps := w.Packets()
	if len(ps) != 3 {
		t.Fatalf("forwarded %d packets, want 3", len(ps))
	}
	if requests != 2 {
		t.Fatalf("keyframe requests = %d, want 2", requests)
	}
	for i := 1; i < len(ps); i++ {
		if ps[i].SequenceNumber-ps[i-1].SequenceNumber != 1 {
			t.Fatalf("non contiguous output")
		}
	}
	if ot.GetState() != TrackStateOk {
		t.Fatalf("state after keyframe = %d", ot.GetState())
	}
}

func TestWriteErrorMarksDelete(t *testing.T) {
	w := &coretest.Writer{Err: errors.New("closed pipe")}
	ot := NewOutTrack("b", domain.KindAudio, w, OutTrackOptions{QueueSize: 4})
	ot.write(audioPacket(1, 1))
	if ot.GetState() != TrackStateDelete {
		t.Fatal("write error did not mark delete")
	}
}

func TestRunDoesNotMutateSharedPacket(t *testing.T) {
	w := &coretest.Writer{}
	ot := NewOutTrack("b", domain.KindAudio, w, OutTrackOptions{QueueSize: 4, InitSeq: 7})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ot.Run(ctx)

	src := audioPacket(5000, 1)
	ot.Enqueue(src)
	ps := w.WaitPackets(1, time.Second)
	if len(ps) != 1 {
		t.Fatal("packet not written")
	}
	if ps[0].SequenceNumber != 7 {
		t.Fatalf("out seq = %d", ps[0].SequenceNumber)
	}
	if src.pkt.SequenceNumber != 5000 {
		t.Fatal("source packet was rewritten in place")
	}
}
