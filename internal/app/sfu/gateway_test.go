package sfu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

func newTestGateway(t *testing.T) (*Gateway, *coretest.Media) {
	t.Helper()
	media := &coretest.Media{Prepare: func(c *coretest.Conn) {
		c.AnswerSDP = sdpWith(videoSection)
		c.OfferSDP = sdpWith(videoSection)
	}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g := NewGateway(ctx, media, NewRelayManager(), Options{QueueSize: 32, PLIInterval: time.Hour, GatherTimeout: time.Second}, nil)
	return g, media
}

func videoTrack() core.TrackInfo {
	return core.TrackInfo{ID: domain.NewTrackID(), Owner: domain.NewSessionID(), Kind: domain.KindVideo, Active: true}
}

func strptr(s string) *string { return &s }

func TestOpenPublisherAppliesEarlyCandidates(t *testing.T) {
	g, media := newTestGateway(t)
	tr := videoTrack()
	early := []webrtc.ICECandidateInit{{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host", SDPMid: strptr("0")}}

	answer, err := g.OpenPublisher(context.Background(), tr, sdpWith(videoSection), early, PublisherHooks{})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	if answer == "" {
		t.Fatal("empty answer")
	}
	conn, ok := media.Conn("pub:" + string(tr.ID))
	if !ok {
		t.Fatal("inbound connection not created")
	}
	if len(conn.Applied()) != 1 || len(conn.Pending()) != 0 {
		t.Fatalf("early candidate not applied: applied=%d pending=%d", len(conn.Applied()), len(conn.Pending()))
	}
	relay, ok := g.relays.Get(tr.ID)
	if !ok || relay.Codec().MimeType != "video/VP8" {
		t.Fatalf("relay codec = %+v", relay.Codec())
	}
}

func TestOpenPublisherRollsBackOnFailure(t *testing.T) {
	g, media := newTestGateway(t)
	media.Prepare = func(c *coretest.Conn) { c.AnswerErr = errors.New("dtls setup failed") }
	tr := videoTrack()

	_, err := g.OpenPublisher(context.Background(), tr, sdpWith(videoSection), nil, PublisherHooks{})
	if !errors.Is(err, domain.ErrNegotiationFailed) {
		t.Fatalf("err = %v, want ErrNegotiationFailed", err)
	}
	conn, _ := media.Conn("pub:" + string(tr.ID))
	if !conn.IsClosed() {
		t.Fatal("inbound connection leaked")
	}
	if g.relays.HasRelay(tr.ID) {
		t.Fatal("relay leaked")
	}
	if s := g.Stats(); s.Inbound != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestOpenPublisherRejectsUnsupportedCodec(t *testing.T) {
	g, media := newTestGateway(t)
	_, err := g.OpenPublisher(context.Background(), videoTrack(), sdpWith(av1Section), nil, PublisherHooks{})
	if !errors.Is(err, domain.ErrNegotiationFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(media.Conns()) != 0 {
		t.Fatal("connection created for an invalid offer")
	}
}

func TestPublisherTransportLost(t *testing.T) {
	g, media := newTestGateway(t)
	tr := videoTrack()
	lost := make(chan error, 1)
	if _, err := g.OpenPublisher(context.Background(), tr, sdpWith(videoSection), nil, PublisherHooks{
		OnTransportLost: func(err error) { lost <- err },
	}); err != nil {
		t.Fatal(err)
	}
	conn, _ := media.Conn("pub:" + string(tr.ID))
	conn.SetState(core.ConnFailed)
	select {
	case err := <-lost:
		if !errors.Is(err, domain.ErrTransportLost) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("transport loss not reported")
	}
}

func TestSubscribeForwardsAfterConnect(t *testing.T) {
	g, media := newTestGateway(t)
	tr := videoTrack()
	if _, err := g.OpenPublisher(context.Background(), tr, sdpWith(videoSection), nil, PublisherHooks{}); err != nil {
		t.Fatal(err)
	}
	pub, _ := media.Conn("pub:" + string(tr.ID))
	src := coretest.NewSource(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, 90000, 777)
	t.Cleanup(src.Close)
	pub.EmitTrack(src)

	b := core.BindingInfo{ID: domain.NewBindingID(), Subscriber: domain.NewSessionID(), Track: tr.ID, Kind: domain.KindVideo}
	active := make(chan struct{}, 4)
	offer, err := g.OpenSubscriber(context.Background(), b, SubscriberHooks{
		OnActivity: func() { active <- struct{}{} },
	})
	if err != nil || offer == "" {
		t.Fatalf("OpenSubscriber: %q, %v", offer, err)
	}
	relay, _ := g.relays.Get(tr.ID)
	if len(relay.OutTracks()) != 0 {
		t.Fatal("binding attached before the outbound connection is up")
	}

	if err := g.CompleteSubscriber(b.ID, "answer"); err != nil {
		t.Fatalf("CompleteSubscriber: %v", err)
	}
	if len(relay.OutTracks()) != 1 {
		t.Fatal("binding not attached after connect")
	}
	rtcps := pub.RTCP()
	if len(rtcps) != 1 {
		t.Fatalf("upstream rtcp = %d, want one PLI", len(rtcps))
	}
	if _, ok := rtcps[0].(*rtcp.PictureLossIndication); !ok {
		t.Fatalf("upstream rtcp = %#v", rtcps[0])
	}

	src.Push(rtpPacket(1, vp8Inter))
	src.Push(rtpPacket(2, vp8Key))
	src.Push(rtpPacket(3, vp8Inter))

	ot, _ := g.outTrack(b.ID)
	deadline := time.Now().Add(time.Second)
	for ot.Forwarded() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ot.Forwarded() != 2 {
		t.Fatalf("forwarded = %d, want 2", ot.Forwarded())
	}
	if s := g.Stats(); s.Forwarded != 2 || s.Dropped != 1 {
		t.Fatalf("stats = %+v", s)
	}
	// throttled: two packets inside one second report once
	select {
	case <-active:
	default:
		t.Fatal("delivery not reported as subscriber activity")
	}
	if len(active) != 0 {
		t.Fatalf("activity reported %d extra times", len(active))
	}

	g.CloseSubscriber(b.ID)
	sub, _ := media.Conn("sub:" + string(b.ID))
	if !sub.IsClosed() {
		t.Fatal("outbound connection not released")
	}
	if pub.IsClosed() {
		t.Fatal("closing a binding closed the publisher")
	}
	if len(relay.OutTracks()) != 0 {
		t.Fatal("binding still in fan-out set")
	}
	if err := g.CompleteSubscriber(b.ID, "answer"); !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("CompleteSubscriber after close: %v", err)
	}
}

func TestOpenSubscriberUnknownTrack(t *testing.T) {
	g, _ := newTestGateway(t)
	b := core.BindingInfo{ID: domain.NewBindingID(), Track: "missing", Kind: domain.KindVideo}
	if _, err := g.OpenSubscriber(context.Background(), b, SubscriberHooks{}); !errors.Is(err, domain.ErrTrackNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenSubscriberRollsBackOnOfferFailure(t *testing.T) {
	g, media := newTestGateway(t)
	tr := videoTrack()
	if _, err := g.OpenPublisher(context.Background(), tr, sdpWith(videoSection), nil, PublisherHooks{}); err != nil {
		t.Fatal(err)
	}
	media.Prepare = func(c *coretest.Conn) { c.OfferErr = errors.New("gather failed") }
	b := core.BindingInfo{ID: domain.NewBindingID(), Track: tr.ID, Kind: domain.KindVideo}
	if _, err := g.OpenSubscriber(context.Background(), b, SubscriberHooks{}); !errors.Is(err, domain.ErrNegotiationFailed) {
		t.Fatalf("err = %v", err)
	}
	sub, _ := media.Conn("sub:" + string(b.ID))
	if !sub.IsClosed() {
		t.Fatal("outbound connection leaked")
	}
	if s := g.Stats(); s.Outbound != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestClosePublisherStopsRelay(t *testing.T) {
	g, media := newTestGateway(t)
	tr := videoTrack()
	if _, err := g.OpenPublisher(context.Background(), tr, sdpWith(videoSection), nil, PublisherHooks{}); err != nil {
		t.Fatal(err)
	}
	g.DetachTrack(tr.ID)
	g.ClosePublisher(tr.ID)
	pub, _ := media.Conn("pub:" + string(tr.ID))
	if !pub.IsClosed() || g.relays.HasRelay(tr.ID) {
		t.Fatal("publisher resources not released")
	}
	g.ClosePublisher(tr.ID)
}
