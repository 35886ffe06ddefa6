// Package coretest provides in-memory fakes of the core transport
// interfaces for tests.
package coretest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("closed")

// Signal records frames sent to a member.
type Signal struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	Full   bool
}

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.Full {
		return errors.New("backpressure")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Signal) Frames() []core.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Source is a TrackSource fed through Push.
type Source struct {
	ch        chan *rtp.Packet
	ssrc      webrtc.SSRC
	kind      webrtc.RTPCodecType
	codec     webrtc.RTPCodecParameters
	closeOnce sync.Once
}

func NewSource(kind webrtc.RTPCodecType, mime string, clockRate uint32, ssrc webrtc.SSRC) *Source {
	return &Source{
		ch:    make(chan *rtp.Packet, 1024),
		ssrc:  ssrc,
		kind:  kind,
		codec: webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: clockRate}},
	}
}

func (s *Source) Push(p *rtp.Packet) { s.ch <- p }

func (s *Source) Close() { s.closeOnce.Do(func() { close(s.ch) }) }

func (s *Source) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-s.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func (s *Source) SSRC() webrtc.SSRC                { return s.ssrc }
func (s *Source) Kind() webrtc.RTPCodecType        { return s.kind }
func (s *Source) Codec() webrtc.RTPCodecParameters { return s.codec }

// Writer records rewritten packets. Block, when set, stalls every write
// until it is closed.
type Writer struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	Block   chan struct{}
	Err     error
}

func (w *Writer) WriteRTP(p *rtp.Packet) error {
	if w.Block != nil {
		<-w.Block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.packets = append(w.packets, p)
	return nil
}

func (w *Writer) Packets() []*rtp.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*rtp.Packet, len(w.packets))
	copy(out, w.packets)
	return out
}

// WaitPackets polls until n packets were written or the timeout passes.
func (w *Writer) WaitPackets(n int, timeout time.Duration) []*rtp.Packet {
	deadline := time.Now().Add(timeout)
	for {
		ps := w.Packets()
		if len(ps) >= n || time.Now().After(deadline) {
			return ps
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// feedback blocks until the owning connection closes.
type feedback struct {
	ch   chan []rtcp.Packet
	done chan struct{}
}

func (f *feedback) ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-f.ch:
		return p, nil, nil
	case <-f.done:
		return nil, nil, io.EOF
	}
}

// Conn is a scripted MediaConnection.
type Conn struct {
	Label string

	mu           sync.Mutex
	remoteSet    bool
	candidates   []webrtc.ICECandidateInit
	pending      []webrtc.ICECandidateInit
	rtcp         []rtcp.Packet
	tracks       []webrtc.TrackLocal
	onTrack      func(core.TrackSource)
	onState      func(core.ConnState)
	closed       bool
	done         chan struct{}
	feedback     *feedback
	AnswerErr    error
	OfferErr     error
	ApplyErr     error
	AnswerSDP    string
	OfferSDP     string
	ConnectOnSDP bool
}

func (c *Conn) Answer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.AnswerErr != nil {
		c.mu.Unlock()
		return "", c.AnswerErr
	}
	c.setRemoteLocked()
	answer := c.AnswerSDP
	if answer == "" {
		answer = offer
	}
	c.mu.Unlock()
	c.maybeConnect()
	return answer, nil
}

func (c *Conn) Offer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OfferErr != nil {
		return "", c.OfferErr
	}
	return c.OfferSDP, nil
}

func (c *Conn) ApplyAnswer(string) error {
	c.mu.Lock()
	if c.ApplyErr != nil {
		c.mu.Unlock()
		return c.ApplyErr
	}
	c.setRemoteLocked()
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *Conn) setRemoteLocked() {
	c.remoteSet = true
	c.candidates = append(c.candidates, c.pending...)
	c.pending = nil
}

func (c *Conn) maybeConnect() {
	if c.ConnectOnSDP {
		c.SetState(core.ConnConnected)
	}
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		return nil
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

// Applied returns candidates applied after a remote description was set.
func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Pending() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.pending...)
}

func (c *Conn) AddLocalTrack(t webrtc.TrackLocal) (core.RTCPReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	c.feedback = &feedback{ch: make(chan []rtcp.Packet, 8), done: c.done}
	return c.feedback, nil
}

// Feedback injects RTCP as if the remote subscriber sent it.
func (c *Conn) Feedback(pkts ...rtcp.Packet) {
	c.mu.Lock()
	fb := c.feedback
	c.mu.Unlock()
	if fb != nil {
		fb.ch <- pkts
	}
}

func (c *Conn) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.rtcp = append(c.rtcp, pkts...)
	return nil
}

func (c *Conn) RTCP() []rtcp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtcp.Packet(nil), c.rtcp...)
}

func (c *Conn) OnTrack(fn func(core.TrackSource)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// EmitTrack fires the OnTrack callback as if the remote side started sending.
func (c *Conn) EmitTrack(src core.TrackSource) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(src)
	}
}

func (c *Conn) SetState(s core.ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Media is a MediaFactory handing out scripted connections.
type Media struct {
	mu    sync.Mutex
	conns []*Conn
	// Prepare customizes each new connection before it is returned.
	Prepare func(*Conn)
	Err     error
}

func (m *Media) NewConnection(label string) (core.MediaConnection, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	c := &Conn{Label: label, done: make(chan struct{}), ConnectOnSDP: true}
	if m.Prepare != nil {
		m.Prepare(c)
	}
	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.mu.Unlock()
	return c, nil
}

func (m *Media) Conns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Conn(nil), m.conns...)
}

// Conn returns the connection created with label, if any.
func (m *Media) Conn(label string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.Label == label {
			return c, true
		}
	}
	return nil, false
}
