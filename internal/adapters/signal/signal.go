// Package signal implements the WebSocket signaling connection: one read
// loop and one write loop per client, and the per-connection state machine
// that drives the orchestrator.
package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Authenticator validates a bearer token and returns who it vouches for.
type Authenticator interface {
	Authenticate(token string) (domain.Identity, error)
}

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendQueue      int
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Auth    Authenticator
	Limiter *JoinRateLimiter
	Metrics *metrics.Metrics

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, auth Authenticator, limiter *JoinRateLimiter, m *metrics.Metrics, opts Options) *SignalWSController {
	opts.defaults()
	ctl := &SignalWSController{Orch: o, Auth: auth, Limiter: limiter, Metrics: m, opts: opts}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, err := url.Parse(origin); err != nil {
		return false
	}
	return slices.Contains(ctl.opts.AllowedOrigins, origin)
}

// WsSignalConn is the core.SignalConnection of one WebSocket. Close stops
// accepting frames; the write loop flushes what is queued and then closes
// the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, queue int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, queue)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// HandleSignal upgrades the request and runs the connection until it
// closes. room_id and token query parameters are defaults for join_room.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.opts.SendQueue)
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		ctl:       ctl,
		conn:      conn,
		cancel:    cancel,
		sid:       domain.NewSessionID(),
		state:     stateUnauthenticated,
		roomID:    domain.RoomID(c.Query("room_id")),
		token:     c.Query("token"),
		remoteKey: c.ClientIP(),
	}
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("remote", s.remoteKey).Msg("new WS connection")

	go ctl.writePump(ctx, conn, cancel)
	go ctl.readPump(ctx, s)
}
