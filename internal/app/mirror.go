package app

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/rs/zerolog/log"
)

type mirrorOp int

const (
	opAddMember mirrorOp = iota
	opRemoveMember
	opAddPublisher
	opRemovePublisher
)

func (o mirrorOp) String() string {
	switch o {
	case opAddMember:
		return "add_member"
	case opRemoveMember:
		return "remove_member"
	case opAddPublisher:
		return "add_publisher"
	case opRemovePublisher:
		return "remove_publisher"
	default:
		return "unknown"
	}
}

type mirrorEvent struct {
	op      mirrorOp
	room    domain.RoomID
	session domain.SessionID
	track   core.TrackInfo
}

// Mirror forwards member and publisher events to the store without
// blocking the caller. Events of one room always land on the same worker
// so they are applied in order. A full queue drops the event.
type Mirror struct {
	store   core.RoomStore
	timeout time.Duration
	metrics *metrics.Metrics

	queues  []chan mirrorEvent
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewMirror(store core.RoomStore, workers, queueSize int, timeout time.Duration, m *metrics.Metrics) *Mirror {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	mi := &Mirror{store: store, timeout: timeout, metrics: m, queues: make([]chan mirrorEvent, workers)}
	for i := range mi.queues {
		mi.queues[i] = make(chan mirrorEvent, queueSize)
	}
	return mi
}

// Start launches the workers. They exit once Close drains the queues.
func (mi *Mirror) Start() {
	for i, q := range mi.queues {
		mi.wg.Add(1)
		go mi.worker(i, q)
	}
}

func (mi *Mirror) worker(id int, q <-chan mirrorEvent) {
	defer mi.wg.Done()
	for ev := range q {
		ctx, cancel := context.WithTimeout(context.Background(), mi.timeout)
		if err := mi.apply(ctx, ev); err != nil {
			log.Warn().Err(err).Str("module", "app.mirror").Int("worker", id).
				Str("op", ev.op.String()).Str("room", string(ev.room)).Msg("store write failed")
		}
		cancel()
	}
}

func (mi *Mirror) apply(ctx context.Context, ev mirrorEvent) error {
	switch ev.op {
	case opAddMember:
		return mi.store.AddMember(ctx, ev.room, ev.session)
	case opRemoveMember:
		return mi.store.RemoveMember(ctx, ev.room, ev.session)
	case opAddPublisher:
		return mi.store.AddPublisher(ctx, ev.room, ev.track)
	case opRemovePublisher:
		return mi.store.RemovePublisher(ctx, ev.room, ev.track.ID)
	}
	return nil
}

func (mi *Mirror) enqueue(ev mirrorEvent) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	if mi.closed {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.room))
	q := mi.queues[int(h.Sum32()%uint32(len(mi.queues)))]
	select {
	case q <- ev:
	default:
		mi.dropped.Add(1)
		mi.metrics.PersistenceDropped()
		log.Warn().Str("module", "app.mirror").Str("op", ev.op.String()).Str("room", string(ev.room)).Msg("queue full, event dropped")
	}
}

func (mi *Mirror) MemberAdded(room domain.RoomID, sid domain.SessionID) {
	mi.enqueue(mirrorEvent{op: opAddMember, room: room, session: sid})
}

func (mi *Mirror) MemberRemoved(room domain.RoomID, sid domain.SessionID) {
	mi.enqueue(mirrorEvent{op: opRemoveMember, room: room, session: sid})
}

func (mi *Mirror) PublisherAdded(room domain.RoomID, t core.TrackInfo) {
	mi.enqueue(mirrorEvent{op: opAddPublisher, room: room, track: t})
}

func (mi *Mirror) PublisherRemoved(room domain.RoomID, t core.TrackInfo) {
	mi.enqueue(mirrorEvent{op: opRemovePublisher, room: room, track: t})
}

func (mi *Mirror) Dropped() int64 { return mi.dropped.Load() }

// Close stops accepting events and waits until queued ones are written.
func (mi *Mirror) Close() {
	mi.mu.Lock()
	if mi.closed {
		mi.mu.Unlock()
		return
	}
	mi.closed = true
	for _, q := range mi.queues {
		close(q)
	}
	mi.mu.Unlock()
	mi.wg.Wait()
}
