package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.TrackID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.TrackID]*Relay),
	}
}

// CreateRelay registers an idle relay for a publisher track. The source is
// attached later by AttachSource once the remote track arrives.
func (m *RelayManager) CreateRelay(id domain.TrackID, kind domain.Kind, opts RelayOptions) *Relay {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("track", string(id)).
		Str("kind", string(kind)).
		Logger()

	relay := NewRelay(id, kind, opts, logger)

	m.mu.Lock()
	if old, ok := m.relays[id]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.Stop()
	}
	m.relays[id] = relay
	m.mu.Unlock()
	return relay
}

// AttachSource starts the relay loop for track id.
func (m *RelayManager) AttachSource(ctx context.Context, id domain.TrackID, src core.TrackSource) bool {
	relay, ok := m.Get(id)
	if !ok {
		return false
	}
	return relay.Start(ctx, src)
}

// AddSubscriber attaches an OutTrack to the relay of track id.
func (m *RelayManager) AddSubscriber(id domain.TrackID, ot *OutTrack) bool {
	relay, ok := m.Get(id)
	if !ok {
		return false
	}
	return relay.AddOutTrack(ot)
}

// RemoveSubscriber detaches binding bid from the relay of track id and closes it.
func (m *RelayManager) RemoveSubscriber(id domain.TrackID, bid domain.BindingID) {
	relay, ok := m.Get(id)
	if !ok {
		return
	}
	if ot := relay.RemoveOutTrack(bid); ot != nil {
		ot.Close()
	}
}

// DetachRelay unregisters all subscribers of track id without forgetting the relay.
func (m *RelayManager) DetachRelay(id domain.TrackID) {
	if relay, ok := m.Get(id); ok {
		relay.Detach()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(id domain.TrackID) {
	m.mu.Lock()
	relay, ok := m.relays[id]
	if ok {
		delete(m.relays, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.Stop()
}

func (m *RelayManager) Get(id domain.TrackID) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[id]
	return relay, ok
}

// HasRelay reports whether a relay exists for track id.
func (m *RelayManager) HasRelay(id domain.TrackID) bool {
	_, ok := m.Get(id)
	return ok
}

func (m *RelayManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
