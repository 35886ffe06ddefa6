package invite

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// MemoryStore keeps invitations in process. It is used when Redis is
// disabled; expired entries are dropped lazily.
type MemoryStore struct {
	mu     sync.Mutex
	byTok  map[string]Invitation
	byRoom map[domain.RoomID]map[string]struct{}
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTok:  make(map[string]Invitation),
		byRoom: make(map[domain.RoomID]map[string]struct{}),
		now:    time.Now,
	}
}

func (m *MemoryStore) SaveInvitation(_ context.Context, inv Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTok[inv.Token] = inv
	set, ok := m.byRoom[inv.RoomID]
	if !ok {
		set = make(map[string]struct{})
		m.byRoom[inv.RoomID] = set
	}
	set[inv.Token] = struct{}{}
	return nil
}

func (m *MemoryStore) Invitation(_ context.Context, token string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(token)
}

func (m *MemoryStore) getLocked(token string) (Invitation, error) {
	inv, ok := m.byTok[token]
	if !ok {
		return Invitation{}, domain.ErrInvitationNotFound
	}
	if !m.now().Before(inv.ExpiresAt) {
		m.deleteLocked(inv)
		return Invitation{}, domain.ErrInvitationNotFound
	}
	return inv, nil
}

func (m *MemoryStore) deleteLocked(inv Invitation) {
	delete(m.byTok, inv.Token)
	if set, ok := m.byRoom[inv.RoomID]; ok {
		delete(set, inv.Token)
		if len(set) == 0 {
			delete(m.byRoom, inv.RoomID)
		}
	}
}

func (m *MemoryStore) RoomInvitations(_ context.Context, room domain.RoomID) ([]Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Invitation{}
	for tok := range m.byRoom[room] {
		if inv, err := m.getLocked(tok); err == nil {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UseInvitation(_ context.Context, token string, now time.Time) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, err := m.getLocked(token)
	if err != nil {
		return Invitation{}, err
	}
	if !inv.Valid(now) {
		return Invitation{}, domain.ErrInvitationSpent
	}
	inv.Uses++
	m.byTok[token] = inv
	return inv, nil
}
