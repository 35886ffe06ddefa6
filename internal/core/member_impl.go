package core

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta     *domain.Member
	signal   SignalConnection
	lastSeen atomic.Int64
}

func NewMemberSession(meta *domain.Member, signal SignalConnection) MemberSession {
	ms := &memberSession{meta: meta, signal: signal}
	ms.lastSeen.Store(meta.JoinedAt.UnixNano())
	return ms
}

func (m *memberSession) Meta() *domain.Member     { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.signal }

func (m *memberSession) Touch(now time.Time) {
	m.lastSeen.Store(now.UnixNano())
}

func (m *memberSession) LastSeen() time.Time {
	return time.Unix(0, m.lastSeen.Load())
}
