package core

import (
	"sync"

	"github.com/dkeye/duet/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	mu   sync.RWMutex
	meta *domain.Member
	conn SignalConnection
}

func NewMemberSession(meta *domain.Member, conn SignalConnection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() *domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

func (m *memberSession) Signal() SignalConnection { return m.conn }

func (m *memberSession) Identify(user *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = domain.NewMember(user)
}

func (m *memberSession) UserID() domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.meta == nil || m.meta.User == nil {
		return ""
	}
	return m.meta.User.ID
}
