package connmgr

import (
	"sort"
	"sync"

	"github.com/kvhub/kvhub/server/internal/session"
)

// Manager is safe for concurrent use. IDs increase monotonically from 1 and
// are checked against live sessions, so a wrapped counter never reuses an
// ID that is still open.
type Manager struct {
	mu       sync.RWMutex
	next     uint64
	sessions map[uint64]*session.Session
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{next: 1, sessions: make(map[uint64]*session.Session)}
}

// Accept allocates an ID, builds the session with factory and tracks it.
// factory runs with the manager lock held and must not call back into the
// Manager.
func (m *Manager) Accept(factory func(id uint64) *session.Session) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextIDLocked()
	s := factory(id)
	m.sessions[id] = s
	return s
}

func (m *Manager) nextIDLocked() uint64 {
	for {
		id := m.next
		m.next++
		if id == 0 {
			continue
		}
		if _, taken := m.sessions[id]; !taken {
			return id
		}
	}
}

// Remove stops tracking s. It reports whether s was tracked.
func (m *Manager) Remove(s *session.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID()]
	if !ok || cur != s {
		return false
	}
	delete(m.sessions, s.ID())
	return true
}

// Get returns the live session with id.
func (m *Manager) Get(id uint64) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns the live sessions ordered by ID.
func (m *Manager) All() []*session.Session {
	return m.ByOwner("")
}

// ByOwner returns the live sessions accepted by the hub with the given ID,
// ordered by ID. An empty owner selects every session.
func (m *Manager) ByOwner(owner string) []*session.Session {
	m.mu.RLock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if owner == "" || s.Owner() == owner {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Resolve maps IDs to live sessions, skipping IDs that are gone.
func (m *Manager) Resolve(ids []uint64) []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes the sessions of owner ("" for all), calling each first
// when it is not nil. Sessions stay tracked until their hub removes them on
// disconnect. It returns the number of sessions closed.
func (m *Manager) CloseAll(owner string, each func(*session.Session)) int {
	targets := m.ByOwner(owner)
	for _, s := range targets {
		if each != nil {
			each(s)
		}
		s.Close()
	}
	return len(targets)
}
