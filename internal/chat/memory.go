package chat

import (
	"context"
	"sort"
	"sync"

	"go-support/internal/apperr"
)

// MemoryStore is an in-memory Store. It mirrors the Postgres repository:
// revision checks on update, the open-session unique rule on create and the
// session foreign key on messages.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	messages map[string][]*Message
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*Session{},
		messages: map[string][]*Message{},
	}
}

func cloneSession(s *Session) *Session {
	c := *s
	if s.AssignedStaffID != nil {
		id := *s.AssignedStaffID
		c.AssignedStaffID = &id
	}
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return apperr.Conflict("session id already exists")
	}
	if s.Status.Open() {
		for _, existing := range m.sessions {
			if existing.CustomerID == s.CustomerID && existing.Status.Open() {
				return apperr.Conflict("customer already has an open session")
			}
		}
	}
	s.Revision = 1
	m.sessions[s.ID] = cloneSession(s)
	m.order = append(m.order, s.ID)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session not found")
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok || current.Revision != s.Revision {
		return apperr.Conflict("session revision mismatch")
	}
	s.Revision++
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string, statuses ...Status) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.CustomerID == customerID && hasStatus(s.Status, statuses) {
			out = append(out, cloneSession(s))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, id := range m.order {
		if s := m.sessions[id]; s.Status == status {
			out = append(out, cloneSession(s))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return apperr.NotFound("session not found")
	}
	c := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &c)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.messages[sessionID]
	out := make([]*Message, 0, len(stored))
	for _, msg := range stored {
		c := *msg
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func hasStatus(s Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func sortByCreated(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
