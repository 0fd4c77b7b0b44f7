package chat

import (
	"context"
	"time"

	"go-support/internal/staff"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// Open reports whether the session still counts against the one-open-session
// per customer rule.
func (s Status) Open() bool {
	return s == StatusWaiting || s == StatusActive
}

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderStaff    SenderType = "staff"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Session struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	AssignedStaffID *string    `json:"assigned_staff_id"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	Revision        int64      `json:"revision"`
	// LoadReleased is set once the assignee's load was given back on close.
	LoadReleased bool `json:"-"`
}

type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	SenderType SenderType `json:"sender_type"`
	SenderID   *string    `json:"sender_id"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sent_at"`
}

// Notice is the event fanned out to staff when a session is assigned or
// closed.
type Notice struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	CustomerID string `json:"customer_id"`
	StaffID    string `json:"staff_id,omitempty"`
}

const (
	NoticeAssigned = "session.assigned"
	NoticeClosed   = "session.closed"
)

// ---------------------------------------------
// Collaborators
// ---------------------------------------------

// SessionStore persists sessions. Update is conditional on the session's
// Revision and bumps it; a stale revision returns an apperr Conflict. Create
// returns Conflict if the customer already has an open session.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// ListByCustomer returns the customer's sessions in the given statuses,
	// oldest first.
	ListByCustomer(ctx context.Context, customerID string, statuses ...Status) ([]*Session, error)
	// ListByStatus returns sessions in status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]*Session, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	// ListMessages returns the session's messages by SentAt ascending.
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
}

type Store interface {
	SessionStore
	MessageStore
}

type LoadRegistry interface {
	AdjustLoad(ctx context.Context, staffID string, delta int) (staff.Load, error)
}

type StaffPicker interface {
	Pick(ctx context.Context) (string, bool)
}

type Notifier interface {
	Notify(ctx context.Context, staffID string, n Notice) error
}
