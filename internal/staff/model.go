package staff

import (
	"context"
	"time"
)

// Load is the per-staff presence and active-chat record.
type Load struct {
	StaffID     string    `json:"staff_id"`
	IsOnline    bool      `json:"is_online"`
	ActiveChats int       `json:"active_chats"`
	LastPing    time.Time `json:"last_ping"`
	Revision    int64     `json:"revision"`
}

// Store persists Load records. Update is a compare-and-swap on Revision:
// it succeeds only if the stored revision still equals expected, and the
// stored record gets expected+1. A mismatch returns an apperr Conflict.
type Store interface {
	Get(ctx context.Context, staffID string) (Load, error)
	Create(ctx context.Context, load Load) (Load, error)
	Update(ctx context.Context, load Load, expected int64) (Load, error)
	// ListOnline returns online records ordered by ActiveChats ascending,
	// then LastPing descending.
	ListOnline(ctx context.Context) ([]Load, error)
}

// IdentityLookup reports whether staffID belongs to a staff member.
type IdentityLookup interface {
	IsStaff(ctx context.Context, staffID string) (bool, error)
}
