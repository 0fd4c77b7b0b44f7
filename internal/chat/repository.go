package chat

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"go-support/internal/apperr"
)

// Postgres SQLSTATE codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

var _ Store = &Repository{}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = "id, customer_id, assigned_staff_id, status, created_at, closed_at, revision, load_released"

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	s := &Session{}
	err := row.Scan(&s.ID, &s.CustomerID, &s.AssignedStaffID, &s.Status, &s.CreatedAt, &s.ClosedAt, &s.Revision, &s.LoadReleased)
	return s, err
}

func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO chat_sessions (id, customer_id, assigned_staff_id, status, created_at, closed_at, revision, load_released)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)`
	_, err := r.db.ExecContext(ctx, query, s.ID, s.CustomerID, s.AssignedStaffID, string(s.Status), s.CreatedAt, s.ClosedAt, s.LoadReleased)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.Wrap(apperr.CodeConflict, "customer already has an open session", err)
		}
		return errors.Wrap(err, "chat repository: create session")
	}
	s.Revision = 1
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	query := "SELECT " + sessionColumns + " FROM chat_sessions WHERE id = $1"
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "chat repository: get session")
	}
	return s, nil
}

func (r *Repository) UpdateSession(ctx context.Context, s *Session) error {
	query := `
		UPDATE chat_sessions
		SET assigned_staff_id = $2, status = $3, closed_at = $4, load_released = $6, revision = revision + 1
		WHERE id = $1 AND revision = $5`
	res, err := r.db.ExecContext(ctx, query, s.ID, s.AssignedStaffID, string(s.Status), s.ClosedAt, s.Revision, s.LoadReleased)
	if err != nil {
		return errors.Wrap(err, "chat repository: update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chat repository: update session")
	}
	if n == 0 {
		return apperr.Conflict("session revision mismatch")
	}
	s.Revision++
	return nil
}

func (r *Repository) ListByCustomer(ctx context.Context, customerID string, statuses ...Status) ([]*Session, error) {
	query := "SELECT " + sessionColumns + " FROM chat_sessions WHERE customer_id = $1"
	args := []any{customerID}
	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, st := range statuses {
			args = append(args, string(st))
			placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC"
	return r.listSessions(ctx, query, args...)
}

func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]*Session, error) {
	query := "SELECT " + sessionColumns + " FROM chat_sessions WHERE status = $1 ORDER BY created_at ASC"
	return r.listSessions(ctx, query, string(status))
}

func (r *Repository) listSessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "chat repository: list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "chat repository: scan session")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	query := `
		INSERT INTO chat_messages (id, session_id, sender_type, sender_id, content, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.SessionID, string(m.SenderType), m.SenderID, m.Content, m.SentAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return apperr.Wrap(apperr.CodeNotFound, "session not found", err)
		}
		return errors.Wrap(err, "chat repository: create message")
	}
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := `
		SELECT id, session_id, sender_type, sender_id, content, sent_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY sent_at ASC, seq ASC`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "chat repository: list messages")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderType, &m.SenderID, &m.Content, &m.SentAt); err != nil {
			return nil, errors.Wrap(err, "chat repository: scan message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
