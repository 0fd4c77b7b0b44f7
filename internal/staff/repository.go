package staff

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"go-support/internal/apperr"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

var _ Store = &Repository{}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const loadColumns = "staff_id, is_online, active_chats, last_ping, revision"

func scanLoad(row interface{ Scan(...any) error }) (Load, error) {
	var l Load
	err := row.Scan(&l.StaffID, &l.IsOnline, &l.ActiveChats, &l.LastPing, &l.Revision)
	return l, err
}

func (r *Repository) Get(ctx context.Context, staffID string) (Load, error) {
	query := "SELECT " + loadColumns + " FROM staff_loads WHERE staff_id = $1"
	l, err := scanLoad(r.db.QueryRowContext(ctx, query, staffID))
	if errors.Is(err, sql.ErrNoRows) {
		return Load{}, apperr.NotFound("staff load not found")
	}
	if err != nil {
		return Load{}, errors.Wrap(err, "staff repository: get load")
	}
	return l, nil
}

func (r *Repository) Create(ctx context.Context, load Load) (Load, error) {
	query := `
		INSERT INTO staff_loads (staff_id, is_online, active_chats, last_ping, revision)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (staff_id) DO NOTHING
		RETURNING ` + loadColumns
	l, err := scanLoad(r.db.QueryRowContext(ctx, query, load.StaffID, load.IsOnline, load.ActiveChats, load.LastPing))
	if errors.Is(err, sql.ErrNoRows) {
		return Load{}, apperr.Conflict("staff load already exists")
	}
	if err != nil {
		return Load{}, errors.Wrap(err, "staff repository: create load")
	}
	return l, nil
}

// Update writes load only if the stored revision equals expected. A missing
// row and a stale revision both surface as Conflict so callers re-read.
func (r *Repository) Update(ctx context.Context, load Load, expected int64) (Load, error) {
	query := `
		UPDATE staff_loads
		SET is_online = $2, active_chats = $3, last_ping = $4, revision = revision + 1
		WHERE staff_id = $1 AND revision = $5
		RETURNING ` + loadColumns
	l, err := scanLoad(r.db.QueryRowContext(ctx, query, load.StaffID, load.IsOnline, load.ActiveChats, load.LastPing, expected))
	if errors.Is(err, sql.ErrNoRows) {
		return Load{}, apperr.Conflict("staff load revision mismatch")
	}
	if err != nil {
		return Load{}, errors.Wrap(err, "staff repository: update load")
	}
	return l, nil
}

func (r *Repository) ListOnline(ctx context.Context) ([]Load, error) {
	query := "SELECT " + loadColumns + ` FROM staff_loads
		WHERE is_online
		ORDER BY active_chats ASC, last_ping DESC, staff_id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "staff repository: list online")
	}
	defer rows.Close()

	var loads []Load
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			return nil, errors.Wrap(err, "staff repository: scan load")
		}
		loads = append(loads, l)
	}
	return loads, rows.Err()
}
