package user

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"go-support/internal/apperr"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, role FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, errors.Wrap(err, "user repository: get user")
	}

	return u, nil
}

// IsStaff reports whether id names a staff user.
func (r *Repository) IsStaff(ctx context.Context, id string) (bool, error) {
	u, err := r.GetUserByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Role == RoleStaff, nil
}
