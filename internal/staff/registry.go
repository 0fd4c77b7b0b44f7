// Package staff tracks staff presence and active-chat load and selects the
// next assignee for a new chat.
package staff

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"go-support/internal/apperr"
)

const defaultMaxRetries = 5

// Registry is the single writer-facing view over staff load records. Every
// mutation is a read-modify-write guarded by the record revision.
type Registry struct {
	store      Store
	identities IdentityLookup
	maxRetries int
	now        func() time.Time
}

type RegistryOption func(*Registry)

// WithIdentityLookup makes lazy record creation require a known staff id.
func WithIdentityLookup(lookup IdentityLookup) RegistryOption {
	return func(r *Registry) { r.identities = lookup }
}

func WithMaxRetries(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:      store,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Get(ctx context.Context, staffID string) (Load, error) {
	return r.store.Get(ctx, staffID)
}

// ListAvailable returns online staff ids, least loaded first and most
// recently active first among equals.
func (r *Registry) ListAvailable(ctx context.Context) ([]string, error) {
	loads, err := r.store.ListOnline(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "staff registry: list online")
	}
	ids := make([]string, 0, len(loads))
	for _, load := range loads {
		ids = append(ids, load.StaffID)
	}
	return ids, nil
}

// AdjustLoad adds delta to the active chat count, clamped at zero. A missing
// record is created online only when delta is positive; releasing load for an
// unknown staff member is NotFound.
func (r *Registry) AdjustLoad(ctx context.Context, staffID string, delta int) (Load, error) {
	var create func(time.Time) Load
	if delta > 0 {
		create = func(now time.Time) Load {
			return Load{StaffID: staffID, IsOnline: true, ActiveChats: delta, LastPing: now}
		}
	}
	return r.mutate(ctx, staffID,
		func(load *Load) {
			load.ActiveChats = max(0, load.ActiveChats+delta)
		},
		create,
	)
}

// SetOnline flips presence. Going online also refreshes LastPing.
func (r *Registry) SetOnline(ctx context.Context, staffID string, online bool) (Load, error) {
	now := r.now()
	return r.mutate(ctx, staffID,
		func(load *Load) {
			load.IsOnline = online
			if online {
				load.LastPing = now
			}
		},
		func(now time.Time) Load {
			return Load{StaffID: staffID, IsOnline: online, LastPing: now}
		},
	)
}

// Touch records a heartbeat.
func (r *Registry) Touch(ctx context.Context, staffID string) (Load, error) {
	now := r.now()
	return r.mutate(ctx, staffID,
		func(load *Load) { load.LastPing = now },
		func(now time.Time) Load {
			return Load{StaffID: staffID, IsOnline: true, LastPing: now}
		},
	)
}

func (r *Registry) mutate(ctx context.Context, staffID string, apply func(*Load), create func(time.Time) Load) (Load, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return Load{}, apperr.InvalidArgument("staff id is required")
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Load{}, err
		}

		current, err := r.store.Get(ctx, staffID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			if create == nil {
				return Load{}, apperr.NotFound("no load record for staff member " + staffID)
			}
			if err := r.checkIdentity(ctx, staffID); err != nil {
				return Load{}, err
			}
			created, err := r.store.Create(ctx, create(r.now()))
			if err == nil {
				return created, nil
			}
			if !errors.Is(err, apperr.ErrConflict) {
				return Load{}, errors.Wrap(err, "staff registry: create load")
			}
			lastErr = err
			continue
		case err != nil:
			return Load{}, errors.Wrap(err, "staff registry: read load")
		}

		next := current
		apply(&next)
		updated, err := r.store.Update(ctx, next, current.Revision)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return Load{}, errors.Wrap(err, "staff registry: update load")
		}
		lastErr = err
		log.Debug().Str("component", "staff").Str("staff_id", staffID).Int("attempt", attempt).Msg("staff load revision conflict, retrying")
	}
	return Load{}, apperr.Wrap(apperr.CodeConflict, "staff registry: retries exhausted for "+staffID, lastErr)
}

func (r *Registry) checkIdentity(ctx context.Context, staffID string) error {
	if r.identities == nil {
		return nil
	}
	ok, err := r.identities.IsStaff(ctx, staffID)
	if err != nil {
		return errors.Wrap(err, "staff registry: identity lookup")
	}
	if !ok {
		return apperr.NotFound("unknown staff member " + staffID)
	}
	return nil
}
