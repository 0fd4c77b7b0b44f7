package staff

import (
	"context"
	"sort"
	"sync"

	"go-support/internal/apperr"
)

// MemoryStore is an in-memory Store with the same revision semantics as the
// Postgres repository.
type MemoryStore struct {
	mu    sync.Mutex
	loads map[string]Load
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{loads: map[string]Load{}}
}

func (s *MemoryStore) Get(_ context.Context, staffID string) (Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	load, ok := s.loads[staffID]
	if !ok {
		return Load{}, apperr.NotFound("staff load not found")
	}
	return load, nil
}

func (s *MemoryStore) Create(_ context.Context, load Load) (Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loads[load.StaffID]; ok {
		return Load{}, apperr.Conflict("staff load already exists")
	}
	load.Revision = 1
	s.loads[load.StaffID] = load
	return load, nil
}

func (s *MemoryStore) Update(_ context.Context, load Load, expected int64) (Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.loads[load.StaffID]
	if !ok {
		return Load{}, apperr.NotFound("staff load not found")
	}
	if current.Revision != expected {
		return Load{}, apperr.Conflict("staff load revision mismatch")
	}
	load.Revision = expected + 1
	s.loads[load.StaffID] = load
	return load, nil
}

func (s *MemoryStore) ListOnline(_ context.Context) ([]Load, error) {
	s.mu.Lock()
	out := make([]Load, 0, len(s.loads))
	for _, load := range s.loads {
		if load.IsOnline {
			out = append(out, load)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ActiveChats != out[j].ActiveChats {
			return out[i].ActiveChats < out[j].ActiveChats
		}
		if !out[i].LastPing.Equal(out[j].LastPing) {
			return out[i].LastPing.After(out[j].LastPing)
		}
		return out[i].StaffID < out[j].StaffID
	})
	return out, nil
}
