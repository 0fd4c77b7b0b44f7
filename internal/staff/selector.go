package staff

import (
	"context"

	"github.com/rs/zerolog/log"
)

type availability interface {
	ListAvailable(ctx context.Context) ([]string, error)
}

// Selector picks the assignee for a new chat. It never mutates load.
type Selector struct {
	registry availability
}

func NewSelector(registry availability) *Selector {
	return &Selector{registry: registry}
}

// Pick returns the least loaded online staff member. Lookup failures are
// logged and reported as no staff available.
func (s *Selector) Pick(ctx context.Context) (string, bool) {
	ids, err := s.registry.ListAvailable(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "staff").Msg("staff lookup failed, treating as none available")
		return "", false
	}
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}
