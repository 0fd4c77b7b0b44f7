// Package ratelimit implements a process-local sliding-window admission check.
//
// State lives in memory of a single process. Several instances of the service
// each keep their own windows, so the limits are per instance, not global.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxEntries bounds the timestamps kept per key.
const maxEntries = 100

// Window is one trailing interval with its event cap.
type Window struct {
	Span  time.Duration
	Limit int
}

// DefaultWindows are the guest session-creation limits.
var DefaultWindows = []Window{
	{Span: time.Minute, Limit: 3},
	{Span: 5 * time.Minute, Limit: 6},
	{Span: time.Hour, Limit: 20},
}

type keyState struct {
	mu     sync.Mutex
	events []time.Time
	// swept is set once the state has been removed from the key map.
	swept bool
}

// Limiter admits or rejects events per key against every configured window.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*keyState
	windows []Window
	longest time.Duration
	now     func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithWindows(windows ...Window) Option {
	return func(l *Limiter) { l.windows = windows }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		keys:    make(map[string]*keyState),
		windows: DefaultWindows,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, w := range l.windows {
		if w.Span > l.longest {
			l.longest = w.Span
		}
	}
	return l
}

func (l *Limiter) state(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	return st
}

// CheckAndRecord reports whether an event for key is admitted. Rejected
// events are not recorded.
func (l *Limiter) CheckAndRecord(key string) bool {
	st := l.state(key)
	st.mu.Lock()
	for st.swept {
		st.mu.Unlock()
		st = l.state(key)
		st.mu.Lock()
	}
	defer st.mu.Unlock()

	now := l.now()
	st.events = prune(st.events, now.Add(-l.longest))

	for _, w := range l.windows {
		if countSince(st.events, now.Add(-w.Span)) >= w.Limit {
			return false
		}
	}

	st.events = append(st.events, now)
	if len(st.events) > maxEntries {
		st.events = st.events[len(st.events)-maxEntries:]
	}
	return true
}

// Sweep drops keys with no events inside the longest window and returns how
// many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.longest)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, st := range l.keys {
		st.mu.Lock()
		if len(st.events) == 0 || !st.events[len(st.events)-1].After(cutoff) {
			st.swept = true
			delete(l.keys, key)
			removed++
		}
		st.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				log.Debug().Str("component", "ratelimit").Int("removed", n).Msg("swept idle limiter keys")
			}
		}
	}
}

// prune removes timestamps at or before cutoff. events is in ascending order.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

func countSince(events []time.Time, cutoff time.Time) int {
	n := 0
	for j := len(events) - 1; j >= 0 && events[j].After(cutoff); j-- {
		n++
	}
	return n
}
