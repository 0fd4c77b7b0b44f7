package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"go-support/internal/apperr"
)

const defaultMaxRetries = 5

// Router owns the session lifecycle: dedup on start, staff assignment, message
// writes and close. Staff load is only touched through LoadRegistry.
type Router struct {
	store      Store
	registry   LoadRegistry
	picker     StaffPicker
	notifier   Notifier
	customers  *keyedMutex
	now        func() time.Time
	newID      func() string
	maxRetries int
}

type Option func(*Router)

func WithNotifier(n Notifier) Option {
	return func(r *Router) { r.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Router) { r.newID = newID }
}

// WithMaxRetries bounds retries of conflicting session writes.
func WithMaxRetries(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

func NewRouter(store Store, registry LoadRegistry, picker StaffPicker, opts ...Option) *Router {
	r := &Router{
		store:      store,
		registry:   registry,
		picker:     picker,
		customers:  newKeyedMutex(),
		now:        time.Now,
		newID:      uuid.NewString,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartSession returns the customer's open session, or creates one and tries
// to assign it. firstMessage is appended when it is not blank.
func (r *Router) StartSession(ctx context.Context, customerID, firstMessage string) (*Session, error) {
	return r.StartSessionAdmitted(ctx, customerID, firstMessage, nil)
}

// StartSessionAdmitted is StartSession with a creation gate. admit runs once,
// only when a new session would be created; false fails with RateLimited.
// Returning the customer's open session never consults it.
func (r *Router) StartSessionAdmitted(ctx context.Context, customerID, firstMessage string, admit func() bool) (*Session, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, apperr.InvalidArgument("customer id is required")
	}

	unlock := r.customers.Lock(customerID)
	defer unlock()

	s, created, err := r.openOrCreate(ctx, customerID, admit)
	if err != nil {
		return nil, err
	}

	if created {
		log.Info().Str("session_id", s.ID).Str("customer_id", customerID).Msg("chat session created")
		if staffID, ok := r.picker.Pick(ctx); ok {
			if err := r.assign(ctx, s, staffID); err != nil {
				return nil, err
			}
		} else {
			log.Info().Str("session_id", s.ID).Msg("no staff available, session waiting")
		}
	}

	if strings.TrimSpace(firstMessage) != "" {
		sender := customerID
		if _, err := r.appendMessage(ctx, s.ID, SenderCustomer, &sender, firstMessage); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (r *Router) openOrCreate(ctx context.Context, customerID string, admit func() bool) (*Session, bool, error) {
	for attempt := 1; ; attempt++ {
		existing, err := r.findOpen(ctx, customerID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		if admit != nil {
			if !admit() {
				return nil, false, apperr.New(apperr.CodeRateLimited, "too many new sessions, try again later")
			}
			admit = nil
		}

		s := &Session{
			ID:         r.newID(),
			CustomerID: customerID,
			Status:     StatusWaiting,
			CreatedAt:  r.now(),
		}
		err = r.store.CreateSession(ctx, s)
		if err == nil {
			return s, true, nil
		}
		// Another instance opened a session for this customer first.
		if errors.Is(err, apperr.ErrConflict) && attempt < r.maxRetries {
			continue
		}
		return nil, false, errors.Wrap(err, "start session")
	}
}

// findOpen returns the most recently created waiting or active session.
func (r *Router) findOpen(ctx context.Context, customerID string) (*Session, error) {
	sessions, err := r.store.ListByCustomer(ctx, customerID, StatusWaiting, StatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "find open session")
	}
	var latest *Session
	for _, s := range sessions {
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}

// assign reserves load for staffID and then records the assignment. If the
// session write fails the reservation is released, leaving s waiting.
func (r *Router) assign(ctx context.Context, s *Session, staffID string) error {
	if _, err := r.registry.AdjustLoad(ctx, staffID, +1); err != nil {
		return errors.Wrapf(err, "assign session %s", s.ID)
	}

	prev := *s
	s.AssignedStaffID = &staffID
	s.Status = StatusActive
	if err := r.store.UpdateSession(ctx, s); err != nil {
		*s = prev
		if _, rbErr := r.registry.AdjustLoad(ctx, staffID, -1); rbErr != nil {
			log.Error().Err(rbErr).Str("session_id", s.ID).Str("staff_id", staffID).Msg("failed to release staff load after assignment failure")
		}
		return errors.Wrapf(err, "assign session %s", s.ID)
	}

	log.Info().Str("session_id", s.ID).Str("staff_id", staffID).Msg("chat session assigned")
	r.notify(ctx, staffID, Notice{Type: NoticeAssigned, SessionID: s.ID, CustomerID: s.CustomerID, StaffID: staffID})
	return nil
}

// AssignWaiting assigns waiting sessions, oldest first, until no staff is
// available. Sessions that changed underneath are skipped.
func (r *Router) AssignWaiting(ctx context.Context) (int, error) {
	waiting, err := r.store.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		return 0, errors.Wrap(err, "assign waiting")
	}

	assigned := 0
	for _, s := range waiting {
		staffID, ok := r.picker.Pick(ctx)
		if !ok {
			break
		}
		unlock := r.customers.Lock(s.CustomerID)
		err := r.assign(ctx, s, staffID)
		unlock()
		if errors.Is(err, apperr.ErrConflict) {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("skipping session changed during assignment")
			continue
		}
		if err != nil {
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}

// SaveMessage appends a message to an existing, not closed session.
func (r *Router) SaveMessage(ctx context.Context, sessionID string, senderType SenderType, senderID *string, content string) (*Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.InvalidArgument("session id is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperr.InvalidArgument("message content is empty")
	}
	if senderType == "" {
		senderType = SenderCustomer
	}
	if senderType != SenderCustomer && senderType != SenderStaff {
		return nil, apperr.InvalidArgument("unknown sender type " + string(senderType))
	}
	return r.appendMessage(ctx, sessionID, senderType, senderID, content)
}

func (r *Router) appendMessage(ctx context.Context, sessionID string, senderType SenderType, senderID *string, content string) (*Message, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "save message")
	}
	if s.Status == StatusClosed {
		return nil, apperr.New(apperr.CodeSessionClosed, "session "+sessionID+" is closed")
	}

	m := &Message{
		ID:         r.newID(),
		SessionID:  sessionID,
		SenderType: senderType,
		SenderID:   senderID,
		Content:    strings.TrimSpace(content),
		SentAt:     r.now(),
	}
	if err := r.store.CreateMessage(ctx, m); err != nil {
		return nil, errors.Wrap(err, "save message")
	}
	return m, nil
}

// EndSession closes the session and releases the assignee's load. The write
// that closes an assigned session also sets LoadReleased; if the decrement then
// fails the flag is cleared again, so calling EndSession on the closed session
// retries the release. A missing session is not an error and returns nil.
func (r *Router) EndSession(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.InvalidArgument("session id is required")
	}

	var (
		s      *Session
		closed bool
	)
	for attempt := 1; ; attempt++ {
		current, err := r.store.GetSession(ctx, sessionID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "end session")
		}

		switch {
		case current.Status != StatusClosed:
			closedAt := r.now()
			current.Status = StatusClosed
			current.ClosedAt = &closedAt
			current.LoadReleased = current.AssignedStaffID != nil
			closed = true
		case current.AssignedStaffID != nil && !current.LoadReleased:
			// an earlier close failed to release the load
			current.LoadReleased = true
			closed = false
		default:
			return current, nil
		}

		err = r.store.UpdateSession(ctx, current)
		if err == nil {
			s = current
			break
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, errors.Wrap(err, "end session")
		}
		if attempt >= r.maxRetries {
			return nil, apperr.Wrap(apperr.CodeConflict, "end session: retries exhausted", err)
		}
	}

	if closed {
		log.Info().Str("session_id", s.ID).Msg("chat session closed")
	}
	if s.AssignedStaffID == nil {
		return s, nil
	}

	staffID := *s.AssignedStaffID
	_, err := r.registry.AdjustLoad(ctx, staffID, -1)
	if errors.Is(err, apperr.ErrNotFound) {
		// no load record, nothing to give back
		log.Warn().Str("session_id", s.ID).Str("staff_id", staffID).Msg("closed session assignee has no load record")
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Str("staff_id", staffID).Msg("session closed but staff load was not released")
		r.reopenRelease(context.WithoutCancel(ctx), s.ID)
		return nil, errors.Wrapf(err, "end session %s", s.ID)
	}
	r.notify(ctx, staffID, Notice{Type: NoticeClosed, SessionID: s.ID, CustomerID: s.CustomerID, StaffID: staffID})
	return s, nil
}

// reopenRelease clears LoadReleased after a failed decrement.
func (r *Router) reopenRelease(ctx context.Context, sessionID string) {
	var err error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		var s *Session
		s, err = r.store.GetSession(ctx, sessionID)
		if err != nil {
			break
		}
		if !s.LoadReleased {
			return
		}
		s.LoadReleased = false
		if err = r.store.UpdateSession(ctx, s); !errors.Is(err, apperr.ErrConflict) {
			break
		}
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("staff load release cannot be retried")
	}
}

func (r *Router) Session(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.InvalidArgument("session id is required")
	}
	return r.store.GetSession(ctx, sessionID)
}

// ListSessions lists sessions in status, or in every status when empty.
func (r *Router) ListSessions(ctx context.Context, status Status) ([]*Session, error) {
	if status != "" {
		if !status.Valid() {
			return nil, apperr.InvalidArgument("unknown session status " + string(status))
		}
		return r.store.ListByStatus(ctx, status)
	}

	var all []*Session
	for _, st := range []Status{StatusWaiting, StatusActive, StatusClosed} {
		sessions, err := r.store.ListByStatus(ctx, st)
		if err != nil {
			return nil, errors.Wrap(err, "list sessions")
		}
		all = append(all, sessions...)
	}
	sortByCreated(all)
	return all, nil
}

// Messages returns the session transcript, oldest first.
func (r *Router) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	if _, err := r.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.store.ListMessages(ctx, sessionID)
}

func (r *Router) notify(ctx context.Context, staffID string, n Notice) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, staffID, n); err != nil {
		log.Warn().Err(err).Str("session_id", n.SessionID).Str("type", n.Type).Msg("failed to publish notice")
	}
}
