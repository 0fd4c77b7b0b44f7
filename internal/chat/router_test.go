package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-support/internal/apperr"
	"go-support/internal/staff"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *MemoryStore
	loads    *staff.MemoryStore
	registry *staff.Registry
	router   *Router
	notices  *recordingNotifier
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Type)
	}
	return out
}

func newTestEnv(t *testing.T, store Store, online ...staff.Load) *testEnv {
	t.Helper()
	mem, _ := store.(*MemoryStore)
	if store == nil {
		mem = NewMemoryStore()
		store = mem
	}
	loads := staff.NewMemoryStore()
	for _, l := range online {
		_, err := loads.Create(context.Background(), l)
		require.NoError(t, err)
	}
	// generous retries: some tests hammer a handful of staff records
	registry := staff.NewRegistry(loads, staff.WithMaxRetries(1000))

	var (
		seq   atomic.Int64
		ticks atomic.Int64
	)
	notices := &recordingNotifier{}
	router := NewRouter(store, registry, staff.NewSelector(registry),
		WithNotifier(notices),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
		WithClock(func() time.Time { return t0.Add(time.Duration(ticks.Add(1)) * time.Second) }),
	)
	return &testEnv{store: mem, loads: loads, registry: registry, router: router, notices: notices}
}

func (e *testEnv) activeChats(t *testing.T, staffID string) int {
	t.Helper()
	load, err := e.registry.Get(context.Background(), staffID)
	require.NoError(t, err)
	return load.ActiveChats
}

func onlineStaff(id string, active int) staff.Load {
	return staff.Load{StaffID: id, IsOnline: true, ActiveChats: active, LastPing: t0}
}

func TestStartSession_AssignsLeastLoadedStaff(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0), onlineStaff("S2", 2))

	s, err := env.router.StartSession(ctx, "C1", "hello")
	require.NoError(t, err)
	require.Equal(t, StatusActive, s.Status)
	require.NotNil(t, s.AssignedStaffID)
	require.Equal(t, "S1", *s.AssignedStaffID)
	require.Equal(t, 1, env.activeChats(t, "S1"))
	require.Equal(t, 2, env.activeChats(t, "S2"))

	stored, err := env.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, stored.Status)

	msgs, err := env.router.Messages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, SenderCustomer, msgs[0].SenderType)
	require.Equal(t, "C1", *msgs[0].SenderID)

	require.Equal(t, []string{NoticeAssigned}, env.notices.types())
}

func TestStartSession_NoStaffLeavesSessionWaiting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, staff.Load{StaffID: "S9", IsOnline: false})

	s, err := env.router.StartSession(ctx, "C2", "help")
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, s.Status)
	require.Nil(t, s.AssignedStaffID)

	msgs, err := env.router.Messages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "help", msgs[0].Content)

	waiting, err := env.router.ListSessions(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
}

func TestStartSession_ReusesOpenSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0))

	first, err := env.router.StartSession(ctx, "C1", "hello")
	require.NoError(t, err)
	second, err := env.router.StartSession(ctx, "C1", "  anyone there?  ")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	all, err := env.router.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1, env.activeChats(t, "S1"))

	msgs, err := env.router.Messages(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "anyone there?", msgs[1].Content)
}

func TestStartSessionAdmitted_GatesOnlyCreation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0))

	calls := 0
	allow := func() bool { calls++; return true }
	s, err := env.router.StartSessionAdmitted(ctx, "C1", "", allow)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	again, err := env.router.StartSessionAdmitted(ctx, "C1", "", allow)
	require.NoError(t, err)
	require.Equal(t, s.ID, again.ID)
	require.Equal(t, 1, calls)

	_, err = env.router.StartSessionAdmitted(ctx, "C2", "hi", func() bool { return false })
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	open, err := env.store.ListByCustomer(ctx, "C2")
	require.NoError(t, err)
	require.Empty(t, open)
	require.Equal(t, 1, env.activeChats(t, "S1"))
}

func TestStartSession_BlankFirstMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	s, err := env.router.StartSession(ctx, "C1", "   ")
	require.NoError(t, err)
	msgs, err := env.router.Messages(ctx, s.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestStartSession_RequiresCustomer(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.router.StartSession(context.Background(), " ", "hi")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestStartSession_ConcurrentCallsCreateOneSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0))

	var wg sync.WaitGroup
	ids := make([]string, 20)
	errs := make([]error, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := env.router.StartSession(ctx, "C1", fmt.Sprintf("msg %d", i))
			errs[i] = err
			if s != nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	all, err := env.router.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1, env.activeChats(t, "S1"))

	msgs, err := env.router.Messages(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, msgs, 20)
}

func TestEndSession_RestoresLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 4))

	s, err := env.router.StartSession(ctx, "C1", "hi")
	require.NoError(t, err)
	require.Equal(t, 5, env.activeChats(t, "S1"))

	closed, err := env.router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	require.Equal(t, 4, env.activeChats(t, "S1"))

	// closing again is a no-op for load
	again, err := env.router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, again.Status)
	require.Equal(t, 4, env.activeChats(t, "S1"))

	require.Equal(t, []string{NoticeAssigned, NoticeClosed}, env.notices.types())
}

func TestEndSession_MissingIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 1))

	s, err := env.router.EndSession(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, s)
	require.Equal(t, 1, env.activeChats(t, "S1"))
	require.Empty(t, env.notices.types())
}

func TestEndSession_RequiresID(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.router.EndSession(context.Background(), "")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestEndSession_WaitingSessionLeavesLoadAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	s, err := env.router.StartSession(ctx, "C1", "")
	require.NoError(t, err)
	closed, err := env.router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.Nil(t, closed.AssignedStaffID)
}

func TestStartSession_AfterCloseCreatesNewSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0))

	first, err := env.router.StartSession(ctx, "C1", "one")
	require.NoError(t, err)
	_, err = env.router.EndSession(ctx, first.ID)
	require.NoError(t, err)

	second, err := env.router.StartSession(ctx, "C1", "two")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 1, env.activeChats(t, "S1"))
}

func TestSaveMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0))
	s, err := env.router.StartSession(ctx, "C1", "")
	require.NoError(t, err)

	staffID := "S1"
	m, err := env.router.SaveMessage(ctx, s.ID, SenderStaff, &staffID, "  how can I help?\n")
	require.NoError(t, err)
	require.Equal(t, "how can I help?", m.Content)
	require.Equal(t, SenderStaff, m.SenderType)

	m, err = env.router.SaveMessage(ctx, s.ID, "", nil, "thanks")
	require.NoError(t, err)
	require.Equal(t, SenderCustomer, m.SenderType)
	require.Nil(t, m.SenderID)

	msgs, err := env.router.Messages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].SentAt.Before(msgs[1].SentAt))
}

func TestSaveMessage_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	s, err := env.router.StartSession(ctx, "C1", "")
	require.NoError(t, err)

	_, err = env.router.SaveMessage(ctx, "", SenderCustomer, nil, "hi")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.router.SaveMessage(ctx, s.ID, SenderCustomer, nil, " \t ")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.router.SaveMessage(ctx, s.ID, "robot", nil, "hi")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.router.SaveMessage(ctx, "missing", SenderCustomer, nil, "hi")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = env.router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = env.router.SaveMessage(ctx, s.ID, SenderCustomer, nil, "hello?")
	require.ErrorIs(t, err, apperr.ErrSessionClosed)
}

func TestAssignWaiting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	for _, c := range []string{"C1", "C2", "C3"} {
		s, err := env.router.StartSession(ctx, c, "hi")
		require.NoError(t, err)
		require.Equal(t, StatusWaiting, s.Status)
	}

	n, err := env.router.AssignWaiting(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = env.registry.SetOnline(ctx, "S1", true)
	require.NoError(t, err)
	_, err = env.registry.SetOnline(ctx, "S2", true)
	require.NoError(t, err)

	n, err = env.router.AssignWaiting(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	waiting, err := env.router.ListSessions(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Empty(t, waiting)
	require.Equal(t, 3, env.activeChats(t, "S1")+env.activeChats(t, "S2"))
	require.LessOrEqual(t, env.activeChats(t, "S1")-env.activeChats(t, "S2"), 1)
	require.GreaterOrEqual(t, env.activeChats(t, "S1")-env.activeChats(t, "S2"), -1)
}

func TestListSessions_RejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.router.ListSessions(context.Background(), "archived")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

// flakyStore fails the first n session updates with a revision conflict.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) UpdateSession(ctx context.Context, s *Session) error {
	if f.failures.Add(-1) >= 0 {
		return apperr.Conflict("session revision mismatch")
	}
	return f.MemoryStore.UpdateSession(ctx, s)
}

func TestStartSession_AssignmentWriteFailureReleasesLoad(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(1)
	env := newTestEnv(t, store, onlineStaff("S1", 0))

	_, err := env.router.StartSession(ctx, "C1", "hi")
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Equal(t, 0, env.activeChats(t, "S1"))

	waiting, err := store.ListByStatus(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	require.Nil(t, waiting[0].AssignedStaffID)

	// the retry reuses the waiting session
	s, err := env.router.StartSession(ctx, "C1", "hi again")
	require.NoError(t, err)
	require.Equal(t, waiting[0].ID, s.ID)
	require.Equal(t, StatusWaiting, s.Status)
}

func TestEndSession_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	env := newTestEnv(t, store, onlineStaff("S1", 0))

	s, err := env.router.StartSession(ctx, "C1", "hi")
	require.NoError(t, err)

	store.failures.Store(2)
	closed, err := env.router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.Equal(t, 0, env.activeChats(t, "S1"))

	s2, err := env.router.StartSession(ctx, "C2", "hi")
	require.NoError(t, err)
	store.failures.Store(defaultMaxRetries)
	_, err = env.router.EndSession(ctx, s2.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Equal(t, 1, env.activeChats(t, "S1"))
}

// failingRelease fails the first n load decrements.
type failingRelease struct {
	*staff.Registry
	failures atomic.Int32
}

func (f *failingRelease) AdjustLoad(ctx context.Context, staffID string, delta int) (staff.Load, error) {
	if delta < 0 && f.failures.Add(-1) >= 0 {
		return staff.Load{}, apperr.Conflict("staff registry: retries exhausted for " + staffID)
	}
	return f.Registry.AdjustLoad(ctx, staffID, delta)
}

func TestEndSession_RetriesFailedLoadRelease(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0))
	registry := &failingRelease{Registry: env.registry}
	registry.failures.Store(1)
	router := NewRouter(env.store, registry, staff.NewSelector(env.registry), WithNotifier(env.notices))

	s, err := router.StartSession(ctx, "C1", "hi")
	require.NoError(t, err)
	require.Equal(t, 1, env.activeChats(t, "S1"))

	_, err = router.EndSession(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)
	stored, err := env.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, stored.Status)
	require.False(t, stored.LoadReleased)
	require.Equal(t, 1, env.activeChats(t, "S1"))
	require.Equal(t, []string{NoticeAssigned}, env.notices.types())

	closed, err := router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.True(t, closed.LoadReleased)
	require.Equal(t, 0, env.activeChats(t, "S1"))

	// once released, closing again leaves load alone
	_, err = env.registry.AdjustLoad(ctx, "S1", +1)
	require.NoError(t, err)
	_, err = router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, env.activeChats(t, "S1"))
	require.Equal(t, []string{NoticeAssigned, NoticeClosed}, env.notices.types())
}

func TestEndSession_AssigneeWithoutLoadRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	staffID := "S9"
	s := &Session{ID: "orphan", CustomerID: "C1", AssignedStaffID: &staffID, Status: StatusActive, CreatedAt: t0}
	require.NoError(t, env.store.CreateSession(ctx, s))

	closed, err := env.router.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.True(t, closed.LoadReleased)
	_, err = env.loads.Get(ctx, "S9")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEndSession_ConcurrentRetriesReleaseOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 3))
	registry := &failingRelease{Registry: env.registry}
	registry.failures.Store(1)
	router := NewRouter(env.store, registry, staff.NewSelector(env.registry), WithMaxRetries(1000))

	s, err := router.StartSession(ctx, "C1", "hi")
	require.NoError(t, err)
	_, err = router.EndSession(ctx, s.ID)
	require.Error(t, err)
	require.Equal(t, 4, env.activeChats(t, "S1"))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := router.EndSession(ctx, s.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 3, env.activeChats(t, "S1"))
}

func TestConcurrentStartAndEndKeepLoadConsistent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, onlineStaff("S1", 0), onlineStaff("S2", 0), onlineStaff("S3", 0))

	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := env.router.StartSession(ctx, fmt.Sprintf("C%d", i), "hi")
			if err != nil {
				errs <- err
				return
			}
			if i%2 == 0 {
				if _, err := env.router.EndSession(ctx, s.ID); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total := 0
	for _, id := range []string{"S1", "S2", "S3"} {
		n := env.activeChats(t, id)
		require.GreaterOrEqual(t, n, 0)
		total += n
	}
	active, err := env.router.ListSessions(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 15)
	require.Equal(t, 15, total)
}
