package meetings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/attendance/internal/attendance"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	states    map[string]*State
	loads     int
	saves     int
	failSave  error
	conflicts int // next N saves report ErrVersionConflict
}

func newMemStore(meetings map[string][]string) *memStore {
	st := &memStore{states: make(map[string]*State)}
	for id, participants := range meetings {
		st.states[id] = &State{MeetingID: id, ParticipantIDs: participants}
	}
	return st
}

func (m *memStore) LoadAttendance(_ context.Context, meetingID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	s, ok := m.states[meetingID]
	if !ok {
		return nil, ErrMeetingNotFound
	}
	cp := *s
	cp.Sessions = append([]attendance.Session(nil), s.Sessions...)
	cp.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	return &cp, nil
}

func (m *memStore) AttendanceVersion(_ context.Context, meetingID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[meetingID]
	if !ok {
		return 0, ErrMeetingNotFound
	}
	return s.Version, nil
}

func (m *memStore) SaveAttendance(_ context.Context, meetingID string, expected int64, sessions []attendance.Session) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return 0, m.failSave
	}
	s := m.states[meetingID]
	if m.conflicts > 0 {
		m.conflicts--
		s.Version++
		return 0, ErrVersionConflict
	}
	if s.Version != expected {
		return 0, ErrVersionConflict
	}
	m.saves++
	s.Version++
	s.Sessions = sessions
	return s.Version, nil
}

func (m *memStore) AddParticipants(_ context.Context, meetingID string, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[meetingID]
	if !ok {
		return ErrMeetingNotFound
	}
	s.ParticipantIDs = append(s.ParticipantIDs, userIDs...)
	s.Version++
	return nil
}

// write simulates another process saving the meeting.
func (m *memStore) write(meetingID string, sessions []attendance.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[meetingID]
	s.Sessions = sessions
	s.Version++
}

func (m *memStore) sessions(meetingID string) []attendance.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[meetingID].Sessions
}

func newTestService(store Store) (*Service, *attendance.ManualClock) {
	clock := attendance.NewManualClock(t0)
	n := 0
	var mu sync.Mutex
	opts := attendance.Options{
		Clock: clock,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("s-%d", n)
		},
	}
	return NewService(store, NewRegistry(), opts, time.Second, nil), clock
}

func TestServiceJoinLeavePersists(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a", "b"}})
	svc, clock := newTestService(store)
	ctx := context.Background()

	var counts []int
	svc.SetActiveCountHandler(func(meetingID string, active int) {
		assert.Equal(t, "m-1", meetingID)
		counts = append(counts, active)
	})

	s, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "s-1", s.ID)
	require.Len(t, store.sessions("m-1"), 1)

	clock.Advance(5 * time.Minute)
	ended, err := svc.Leave(ctx, "m-1", "a")
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = svc.Leave(ctx, "m-1", "a")
	require.NoError(t, err)
	assert.False(t, ended)

	persisted := store.sessions("m-1")
	require.Len(t, persisted, 1)
	require.NotNil(t, persisted[0].DurationMinutes)
	assert.Equal(t, 5, *persisted[0].DurationMinutes)
	assert.Equal(t, []int{1, 0}, counts)
	assert.Equal(t, 1, store.loads, "ledger is cached after first load")
	assert.Equal(t, 2, store.saves, "a no-op leave is not persisted")
}

func TestServiceUnknownMeeting(t *testing.T) {
	svc, _ := newTestService(newMemStore(nil))

	_, err := svc.Join(context.Background(), "nope", "a", "Alice")
	assert.ErrorIs(t, err, ErrMeetingNotFound)
}

func TestServiceSaveFailureDropsCache(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)
	ctx := context.Background()

	store.failSave = errors.New("db down")
	_, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.Error(t, err)

	store.failSave = nil
	n, err := svc.ActiveCount(ctx, "m-1")
	require.NoError(t, err)
	assert.Zero(t, n, "unsaved join must not survive in the cache")
	assert.Equal(t, 2, store.loads)
}

func TestServiceEndAllAndPrune(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a", "b"}})
	store.states["m-1"].Sessions = []attendance.Session{
		{ID: "broken", UserID: "x", UserName: "X", MeetingID: "m-1"},
	}
	svc, clock := newTestService(store)
	ctx := context.Background()

	_, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, "m-1", "b", "Bob")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	n, err := svc.EndAll(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := svc.Prune(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Len(t, store.sessions("m-1"), 2)

	ua, err := svc.UserAttendance(ctx, "m-1", "a")
	require.NoError(t, err)
	assert.Equal(t, 60, ua.TotalMinutes)
	assert.Len(t, ua.Sessions, 1)
}

func TestServiceForceEndAll(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, clock := newTestService(store)
	ctx := context.Background()

	_, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)

	n, err := svc.ForceEndAll(ctx, "m-1", t0.Add(45*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 45, *store.sessions("m-1")[0].DurationMinutes)
}

func TestServiceEndSessionByID(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)
	ctx := context.Background()

	s, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.NoError(t, err)

	ended, err := svc.EndSession(ctx, "m-1", s.ID)
	require.NoError(t, err)
	assert.True(t, ended)
	ended, err = svc.EndSession(ctx, "m-1", "missing")
	require.NoError(t, err)
	assert.False(t, ended)
}

func TestServiceAddParticipants(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)
	ctx := context.Background()

	added, err := svc.AddParticipants(ctx, "m-1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	var ids []string
	require.NoError(t, svc.View(ctx, "m-1", func(l *attendance.Ledger) error {
		ids = l.ParticipantIDs()
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestServiceAddParticipantsSkipsBlankIDs(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": nil})
	svc, _ := newTestService(store)
	ctx := context.Background()

	added, err := svc.AddParticipants(ctx, "m-1", []string{"a", "", "  ", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a", "b"}, store.states["m-1"].ParticipantIDs)

	added, err = svc.AddParticipants(ctx, "m-1", []string{""})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.EqualValues(t, 1, store.states["m-1"].Version, "blank-only call never reaches the store")
}

func TestServiceConcurrentJoinsAreSerialized(t *testing.T) {
	users := make([]string, 50)
	for i := range users {
		users[i] = fmt.Sprintf("u-%d", i)
	}
	store := newMemStore(map[string][]string{"m-1": users})
	svc, _ := newTestService(store)
	svc.lockTimeout = 10 * time.Second
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := svc.Join(ctx, "m-1", u, u)
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	n, err := svc.ActiveCount(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, len(users), n)
	assert.Len(t, store.sessions("m-1"), len(users))
}

func TestServiceEvictReloads(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.ActiveCount(ctx, "m-1")
	require.NoError(t, err)
	require.NoError(t, svc.Evict(ctx, "m-1"))
	_, err = svc.ActiveCount(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads)
}

func TestServiceBusyMeetingTimesOut(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)
	svc.lockTimeout = 20 * time.Millisecond

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = svc.registry.Do(context.Background(), "m-1", func(*slot) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := svc.Join(context.Background(), "m-1", "a", "Alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceReloadsAfterExternalWrite(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a", "b"}})
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.NoError(t, err)

	other := append(store.sessions("m-1"), attendance.Session{
		ID: "w-1", UserID: "b", UserName: "Bob", MeetingID: "m-1", JoinTime: t0,
	})
	store.write("m-1", other)

	n, err := svc.ActiveCount(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.loads)
}

func TestServiceReappliesOnVersionConflict(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)
	ctx := context.Background()

	store.conflicts = 2
	s, err := svc.Join(ctx, "m-1", "a", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "s-3", s.ID, "each attempt starts from a fresh ledger")
	assert.Len(t, store.sessions("m-1"), 1)
	assert.Equal(t, 3, store.loads)
}

func TestServiceGivesUpAfterRepeatedConflicts(t *testing.T) {
	store := newMemStore(map[string][]string{"m-1": {"a"}})
	svc, _ := newTestService(store)

	store.conflicts = maxConflictRetries
	_, err := svc.Join(context.Background(), "m-1", "a", "Alice")
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, maxConflictRetries, store.loads, "one load per save attempt")
	assert.Empty(t, store.sessions("m-1"))
}
