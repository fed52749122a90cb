package worker

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
	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/pkg/queue"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeService struct {
	mu       sync.Mutex
	calls    []string
	err      error
	forcedAt *time.Time
}

func (f *fakeService) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeService) EndAll(_ context.Context, id string) (int, error) {
	return 1, f.record("end-all:" + id)
}

func (f *fakeService) ForceEndAll(_ context.Context, id string, at time.Time) (int, error) {
	f.mu.Lock()
	f.forcedAt = &at
	f.mu.Unlock()
	return 1, f.record("force-end-all:" + id)
}

func (f *fakeService) Prune(_ context.Context, id string) (int, error) {
	return 2, f.record("prune:" + id)
}

func (f *fakeService) Evict(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "evict:"+id)
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
	done    []*queue.Job
	cancel  context.CancelFunc
}

func (q *fakeQueue) Dequeue(context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		q.cancel()
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *fakeQueue) Retry(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, job)
	return nil
}

func (q *fakeQueue) Done(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = append(q.done, job)
	return nil
}

func job(t *testing.T, typ queue.JobType, p queue.MeetingPayload) *queue.Job {
	t.Helper()
	j, err := queue.NewJob(typ, p, t0)
	require.NoError(t, err)
	return j
}

func TestProcessEndMeetingAtScheduledEnd(t *testing.T) {
	svc := &fakeService{}
	p := NewHousekeepingProcessor(svc, nil, nil)
	at := t0.Add(time.Hour)

	require.NoError(t, p.Process(context.Background(), job(t, queue.JobTypeEndMeeting, queue.MeetingPayload{MeetingID: "m-1", At: &at})))
	assert.Equal(t, []string{"force-end-all:m-1", "evict:m-1"}, svc.calls)
	require.NotNil(t, svc.forcedAt)
	assert.True(t, at.Equal(*svc.forcedAt))
}

func TestProcessEndMeetingNow(t *testing.T) {
	svc := &fakeService{}
	p := NewHousekeepingProcessor(svc, nil, nil)

	require.NoError(t, p.Process(context.Background(), job(t, queue.JobTypeEndMeeting, queue.MeetingPayload{MeetingID: "m-1"})))
	assert.Equal(t, []string{"end-all:m-1", "evict:m-1"}, svc.calls)
}

func TestProcessPrune(t *testing.T) {
	svc := &fakeService{}
	p := NewHousekeepingProcessor(svc, nil, nil)

	require.NoError(t, p.Process(context.Background(), job(t, queue.JobTypePruneMeeting, queue.MeetingPayload{MeetingID: "m-2"})))
	assert.Equal(t, []string{"prune:m-2"}, svc.calls)
}

func TestProcessDropsJobsForMissingMeetings(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("load attendance: %w", meetings.ErrMeetingNotFound)}
	p := NewHousekeepingProcessor(svc, nil, nil)

	assert.NoError(t, p.Process(context.Background(), job(t, queue.JobTypePruneMeeting, queue.MeetingPayload{MeetingID: "gone"})))
}

func TestProcessRejectsUnknownJobs(t *testing.T) {
	p := NewHousekeepingProcessor(&fakeService{}, nil, nil)

	err := p.Process(context.Background(), job(t, "recording_upload", queue.MeetingPayload{MeetingID: "m-1"}))
	assert.Error(t, err)
}

func TestRunRetriesFailuresAndMarksDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	okJob := job(t, queue.JobTypePruneMeeting, queue.MeetingPayload{MeetingID: "m-1"})
	badJob := &queue.Job{ID: "bad", Type: queue.JobTypePruneMeeting, Payload: []byte(`{}`)}
	q := &fakeQueue{jobs: []*queue.Job{okJob, badJob}, cancel: cancel}

	p := NewHousekeepingProcessor(&fakeService{}, q, nil)
	p.backoff = time.Millisecond

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []*queue.Job{okJob}, q.done)
	assert.Equal(t, []*queue.Job{badJob}, q.retried)
}

func TestRunBacksOffOnServiceError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := job(t, queue.JobTypeEndMeeting, queue.MeetingPayload{MeetingID: "m-1"})
	q := &fakeQueue{jobs: []*queue.Job{j}, cancel: cancel}
	p := NewHousekeepingProcessor(&fakeService{err: errors.New("db down")}, q, nil)
	p.backoff = time.Millisecond

	require.NoError(t, p.Run(ctx))
	assert.Len(t, q.retried, 1)
	assert.Empty(t, q.done)
}

type fakeLister struct {
	overdue  []meetings.OverdueMeeting
	sessions []string
	before   time.Time
}

func (f *fakeLister) ListOverdueMeetings(_ context.Context, before time.Time) ([]meetings.OverdueMeeting, error) {
	f.before = before
	return f.overdue, nil
}

func (f *fakeLister) ListMeetingsWithSessions(context.Context) ([]string, error) {
	return f.sessions, nil
}

type fakeEnqueuer struct {
	pending map[string]bool
	ends    []queue.MeetingPayload
	prunes  []queue.MeetingPayload
	dedupe  []time.Duration
}

func (f *fakeEnqueuer) EnqueueEndMeeting(_ context.Context, p queue.MeetingPayload, d time.Duration) (bool, error) {
	f.dedupe = append(f.dedupe, d)
	if f.pending["end:"+p.MeetingID] {
		return false, nil
	}
	f.ends = append(f.ends, p)
	return true, nil
}

func (f *fakeEnqueuer) EnqueuePruneMeeting(_ context.Context, p queue.MeetingPayload, d time.Duration) (bool, error) {
	f.dedupe = append(f.dedupe, d)
	if f.pending["prune:"+p.MeetingID] {
		return false, nil
	}
	f.prunes = append(f.prunes, p)
	return true, nil
}

func TestSweepOverdueUsesScheduledEnd(t *testing.T) {
	lister := &fakeLister{overdue: []meetings.OverdueMeeting{
		{ID: "m-1", EndsAt: t0.Add(-time.Hour)},
		{ID: "m-2", EndsAt: t0.Add(-time.Minute)},
	}}
	enq := &fakeEnqueuer{pending: map[string]bool{"end:m-2": true}}
	clock := attendance.NewManualClock(t0)
	s := NewSweeper(lister, enq, clock, time.Minute, 15*time.Minute, nil)

	n, err := s.SweepOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, t0, lister.before)
	require.Len(t, enq.ends, 1)
	assert.Equal(t, "m-1", enq.ends[0].MeetingID)
	assert.True(t, t0.Add(-time.Hour).Equal(*enq.ends[0].At))
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, enq.dedupe)
}

func TestEnqueuePrunes(t *testing.T) {
	lister := &fakeLister{sessions: []string{"m-1", "m-2", "m-3"}}
	enq := &fakeEnqueuer{pending: map[string]bool{"prune:m-3": true}}
	s := NewSweeper(lister, enq, nil, time.Minute, 15*time.Minute, nil)

	n, err := s.EnqueuePrunes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 15*time.Minute, enq.dedupe[0])
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSweeper(&fakeLister{}, &fakeEnqueuer{}, nil, time.Hour, time.Hour, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
