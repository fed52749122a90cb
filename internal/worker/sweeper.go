package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/pkg/queue"
)

// MeetingLister finds meetings that need housekeeping.
type MeetingLister interface {
	ListOverdueMeetings(ctx context.Context, before time.Time) ([]meetings.OverdueMeeting, error)
	ListMeetingsWithSessions(ctx context.Context) ([]string, error)
}

// JobEnqueuer schedules housekeeping jobs; false means one is already pending.
type JobEnqueuer interface {
	EnqueueEndMeeting(ctx context.Context, payload queue.MeetingPayload, dedupe time.Duration) (bool, error)
	EnqueuePruneMeeting(ctx context.Context, payload queue.MeetingPayload, dedupe time.Duration) (bool, error)
}

// Sweeper periodically turns overdue meetings into end_meeting jobs and all
// meetings with sessions into prune_meeting jobs.
type Sweeper struct {
	lister     MeetingLister
	enqueuer   JobEnqueuer
	clock      attendance.Clock
	sweepEvery time.Duration
	pruneEvery time.Duration
	logger     *zap.Logger
}

// NewSweeper creates a sweeper. A nil clock means attendance.SystemClock.
func NewSweeper(lister MeetingLister, enqueuer JobEnqueuer, clock attendance.Clock, sweepEvery, pruneEvery time.Duration, logger *zap.Logger) *Sweeper {
	if clock == nil {
		clock = attendance.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		lister:     lister,
		enqueuer:   enqueuer,
		clock:      clock,
		sweepEvery: sweepEvery,
		pruneEvery: pruneEvery,
		logger:     logger,
	}
}

// SweepOverdue enqueues end_meeting for every overdue meeting, closing sessions
// at the scheduled end. Returns how many jobs were enqueued.
func (s *Sweeper) SweepOverdue(ctx context.Context) (int, error) {
	overdue, err := s.lister.ListOverdueMeetings(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range overdue {
		endsAt := m.EndsAt
		ok, err := s.enqueuer.EnqueueEndMeeting(ctx, queue.MeetingPayload{MeetingID: m.ID, At: &endsAt}, s.sweepEvery)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// EnqueuePrunes enqueues prune_meeting for every meeting with sessions.
func (s *Sweeper) EnqueuePrunes(ctx context.Context) (int, error) {
	ids, err := s.lister.ListMeetingsWithSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := s.enqueuer.EnqueuePruneMeeting(ctx, queue.MeetingPayload{MeetingID: id}, s.pruneEvery)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Run sweeps on every tick until ctx is done. Failures are logged and retried next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.sweepEvery)
	defer sweep.Stop()
	prune := time.NewTicker(s.pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return nil
		case <-sweep.C:
			n, err := s.SweepOverdue(ctx)
			if err != nil {
				s.logger.Warn("overdue sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("overdue meetings enqueued", zap.Int("jobs", n))
			}
		case <-prune.C:
			n, err := s.EnqueuePrunes(ctx)
			if err != nil {
				s.logger.Warn("prune sweep failed", zap.Error(err))
			} else {
				s.logger.Debug("prune jobs enqueued", zap.Int("jobs", n))
			}
		}
	}
}
