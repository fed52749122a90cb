package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/pkg/queue"
)

// AttendanceService is the subset of meetings.Service the processor drives.
type AttendanceService interface {
	EndAll(ctx context.Context, meetingID string) (int, error)
	ForceEndAll(ctx context.Context, meetingID string, at time.Time) (int, error)
	Prune(ctx context.Context, meetingID string) (int, error)
	Evict(ctx context.Context, meetingID string) error
}

// JobQueue is where the processor takes jobs from.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	Done(ctx context.Context, job *queue.Job) error
}

// HousekeepingProcessor processes end_meeting and prune_meeting jobs.
type HousekeepingProcessor struct {
	svc     AttendanceService
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewHousekeepingProcessor creates a processor for attendance housekeeping jobs.
func NewHousekeepingProcessor(svc AttendanceService, q JobQueue, logger *zap.Logger) *HousekeepingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HousekeepingProcessor{svc: svc, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one job. Jobs for meetings that no longer exist are dropped.
func (p *HousekeepingProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.MeetingPayload()
	if err != nil {
		return err
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("meeting_id", payload.MeetingID))

	switch job.Type {
	case queue.JobTypeEndMeeting:
		var n int
		if payload.At != nil {
			n, err = p.svc.ForceEndAll(ctx, payload.MeetingID, *payload.At)
		} else {
			n, err = p.svc.EndAll(ctx, payload.MeetingID)
		}
		if err == nil {
			log.Info("meeting ended", zap.Int("sessions_ended", n))
			// The meeting is over; no reason to keep its ledger cached here.
			if evictErr := p.svc.Evict(ctx, payload.MeetingID); evictErr != nil {
				log.Warn("evict ledger failed", zap.Error(evictErr))
			}
		}
	case queue.JobTypePruneMeeting:
		var n int
		n, err = p.svc.Prune(ctx, payload.MeetingID)
		if err == nil && n > 0 {
			log.Info("meeting pruned", zap.Int("sessions_removed", n))
		}
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	if errors.Is(err, meetings.ErrMeetingNotFound) {
		log.Warn("meeting gone, dropping job")
		return nil
	}
	return err
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *HousekeepingProcessor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.logger.Info("housekeeping worker stopping")
			return nil
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.wait(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.wait(ctx)
			continue
		}
		if err := p.queue.Done(ctx, job); err != nil {
			p.logger.Warn("clear pending marker failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (p *HousekeepingProcessor) wait(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
