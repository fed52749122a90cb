package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueAttendance is the Redis list key for attendance housekeeping jobs.
	QueueAttendance = "worker:attendance"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second

	pendingPrefix = "worker:pending:"
	dequeueWait   = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	// JobTypeEndMeeting closes every open session of a meeting past its scheduled end.
	JobTypeEndMeeting JobType = "end_meeting"
	// JobTypePruneMeeting drops invalid and duplicate sessions of a meeting.
	JobTypePruneMeeting JobType = "prune_meeting"
)

// MeetingPayload is the payload for meeting housekeeping jobs.
// At, when set, is the authoritative end time for end_meeting.
type MeetingPayload struct {
	MeetingID string     `json:"meeting_id"`
	At        *time.Time `json:"at,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// MeetingPayload decodes the job payload.
func (j *Job) MeetingPayload() (MeetingPayload, error) {
	var p MeetingPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.MeetingID == "" {
		return p, errors.New("payload without meeting_id")
	}
	return p, nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueEndMeeting enqueues an end_meeting job. Returns false when an
// identical job is still pending within dedupe.
func (q *Queue) EnqueueEndMeeting(ctx context.Context, payload MeetingPayload, dedupe time.Duration) (bool, error) {
	return q.enqueueOnce(ctx, JobTypeEndMeeting, payload, dedupe)
}

// EnqueuePruneMeeting enqueues a prune_meeting job, deduplicated like EnqueueEndMeeting.
func (q *Queue) EnqueuePruneMeeting(ctx context.Context, payload MeetingPayload, dedupe time.Duration) (bool, error) {
	return q.enqueueOnce(ctx, JobTypePruneMeeting, payload, dedupe)
}

// enqueueOnce guards the push with a SETNX marker so a sweep that runs again
// before the worker caught up does not pile up duplicate jobs.
func (q *Queue) enqueueOnce(ctx context.Context, t JobType, payload MeetingPayload, dedupe time.Duration) (bool, error) {
	if dedupe > 0 {
		ok, err := q.client.SetNX(ctx, PendingKey(t, payload.MeetingID), 1, dedupe).Result()
		if err != nil {
			return false, fmt.Errorf("setnx: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	job, err := NewJob(t, payload, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if err := q.push(ctx, QueueAttendance, job); err != nil {
		return false, err
	}
	q.logger.Debug("enqueued job",
		zap.String("job_id", job.ID),
		zap.String("type", string(t)),
		zap.String("meeting_id", payload.MeetingID),
	)
	return true, nil
}

// Done clears the pending marker of a finished job so the next sweep may enqueue it again.
func (q *Queue) Done(ctx context.Context, job *Job) error {
	p, err := job.MeetingPayload()
	if err != nil {
		return err
	}
	return q.client.Del(ctx, PendingKey(job.Type, p.MeetingID)).Err()
}

// Dequeue waits briefly for a job. It returns a nil job when none arrived or
// the raw entry was not a valid job, so callers can re-check ctx.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, dequeueWait, QueueAttendance).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	job, err := DecodeJob([]byte(result[1]))
	if err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return q.Done(ctx, job)
	}
	if err := q.push(ctx, QueueAttendance, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// DeadLetters returns up to n jobs from the DLQ without removing them.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]*Job, error) {
	raws, err := q.client.LRange(ctx, QueueDLQ, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	jobs := make([]*Job, 0, len(raws))
	for _, raw := range raws {
		job, err := DecodeJob([]byte(raw))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// NewJob wraps a meeting payload in a fresh job envelope.
func NewJob(t JobType, payload MeetingPayload, now time.Time) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: now,
	}, nil
}

// DecodeJob parses a raw queue entry.
func DecodeJob(raw []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	if job.Type == "" {
		return nil, errors.New("job without type")
	}
	return &job, nil
}

// PendingKey is the dedupe marker for a job kind on one meeting.
func PendingKey(t JobType, meetingID string) string {
	return pendingPrefix + string(t) + ":" + meetingID
}
