package meetings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/attendance/internal/attendance"
)

// Repository handles meetings, meeting_participants and attendance_sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a meetings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadAttendance returns the invited set and sessions (insertion order) for a meeting.
func (r *Repository) LoadAttendance(ctx context.Context, meetingID string) (*State, error) {
	state := &State{MeetingID: meetingID}
	err := r.pool.QueryRow(ctx, `SELECT ends_at, attendance_version FROM meetings WHERE id = $1`, meetingID).
		Scan(&state.EndsAt, &state.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("select meeting: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM meeting_participants WHERE meeting_id = $1 ORDER BY user_id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	state.ParticipantIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan participants: %w", err)
	}

	rows, err = r.pool.Query(ctx,
		`SELECT id, user_id, user_name, meeting_id, join_time, leave_time, duration_minutes
		 FROM attendance_sessions WHERE meeting_id = $1 ORDER BY seq`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s        attendance.Session
			joinTime *time.Time
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.UserName, &s.MeetingID, &joinTime, &s.LeaveTime, &s.DurationMinutes); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if joinTime != nil {
			s.JoinTime = joinTime.UTC()
		}
		state.Sessions = append(state.Sessions, s)
	}
	return state, rows.Err()
}

// AttendanceVersion returns the meeting's current attendance version.
func (r *Repository) AttendanceVersion(ctx context.Context, meetingID string) (int64, error) {
	var v int64
	err := r.pool.QueryRow(ctx, `SELECT attendance_version FROM meetings WHERE id = $1`, meetingID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrMeetingNotFound
	}
	return v, err
}

// SaveAttendance replaces the meeting's sessions with the given list in one transaction,
// provided the version is still expected. Sessions missing from the list (pruned) are
// deleted; the rest are upserted.
func (r *Repository) SaveAttendance(ctx context.Context, meetingID string, expected int64, sessions []attendance.Session) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version int64
	err = tx.QueryRow(ctx,
		`UPDATE meetings SET attendance_version = attendance_version + 1
		 WHERE id = $1 AND attendance_version = $2 RETURNING attendance_version`,
		meetingID, expected).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, verr := r.AttendanceVersion(ctx, meetingID); errors.Is(verr, ErrMeetingNotFound) {
			return 0, ErrMeetingNotFound
		}
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM attendance_sessions WHERE meeting_id = $1 AND NOT (id = ANY($2))`,
		meetingID, ids); err != nil {
		return 0, fmt.Errorf("delete pruned sessions: %w", err)
	}

	batch := &pgx.Batch{}
	for _, s := range sessions {
		batch.Queue(
			`INSERT INTO attendance_sessions (id, meeting_id, user_id, user_name, join_time, leave_time, duration_minutes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET leave_time = EXCLUDED.leave_time,
			   duration_minutes = EXCLUDED.duration_minutes, updated_at = NOW()`,
			s.ID, meetingID, s.UserID, s.UserName, nullableTime(s.JoinTime), s.LeaveTime, s.DurationMinutes)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("upsert sessions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

// AddParticipants invites users to a meeting (idempotent) and bumps its attendance version.
func (r *Repository) AddParticipants(ctx context.Context, meetingID string, userIDs []string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE meetings SET attendance_version = attendance_version + 1 WHERE id = $1`, meetingID)
		if err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrMeetingNotFound
		}
		batch := &pgx.Batch{}
		for _, id := range userIDs {
			batch.Queue(`INSERT INTO meeting_participants (meeting_id, user_id) VALUES ($1, $2)
				ON CONFLICT (meeting_id, user_id) DO NOTHING`, meetingID, id)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// OverdueMeeting is a meeting past its scheduled end that still has open sessions.
type OverdueMeeting struct {
	ID     string
	EndsAt time.Time
}

// ListOverdueMeetings returns meetings whose scheduled end is before t and
// that still have open sessions.
func (r *Repository) ListOverdueMeetings(ctx context.Context, before time.Time) ([]OverdueMeeting, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.ends_at FROM meetings m
		 WHERE m.ends_at IS NOT NULL AND m.ends_at < $1
		   AND EXISTS (SELECT 1 FROM attendance_sessions s WHERE s.meeting_id = m.id AND s.leave_time IS NULL)
		 ORDER BY m.ends_at`, before)
	if err != nil {
		return nil, fmt.Errorf("select overdue meetings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OverdueMeeting, error) {
		var m OverdueMeeting
		err := row.Scan(&m.ID, &m.EndsAt)
		return m, err
	})
}

// ListMeetingsWithSessions returns every meeting that has at least one session.
func (r *Repository) ListMeetingsWithSessions(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT meeting_id FROM attendance_sessions ORDER BY meeting_id`)
	if err != nil {
		return nil, fmt.Errorf("select meetings with sessions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpsertMeeting creates a meeting or updates its title and scheduled end.
func (r *Repository) UpsertMeeting(ctx context.Context, id, title string, endsAt *time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO meetings (id, title, ends_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, ends_at = EXCLUDED.ends_at`,
		id, title, endsAt)
	if err != nil {
		return fmt.Errorf("upsert meeting: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
