package meetings

import (
	"context"
	"errors"
	"time"

	"github.com/aura-webinar/attendance/internal/attendance"
)

var (
	// ErrMeetingNotFound is returned when the store has no such meeting.
	ErrMeetingNotFound = errors.New("meeting not found")
	// ErrVersionConflict is returned when another process saved the meeting's
	// attendance since it was loaded.
	ErrVersionConflict = errors.New("attendance version conflict")
)

// State is the persisted attendance representation of one meeting.
// Version increases on every change to sessions or participants.
type State struct {
	MeetingID      string
	EndsAt         *time.Time
	Version        int64
	ParticipantIDs []string
	Sessions       []attendance.Session
}

// Store loads and saves attendance state. Implementations must return
// ErrMeetingNotFound (possibly wrapped) for unknown meetings.
type Store interface {
	LoadAttendance(ctx context.Context, meetingID string) (*State, error)
	// AttendanceVersion is a cheap freshness check for a cached ledger.
	AttendanceVersion(ctx context.Context, meetingID string) (int64, error)
	// SaveAttendance replaces the sessions if the stored version still equals
	// expected, returning the new version, or ErrVersionConflict.
	SaveAttendance(ctx context.Context, meetingID string, expected int64, sessions []attendance.Session) (int64, error)
	AddParticipants(ctx context.Context, meetingID string, userIDs []string) error
}
