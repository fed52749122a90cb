package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aura-webinar/attendance/internal/analytics"
	"github.com/aura-webinar/attendance/pkg/queue"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Summary(s analytics.Summary) {
	fmt.Fprintf(f.w, "📊 Meeting %s (%s)\n\n", s.MeetingID, s.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(f.w, "  Active now:         %d\n", s.ActiveCount)
	fmt.Fprintf(f.w, "  Unique attendees:   %d\n", s.UniqueParticipants)
	fmt.Fprintf(f.w, "  Invited:            %d\n", s.InvitedCount)
	fmt.Fprintf(f.w, "  Attended (≥30s):    %d\n", s.TotalAttended)
	fmt.Fprintf(f.w, "  No-shows:           %d\n", s.NoShowCount)
	fmt.Fprintf(f.w, "  Attendance rate:    %.1f%%\n", s.AttendanceRatePercent)
	fmt.Fprintf(f.w, "  Avg minutes:        %.1f\n", s.AvgMinutesPerAttendee)

	if len(s.PerUserDurationMinutes) == 0 {
		return
	}
	users := make([]string, 0, len(s.PerUserDurationMinutes))
	for u := range s.PerUserDurationMinutes {
		users = append(users, u)
	}
	// Longest presence first, then by id.
	sort.Slice(users, func(i, j int) bool {
		a, b := s.PerUserDurationMinutes[users[i]], s.PerUserDurationMinutes[users[j]]
		if a != b {
			return a > b
		}
		return users[i] < users[j]
	})
	fmt.Fprintf(f.w, "\n  Minutes per user:\n")
	for _, u := range users {
		fmt.Fprintf(f.w, "    %-24s %d\n", u, s.PerUserDurationMinutes[u])
	}
}

func (f *Formatter) DeadLetter(j *queue.Job) {
	meeting := "?"
	if p, err := j.MeetingPayload(); err == nil {
		meeting = p.MeetingID
	}
	fmt.Fprintf(f.w, "  %s  %-14s %-20s attempts=%d created=%s\n",
		j.ID, j.Type, meeting, j.Attempt, j.CreatedAt.Format(time.RFC3339))
}
