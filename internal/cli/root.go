package cli

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/pkg/queue"
)

// AttendanceService is what the admin commands run against.
type AttendanceService interface {
	EndAll(ctx context.Context, meetingID string) (int, error)
	ForceEndAll(ctx context.Context, meetingID string, at time.Time) (int, error)
	Prune(ctx context.Context, meetingID string) (int, error)
	AddParticipants(ctx context.Context, meetingID string, userIDs []string) (int, error)
	View(ctx context.Context, meetingID string, fn func(*attendance.Ledger) error) error
}

// MeetingStore manages meeting rows directly.
type MeetingStore interface {
	UpsertMeeting(ctx context.Context, id, title string, endsAt *time.Time) error
	ListMeetingsWithSessions(ctx context.Context) ([]string, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Generate(userID, name, role string) (string, error)
}

// DeadLetterReader lists failed housekeeping jobs.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, n int64) ([]*queue.Job, error)
}

type Dependencies struct {
	Service  AttendanceService
	Meetings MeetingStore
	Tokens   TokenIssuer
	DLQ      DeadLetterReader
	Observer attendance.Observer
	Out      io.Writer
}

func (d *Dependencies) out() io.Writer {
	if d.Out == nil {
		return os.Stdout
	}
	return d.Out
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "attendancectl",
		Short:         "Administer meeting attendance",
		Long:          "Admin tool for meeting attendance: create meetings, invite users, end or prune sessions, and print summaries.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewMeetingCmd(deps))
	rootCmd.AddCommand(NewInviteCmd(deps))
	rootCmd.AddCommand(NewEndAllCmd(deps))
	rootCmd.AddCommand(NewPruneCmd(deps))
	rootCmd.AddCommand(NewSummaryCmd(deps))
	rootCmd.AddCommand(NewTokenCmd(deps))
	rootCmd.AddCommand(NewDLQCmd(deps))

	return rootCmd
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
