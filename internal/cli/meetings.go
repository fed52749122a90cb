package cli

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// pruneConcurrency bounds parallel prunes for --all; each one holds a meeting lock and a DB connection.
const pruneConcurrency = 4

func NewMeetingCmd(deps *Dependencies) *cobra.Command {
	var (
		title  string
		endsAt string
	)
	cmd := &cobra.Command{
		Use:   "meeting <meeting-id>",
		Short: "Create a meeting or update its title and scheduled end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTime(endsAt)
			if err != nil {
				return fmt.Errorf("--ends-at: %w", err)
			}
			if err := deps.Meetings.UpsertMeeting(cmd.Context(), args[0], title, at); err != nil {
				return err
			}
			NewFormatter(deps.out()).Success(fmt.Sprintf("Meeting %s saved", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "meeting title")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "scheduled end (RFC3339); the worker ends open sessions after it")
	return cmd
}

func NewInviteCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <meeting-id> <user-id>...",
		Short: "Add users to a meeting's invited set",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			added, err := deps.Service.AddParticipants(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			NewFormatter(deps.out()).Success(fmt.Sprintf("%d new participant(s) invited to %s", added, args[0]))
			return nil
		},
	}
}

func NewEndAllCmd(deps *Dependencies) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "end-all <meeting-id>",
		Short: "End every active session of a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseTime(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			var n int
			if when != nil {
				n, err = deps.Service.ForceEndAll(cmd.Context(), args[0], *when)
			} else {
				n, err = deps.Service.EndAll(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			NewFormatter(deps.out()).Success(fmt.Sprintf("%d session(s) ended in %s", n, args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "end time to record instead of now (RFC3339)")
	return cmd
}

func NewPruneCmd(deps *Dependencies) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "prune [meeting-id]",
		Short: "Remove invalid and duplicate sessions",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			f := NewFormatter(deps.out())
			if !all {
				n, err := deps.Service.Prune(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				f.Success(fmt.Sprintf("%d session(s) removed from %s", n, args[0]))
				return nil
			}

			ids, err := deps.Meetings.ListMeetingsWithSessions(cmd.Context())
			if err != nil {
				return err
			}
			var removed int64
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(pruneConcurrency)
			for _, id := range ids {
				id := id
				g.Go(func() error {
					n, err := deps.Service.Prune(ctx, id)
					if err != nil {
						return fmt.Errorf("prune %s: %w", id, err)
					}
					atomic.AddInt64(&removed, int64(n))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			f.Success(fmt.Sprintf("%d session(s) removed across %d meeting(s)", removed, len(ids)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "prune every meeting that has sessions")
	return cmd
}
