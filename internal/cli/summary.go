package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-webinar/attendance/internal/analytics"
	"github.com/aura-webinar/attendance/internal/attendance"
)

func NewSummaryCmd(deps *Dependencies) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary <meeting-id>",
		Short: "Print a meeting's attendance summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s analytics.Summary
			err := deps.Service.View(cmd.Context(), args[0], func(l *attendance.Ledger) error {
				s = analytics.Summarize(l, deps.Observer)
				return nil
			})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(deps.out())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			NewFormatter(deps.out()).Summary(s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func NewTokenCmd(deps *Dependencies) *cobra.Command {
	var (
		name string
		role string
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for the API and presence socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := deps.Tokens.Generate(args[0], name, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(deps.out(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name recorded on sessions")
	cmd.Flags().StringVar(&role, "role", "attendee", "attendee, host or admin")
	return cmd
}

func NewDLQCmd(deps *Dependencies) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List housekeeping jobs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := deps.DLQ.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			f := NewFormatter(deps.out())
			if len(jobs) == 0 {
				f.Info("Dead-letter queue is empty")
				return nil
			}
			for _, j := range jobs {
				f.DeadLetter(j)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum jobs to show")
	return cmd
}
