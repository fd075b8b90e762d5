package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/output"
)

var (
	sessionsStatus string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List persisted session snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a session with its transcript and usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(args[0])
	},
}

func init() {
	sessionsCmd.Flags().StringVarP(&sessionsStatus, "status", "s", "", "Comma-separated statuses to show")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Maximum number of sessions")
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func parseStatuses(raw string) []models.SessionStatus {
	var out []models.SessionStatus
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, models.SessionStatus(s))
		}
	}
	return out
}

func sessionsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	snaps, err := s.ListSessions(context.Background(), parseStatuses(sessionsStatus), sessionsLimit)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		ui.Info("No sessions.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"Thread", "Status", "Project", "Owner", "Tools", "Last Activity"})
	for _, sess := range snaps {
		_ = table.Append([]string{
			sess.ThreadID,
			output.StatusColor(string(sess.Status)),
			sess.ProjectPath,
			sess.OwnerUserID,
			fmt.Sprint(sess.TotalToolUses),
			output.Ago(sess.LastActivityAt, now),
		})
	}
	return table.Render()
}

func sessionsShowRun(threadID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.GetSession(ctx, threadID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(sess.ThreadID), output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  Project:  %s\n", sess.ProjectPath)
	fmt.Fprintf(ui.Out, "  Owner:    %s\n", sess.OwnerUserID)
	fmt.Fprintf(ui.Out, "  Model:    %s\n", sess.Model)
	fmt.Fprintf(ui.Out, "  Started:  %s\n", sess.StartedAt.Local().Format(time.DateTime))
	if sess.RuntimeSessionID != "" {
		fmt.Fprintf(ui.Out, "  Resume:   %s\n", sess.RuntimeSessionID)
	}
	if sess.LastError != "" {
		fmt.Fprintf(ui.Out, "  Error:    %s\n", output.Red(sess.LastError))
	}
	if len(sess.ToolUseCounts) > 0 {
		var parts []string
		for name, n := range sess.ToolUseCounts {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
		fmt.Fprintf(ui.Out, "  Tools:    %s\n", strings.Join(parts, " "))
	}

	if len(sess.Transcript) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Time", "Kind", "Text"})
		for _, e := range sess.Transcript {
			_ = table.Append([]string{
				e.At.Local().Format(time.TimeOnly),
				string(e.Kind),
				models.Truncate(strings.ReplaceAll(e.Text, "\n", " "), 80),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	records, err := s.ListUsage(ctx, threadID)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		var cost float64
		var in, out int64
		for _, r := range records {
			cost += r.CostUSD
			in += r.InputTokens
			out += r.OutputTokens
		}
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Usage:    %d queries, %s in / %s out, %s\n",
			len(records), output.Tokens(in), output.Tokens(out), output.Cost(cost))
	}
	return nil
}
