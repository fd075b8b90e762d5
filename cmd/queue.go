package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/output"
)

var queueCmd = &cobra.Command{
	Use:   "queue [project-path]",
	Short: "List queued start requests in admission order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		return queueRun(project)
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}

func queueRun(project string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	entries, err := s.ListQueueEntries(context.Background(), project)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("Queue is empty.")
		return nil
	}

	// Positions restart for each project.
	positions := make(map[string]int)
	now := time.Now()
	table := ui.Table([]string{"#", "Project", "Thread", "Owner", "Prompt", "Queued"})
	for _, e := range entries {
		positions[e.ProjectPath]++
		_ = table.Append([]string{
			fmt.Sprint(positions[e.ProjectPath]),
			e.ProjectPath,
			e.ThreadID,
			e.OwnerUserID,
			models.Truncate(e.Prompt, 50),
			output.Ago(e.EnqueuedAt, now),
		})
	}
	return table.Render()
}
