package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sean85120/ccbot/internal/output"
)

var (
	usageDay  string
	usageFrom string
	usageTo   string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token and cost usage per day and owner",
	Long: `Show token and cost usage per day and owner.

Defaults to today (UTC). Use --day for a single day or --from/--to for a range.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return usageRun(time.Now().UTC())
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageDay, "day", "", "Day to report (YYYY-MM-DD)")
	usageCmd.Flags().StringVar(&usageFrom, "from", "", "First day of a range (YYYY-MM-DD)")
	usageCmd.Flags().StringVar(&usageTo, "to", "", "Last day of a range (YYYY-MM-DD)")
	rootCmd.AddCommand(usageCmd)
}

// usageRange resolves the flags into an inclusive day range.
func usageRange(today time.Time) (time.Time, time.Time, error) {
	parse := func(name, v string, def time.Time) (time.Time, error) {
		if v == "" {
			return def, nil
		}
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
		}
		return t, nil
	}

	today = today.Truncate(24 * time.Hour)
	if usageDay != "" {
		d, err := parse("day", usageDay, today)
		return d, d, err
	}
	from, err := parse("from", usageFrom, today)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parse("to", usageTo, today)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to is before --from")
	}
	return from, to, nil
}

func usageRun(today time.Time) error {
	from, to, err := usageRange(today)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	rows, err := s.UsageSummary(context.Background(), from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		ui.Info("No usage between %s and %s.", from.Format(time.DateOnly), to.Format(time.DateOnly))
		return nil
	}

	var totalCost float64
	table := ui.Table([]string{"Day", "Owner", "Sessions", "Queries", "Failures", "Input", "Output", "Cost"})
	for _, r := range rows {
		totalCost += r.CostUSD
		failures := fmt.Sprint(r.Failures)
		if r.Failures > 0 {
			failures = output.Red(failures)
		}
		_ = table.Append([]string{
			r.Day,
			r.OwnerUserID,
			fmt.Sprint(r.Sessions),
			fmt.Sprint(r.Queries),
			failures,
			output.Tokens(r.InputTokens),
			output.Tokens(r.OutputTokens),
			output.Cost(r.CostUSD),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "\nTotal: %s\n", output.Cost(totalCost))
	return nil
}
