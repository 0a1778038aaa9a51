package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lucasnoah/labforge/internal/analytics"
	"github.com/spf13/cobra"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Report stage durations, validation outcomes and throughput from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		since, err := parseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}

		d, cleanup, err := openDB(configOrNil())
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := analytics.BuildReport(d, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, report)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tCOUNT\tAVG(min)\tP50\tP95")
		for _, s := range report.StageDurations {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", s.Status, s.Count, s.Avg, s.P50, s.P95)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "OUTCOME\tRUNS\tSHARE\tAVG(min)")
		for _, o := range report.Outcomes {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f\n", o.Outcome, o.Count, o.Share, o.AvgDuration)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FAILED IN\tKIND\tCOUNT")
		for _, f := range report.Failures {
			fmt.Fprintf(w, "%s\t%s\t%d\n", f.Stage, f.Kind, f.Count)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "WEEK\tCREATED\tDONE\tFAILED\tAVG(h)")
		for _, p := range report.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", p.Period, p.Created, p.Completed, p.Failed, p.AvgDuration)
		}
		return w.Flush()
	},
}

// parseSince accepts "", a Go duration, a day count such as "7d" or a
// date (2006-01-02) and returns the cutoff relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: use a duration (36h), days (7d) or a date (2006-01-02)", s)
}

func init() {
	analyticsCmd.Flags().String("since", "", "Only count activity after this point (36h, 7d or 2006-01-02)")
	analyticsCmd.Flags().String("format", "text", "Output format: text or json")
}
