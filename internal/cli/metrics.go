package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/scheduler"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show scheduler metrics from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		client, err := newAPIClient(ctx)
		if err != nil {
			return err
		}

		var m scheduler.Metrics
		if err := client.do(ctx, http.MethodGet, "/api/metrics", nil, &m); err != nil {
			return err
		}
		printMetrics(cmd.OutOrStdout(), m)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}

func printMetrics(out io.Writer, m scheduler.Metrics) {
	fmt.Fprintf(out, "Tests monitored:        %d\n", m.TotalTestsMonitored)
	fmt.Fprintf(out, "Evaluated today:        %d\n", m.TestsEvaluatedToday)
	fmt.Fprintf(out, "Winners selected today: %d\n", m.WinnersSelectedToday)
	fmt.Fprintf(out, "Success rate:           %.1f%%\n", m.SuccessRate*100)
	fmt.Fprintf(out, "Evaluations (total):    %d, %d failed\n", m.EvaluationsTotal, m.EvaluationFailures)
	fmt.Fprintf(out, "Skipped (locked):       %d\n", m.SkippedLocked)
	fmt.Fprintf(out, "Failed ticks:           %d\n", m.TickFailures)
	if !m.LastRunAt.IsZero() {
		fmt.Fprintf(out, "Last run:               %s\n", m.LastRunAt.Format("2006-01-02 15:04:05"))
	}

	if len(m.LastErrors) > 0 {
		ids := make([]string, 0, len(m.LastErrors))
		for id := range m.LastErrors {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Last errors:")
		for _, id := range ids {
			fmt.Fprintf(out, "  %s: %s\n", id, m.LastErrors[id])
		}
	}
}
