package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/store"
)

var conclusionCmd = &cobra.Command{
	Use:   "conclusion <name>",
	Short: "Show the decision taken for a test and its rollout",
	Args:  cobra.ExactArgs(1),
	RunE:  runConclusion,
}

func init() {
	rootCmd.AddCommand(conclusionCmd)
}

func runConclusion(cmd *cobra.Command, args []string) error {
	name := args[0]

	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()
		c, err := s.GetConclusion(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("test '%s' has not been concluded", name)
		}
		if err != nil {
			return err
		}

		st, err := s.GetImplementationStatus(ctx, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		printConclusion(cmd.OutOrStdout(), c, st)
		return nil
	})
}

func printConclusion(out io.Writer, c *conclusion.TestConclusion, st *rollout.Status) {
	w := c.SelectedWinner
	fmt.Fprintf(out, "TEST: %s\n", c.TestID)
	fmt.Fprintf(out, "WINNER: %s (%s)\n", w.Variant.VariantID, w.SelectionReason)
	fmt.Fprintf(out, "IMPROVEMENT: %+.1f%% at %.1f%% confidence\n", w.ExpectedImprovement*100, c.Confidence*100)
	fmt.Fprintf(out, "REVENUE IMPACT: %.2f [%.2f, %.2f]\n",
		c.BusinessImpact.RevenueImpact, c.BusinessImpact.RevenueImpactRange.Lower, c.BusinessImpact.RevenueImpactRange.Upper)
	fmt.Fprintf(out, "RISK: %.0f/100, %s rollout\n", c.RiskAssessment.OverallRiskScore, c.ImplementationPlan.Strategy)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "PHASES")
	for i, p := range c.ImplementationPlan.Phases {
		fmt.Fprintf(out, "  %d. %-12s %5.0f%%  %s\n", i+1, p.ID, p.Rollout*100, p.Duration)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "ROLLBACK TRIGGERS")
	for _, t := range c.RollbackPlan.Triggers {
		fmt.Fprintf(out, "  %-20s > %.1f%% over %s → %s\n", t.Metric, t.Threshold*100, t.Timeframe, t.Action)
	}

	if len(c.Warnings) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "WARNINGS\n  %s\n", strings.Join(c.Warnings, "\n  "))
	}

	fmt.Fprintln(out)
	if st == nil {
		fmt.Fprintln(out, "IMPLEMENTATION: not started")
		return
	}
	flags := ""
	if st.Paused {
		flags += " paused"
	}
	if st.Halted {
		flags += " halted"
	}
	fmt.Fprintf(out, "IMPLEMENTATION: %s, %s of traffic on %s%s\n", st.State, formatPercent(st.Rollout), st.WinnerID, flags)
	if st.LastError != "" {
		fmt.Fprintf(out, "LAST ERROR: %s\n", st.LastError)
	}
}
