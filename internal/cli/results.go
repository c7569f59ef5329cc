package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <name>",
	Short: "Show detailed results for a test",
	Long: `Show conversion rates, confidence intervals, lift over control, power and
data-quality checks, as the scheduler would see them right now.`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	name := args[0]

	return withStore(func(s *store.SQLiteStore) error {
		test, err := s.GetTest(context.Background(), name)
		if err != nil {
			if err == store.ErrNotFound {
				return fmt.Errorf("test '%s' not found", name)
			}
			return fmt.Errorf("failed to get test: %w", err)
		}

		engine := stats.NewEngine(stats.DefaultConfig())
		analysis, err := engine.AnalyzeTest(test.Name, test.Variants, stats.WithRunningTime(time.Since(test.StartedAt)))
		if err != nil {
			return err
		}

		printAnalysis(cmd.OutOrStdout(), test, analysis)
		return nil
	})
}

func printAnalysis(out io.Writer, test *store.Test, a *stats.TestAnalysis) {
	// Print header
	fmt.Fprintf(out, "TEST: %s\n", test.Name)
	fmt.Fprintf(out, "STATE: %s\n", test.State)
	if test.ConversionGoal != "" {
		fmt.Fprintf(out, "GOAL: %s\n", test.ConversionGoal)
	}
	if test.WinnerVariant != "" {
		fmt.Fprintf(out, "WINNER: %s\n", test.WinnerVariant)
	}
	fmt.Fprintf(out, "CREATED: %s\n", test.CreatedAt.Format("2006-01-02"))
	fmt.Fprintln(out)

	// Print table header
	fmt.Fprintln(out, "VARIANT           IMPRESSIONS  CONVERSIONS  RATE     95% CI            LIFT      P-VALUE")
	fmt.Fprintln(out, strings.Repeat("─", 90))

	for _, v := range a.Variants {
		indicator := ""
		if v.VariantID == a.WinningVariant {
			indicator = " ← WINNER"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.RateInterval.Lower*100, v.RateInterval.Upper*100)
		if v.Impressions == 0 {
			ciStr = "N/A"
		}
		lift, pValue := "control", "-"
		if !v.IsControl {
			lift = fmt.Sprintf("%+.1f%%", v.Improvement*100)
			if v.ImprovementUndefined {
				lift = "N/A"
			}
			pValue = fmt.Sprintf("%.4f", v.PValue)
		}

		// Truncate name if too long
		name := v.VariantID
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-11d  %-11d  %-7s  %-16s  %-8s  %s%s\n",
			name,
			v.Impressions,
			v.Conversions,
			formatPercent(v.ConversionRate),
			ciStr,
			lift,
			pValue,
			indicator,
		)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Sample: %s of %s required (%.0f%%)\n",
		formatNumber(a.SampleSize.Current), formatNumber(a.SampleSize.Required), a.SampleSize.Progress*100)
	fmt.Fprintf(out, "Power: %.0f%% (detectable effect %.1f%%)\n",
		a.Power.CurrentPower*100, a.Power.MinimumDetectableEffect*100)

	for _, q := range a.QualityChecks {
		if !q.Passed {
			fmt.Fprintf(out, "Quality %s (%s): %s\n", q.Severity, q.Kind, q.Message)
		}
	}
	fmt.Fprintln(out)

	// Print significance message
	switch a.Status {
	case stats.StatusSignificant:
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", a.OverallSignificance*100, a.WinningVariant)
	case stats.StatusInsufficientData:
		fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
	default:
		fmt.Fprintf(out, "Statistical significance: %.1f%% (%s)\n", a.OverallSignificance*100, a.Status)
	}
	fmt.Fprintf(out, "Recommendation: %s\n", a.RecommendedAction)
}
