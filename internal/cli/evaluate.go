package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(newEvaluateCmd())
}

func newEvaluateCmd() *cobra.Command {
	var (
		force bool
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate [name]",
		Short: "Evaluate a test now on the running server",
		Long: `Ask the running server to evaluate a test immediately. A concluded test
starts rolling out its winner.

Without --force the request fails if the scheduler is evaluating the test
right now; with --force it waits. --all runs a full scheduler pass.

Examples:
  autowinner evaluate hero
  autowinner evaluate hero --force
  autowinner evaluate --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give a test name or --all")
			}

			ctx := context.Background()
			client, err := newAPIClient(ctx)
			if err != nil {
				return err
			}

			if all {
				var m scheduler.Metrics
				if err := client.do(ctx, http.MethodPost, "/api/run", nil, &m); err != nil {
					return err
				}
				printMetrics(cmd.OutOrStdout(), m)
				return nil
			}

			var res scheduler.EvaluationResult
			req := scheduler.EvaluationRequest{TestID: args[0], ForceEvaluation: force}
			if err := client.do(ctx, http.MethodPost, "/api/evaluate", req, &res); err != nil {
				return err
			}
			printEvaluation(cmd.OutOrStdout(), &res)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "wait for an in-flight evaluation instead of failing")
	cmd.Flags().BoolVar(&all, "all", false, "run a full scheduler pass")

	return cmd
}

func printEvaluation(out io.Writer, res *scheduler.EvaluationResult) {
	a := res.Analysis
	fmt.Fprintf(out, "TEST: %s\n", res.TestID)
	if a != nil {
		fmt.Fprintf(out, "STATUS: %s (%.1f%% significance)\n", a.Status, a.OverallSignificance*100)
		fmt.Fprintf(out, "RECOMMENDATION: %s\n", a.RecommendedAction)
	}

	if res.Conclusion == nil {
		fmt.Fprintln(out, "No winner selected yet.")
	} else {
		c := res.Conclusion
		fmt.Fprintf(out, "WINNER: %s (%+.1f%% at %.1f%% confidence)\n",
			c.SelectedWinner.Variant.VariantID, c.SelectedWinner.ExpectedImprovement*100, c.Confidence*100)
		fmt.Fprintf(out, "ROLLOUT: %s, %d phases\n", c.ImplementationPlan.Strategy, len(c.ImplementationPlan.Phases))
	}

	for _, al := range res.Alerts {
		fmt.Fprintf(out, "ALERT [%s] %s: %s\n", al.Severity, al.Type, al.Message)
	}
}
