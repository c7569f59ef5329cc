package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests",
	Long:  `List all A/B tests with their state, counters and selected winner.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		tests, err := s.ListTests(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list tests: %w", err)
		}

		if len(tests) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tests yet.")
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Create one with:")
			fmt.Fprintln(cmd.OutOrStdout(), "  autowinner create hero --variants \"A,B\"")
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tAUTO\tVARIANTS\tIMPRESSIONS\tCONVERSIONS\tWINNER\tCREATED")

		for _, test := range tests {
			totalImpressions := 0
			totalConversions := 0
			for _, v := range test.Variants {
				totalImpressions += v.Impressions
				totalConversions += v.Conversions
			}

			auto := "yes"
			if !test.AutoWinner {
				auto = "no"
			}
			winner := test.WinnerVariant
			if winner == "" {
				winner = "-"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				test.Name,
				strings.ToUpper(string(test.State)),
				auto,
				len(test.Variants),
				formatNumber(totalImpressions),
				formatNumber(totalConversions),
				winner,
				test.CreatedAt.Format("2006-01-02"),
			)
		}

		return w.Flush()
	})
}
