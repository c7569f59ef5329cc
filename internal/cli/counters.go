package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/store"
)

func init() {
	rootCmd.AddCommand(newCountersCmd())
}

func newCountersCmd() *cobra.Command {
	var counters store.Counters

	cmd := &cobra.Command{
		Use:   "counters <name> <variant>",
		Short: "Set a variant's counters",
		Long: `Replace a variant's impressions, conversions and revenue with an absolute
snapshot from your analytics pipeline. The scheduler reads these on its next tick.

Example:
  autowinner counters hero B --impressions 1250 --conversions 165 --revenue 6600`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			testName, variant := args[0], args[1]

			return withStore(func(s *store.SQLiteStore) error {
				err := s.SetCounters(context.Background(), testName, variant, counters)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("test '%s' has no variant '%s'", testName, variant)
				}
				if err != nil {
					return err
				}

				fmt.Printf("%s/%s: %s impressions, %s conversions (%s)\n",
					testName, variant,
					formatNumber(counters.Impressions),
					formatNumber(counters.Conversions),
					formatPercent(rate(counters.Conversions, counters.Impressions)),
				)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&counters.Impressions, "impressions", 0, "total impressions")
	cmd.Flags().IntVar(&counters.Conversions, "conversions", 0, "total conversions")
	cmd.Flags().Float64Var(&counters.Revenue, "revenue", 0, "total revenue (optional)")
	cmd.MarkFlagRequired("impressions")
	cmd.MarkFlagRequired("conversions")

	return cmd
}

func rate(conversions, impressions int) float64 {
	if impressions == 0 {
		return 0
	}
	return float64(conversions) / float64(impressions)
}
