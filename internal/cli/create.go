package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		variants     string
		weights      string
		goal         string
		manual       bool
		tags         string
		priority     string
		audience     int
		hourly       float64
		dependencies int
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B test",
		Long: `Create a new A/B test with the specified name and variants. The first
variant is the control. Tests are evaluated automatically unless --manual is set.

Examples:
  autowinner create hero --variants "Ship Faster,Build Better"
  autowinner create cta --variants "Sign Up,Get Started" --weights "80,20"
  autowinner create checkout --variants "A,B" --tags checkout --priority high --audience 500000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testName := args[0]

			variantList := splitList(variants)
			if len(variantList) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variants \"A,B\"")
			}

			weightList, err := parseWeights(weights, len(variantList))
			if err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				test, err := s.CreateTest(context.Background(), store.NewTest{
					Name:                testName,
					Variants:            variantList,
					Weights:             weightList,
					ConversionGoal:      goal,
					AutoWinner:          !manual,
					Tags:                splitList(tags),
					Priority:            priority,
					AddressableAudience: audience,
					HourlyTraffic:       hourly,
					Dependencies:        dependencies,
				})
				if err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				fmt.Printf("Created test '%s' with %d variants:\n", test.Name, len(test.Variants))
				for _, v := range test.Variants {
					role := ""
					if v.IsControl {
						role = " (control)"
					}
					fmt.Printf("  %s: %s%s\n", v.ID, formatPercent(v.Traffic), role)
				}
				if manual {
					fmt.Println("Automatic winner selection is off for this test.")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated variant names, control first (required)")
	cmd.Flags().StringVarP(&weights, "weights", "w", "", "comma-separated traffic split in percent (default: equal)")
	cmd.Flags().StringVar(&goal, "goal", "", "what counts as a conversion (optional)")
	cmd.Flags().BoolVar(&manual, "manual", false, "exclude the test from automatic evaluation")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated business tags (optional)")
	cmd.Flags().StringVar(&priority, "priority", "", "business priority, e.g. high (optional)")
	cmd.Flags().IntVar(&audience, "audience", 0, "addressable audience per month (optional)")
	cmd.Flags().Float64Var(&hourly, "hourly-traffic", 0, "expected visitors per hour (optional)")
	cmd.Flags().IntVar(&dependencies, "dependencies", 0, "number of systems the change touches (optional)")
	cmd.MarkFlagRequired("variants")

	return cmd
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseWeights converts a percent split to ratios.
func parseWeights(s string, n int) ([]float64, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, nil
	}
	if len(parts) != n {
		return nil, fmt.Errorf("got %d weights for %d variants", len(parts), n)
	}

	weights := make([]float64, n)
	var total float64
	for i, p := range parts {
		w, err := strconv.ParseFloat(strings.TrimSuffix(p, "%"), 64)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid weight %q", p)
		}
		weights[i] = w / 100
		total += w
	}
	if total < 99.5 || total > 100.5 {
		return nil, fmt.Errorf("weights must add up to 100, got %g", total)
	}
	return weights, nil
}
