package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/headline-goat/autowinner/internal/config"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/store"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the scheduler configuration",
	}
	configCmd.AddCommand(newConfigShowCmd(), newConfigSetCmd())
	rootCmd.AddCommand(configCmd)
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the persisted scheduler configuration as a settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				cfg, err := s.LoadSchedulerConfig(context.Background())
				if errors.Is(err, store.ErrNotFound) {
					cfg = scheduler.DefaultConfig()
				} else if err != nil {
					return err
				}
				return printSchedulerYAML(cmd.OutOrStdout(), config.FromScheduler(cfg))
			})
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var (
		enabled     bool
		interval    float64
		concurrent  int
		confidence  float64
		improvement float64
		tolerance   string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the live scheduler configuration",
		Long: `Change the running scheduler's configuration. Changes apply from the next
tick and are persisted.

Examples:
  autowinner config set --check-interval 5
  autowinner config set --minimum-confidence 99 --risk-tolerance conservative
  autowinner config set --enabled=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body config.Scheduler
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				body.Enabled = &enabled
			}
			if flags.Changed("check-interval") {
				body.CheckIntervalMinutes = &interval
			}
			if flags.Changed("max-concurrent") {
				body.MaxConcurrentEvaluations = &concurrent
			}
			if flags.Changed("minimum-confidence") {
				body.MinimumConfidence = &confidence
			}
			if flags.Changed("minimum-improvement") {
				body.MinimumImprovement = &improvement
			}
			if flags.Changed("risk-tolerance") {
				body.RiskTolerance = &tolerance
			}
			if body == (config.Scheduler{}) {
				return fmt.Errorf("nothing to change. See: autowinner config set --help")
			}

			ctx := context.Background()
			client, err := newAPIClient(ctx)
			if err != nil {
				return err
			}

			var updated config.Scheduler
			if err := client.do(ctx, http.MethodPatch, "/api/config", body, &updated); err != nil {
				return err
			}
			return printSchedulerYAML(cmd.OutOrStdout(), updated)
		},
	}

	cmd.Flags().BoolVar(&enabled, "enabled", true, "run the periodic scheduler")
	cmd.Flags().Float64Var(&interval, "check-interval", 15, "minutes between scheduler passes")
	cmd.Flags().IntVar(&concurrent, "max-concurrent", 4, "evaluations running at once")
	cmd.Flags().Float64Var(&confidence, "minimum-confidence", 95, "confidence in percent a winner needs")
	cmd.Flags().Float64Var(&improvement, "minimum-improvement", 2, "lift in percent a winner needs")
	cmd.Flags().StringVar(&tolerance, "risk-tolerance", "moderate", "conservative, moderate or aggressive")

	return cmd
}

func printSchedulerYAML(out io.Writer, s config.Scheduler) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(config.File{Scheduler: s}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
