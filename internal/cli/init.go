package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/headline-goat/autowinner/internal/config"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
)

var (
	initOutput    string
	initTolerance string
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter settings file",
	Long: `Write a settings file with the default scheduler, engine and rollout
settings. You are asked how much rollout risk you accept unless
--risk-tolerance is given.

Example:
  autowinner init
  autowinner init --risk-tolerance conservative -o /etc/autowinner.yaml
  autowinner serve --config autowinner.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "autowinner.yaml", "file to write")
	initCmd.Flags().StringVar(&initTolerance, "risk-tolerance", "", "conservative, moderate or aggressive")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", initOutput)
	}

	tolerance := initTolerance
	if tolerance == "" {
		var err error
		if tolerance, err = promptTolerance(); err != nil {
			return err
		}
	}

	f, err := os.Create(initOutput)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", initOutput, err)
	}
	defer f.Close()

	if err := writeStarterConfig(f, tolerance); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", initOutput)
	fmt.Println()
	fmt.Println("Start the server with:")
	fmt.Printf("  autowinner serve --config %s\n", initOutput)
	return nil
}

func promptTolerance() (string, error) {
	choices := []string{
		"Conservative - small phases, long soak times",
		"Moderate - the default",
		"Aggressive - ship low-risk winners immediately",
	}

	prompt := promptui.Select{
		Label: "Rollout risk tolerance",
		Items: choices,
		Size:  3,
		// moderate
		CursorPos: 1,
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", err
	}

	switch idx {
	case 0:
		return "conservative", nil
	case 2:
		return "aggressive", nil
	default:
		return "moderate", nil
	}
}

// writeStarterConfig renders the defaults in operator units.
func writeStarterConfig(out io.Writer, tolerance string) error {
	sched := config.FromScheduler(scheduler.DefaultConfig())
	sched.RiskTolerance = &tolerance
	if _, err := sched.Patch(); err != nil {
		return err
	}

	sc := stats.DefaultConfig()
	confidence := sc.ConfidenceLevel * 100
	power := sc.TargetPower * 100
	mde := sc.MinimumDetectableEffect * 100
	sampleInterval := rollout.DefaultConfig().SampleInterval.Seconds()

	file := config.File{
		Scheduler: sched,
		Engine: config.Engine{
			ConfidenceLevel:         &confidence,
			TargetPower:             &power,
			MinimumDetectableEffect: &mde,
			MinimumSampleSize:       &sc.MinimumSampleSize,
			MinimumVariantSample:    &sc.MinimumVariantSample,
		},
		Rollout: config.Rollout{SampleIntervalSeconds: &sampleInterval},
	}

	fmt.Fprintln(out, "# autowinner settings. Percentages and minutes; the scheduler section")
	fmt.Fprintln(out, "# is reloaded while the server runs.")
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
