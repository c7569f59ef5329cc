package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/rollout"
)

func init() {
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newRolloutActionCmd("pause", "Pause a rollout; paused time does not count towards the phase"))
	rootCmd.AddCommand(newRolloutActionCmd("resume", "Resume a paused rollout"))
	rootCmd.AddCommand(newRolloutActionCmd("acknowledge", "Acknowledge critical alerts so the rollout may advance"))
}

func newRollbackCmd() *cobra.Command {
	var (
		reason string
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <name>",
		Short: "Send all traffic back to control",
		Long: `Roll a test's winner back so control serves all traffic again. The
rollout cannot be resumed afterwards.

Example:
  autowinner rollback hero --reason "checkout errors"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testName := args[0]

			if !yes {
				ok, err := confirm(fmt.Sprintf("Roll back '%s' to control", testName))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted.")
					return nil
				}
			}

			ctx := context.Background()
			client, err := newAPIClient(ctx)
			if err != nil {
				return err
			}

			var st rollout.Status
			err = client.do(ctx, http.MethodPost, "/api/tests/"+url.PathEscape(testName)+"/rollback", map[string]string{"reason": reason}, &st)
			if err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadGateway {
					return fmt.Errorf("rollback failed, manual intervention required: %w", err)
				}
				return err
			}

			fmt.Printf("Rolled back '%s': control serves 100%% of traffic.\n", testName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the rollback")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func newRolloutActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := newAPIClient(ctx)
			if err != nil {
				return err
			}

			var st rollout.Status
			if err := client.do(ctx, http.MethodPost, "/api/tests/"+url.PathEscape(args[0])+"/"+action, nil, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %s of traffic on %s (paused: %t)\n",
				st.TestID, st.State, formatPercent(st.Rollout), st.WinnerID, st.Paused)
			return nil
		},
	}
}

func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}

	_, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
