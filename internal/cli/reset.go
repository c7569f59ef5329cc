package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/server"
)

func init() {
	rootCmd.AddCommand(newResetCmd())
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <name>",
		Short: "Drop a test's conclusion so it runs again",
		Long: `Forget a test's conclusion and put it back to running. Its routing and
implementation record are cleared and the scheduler may conclude it again.
A rollout that is still in progress must be rolled back first.

Example:
  autowinner rollback hero --yes
  autowinner reset hero`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testName := args[0]

			if !yes {
				ok, err := confirm(fmt.Sprintf("Reopen '%s' and discard its conclusion", testName))
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

			var summary server.TestSummary
			err = client.do(ctx, http.MethodPost, "/api/tests/"+url.PathEscape(testName)+"/reset", nil, &summary)
			if err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) {
					switch apiErr.Status {
					case http.StatusNotFound:
						return fmt.Errorf("test '%s' has no conclusion to reset", testName)
					case http.StatusConflict:
						return fmt.Errorf("test '%s' is still rolling out. Roll it back first: autowinner rollback %s", testName, testName)
					}
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Reset '%s': %s\n", summary.Name, summary.State)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}
