package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show the API token of the running server",
	Long: `Show the server URL and the bearer token required by the mutating API
endpoints. The server writes a fresh token alongside the database each
time it starts.

Example:
  autowinner token`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	token, err := readToken()
	if err != nil {
		return err
	}

	url := resolveServerURL(context.Background())
	fmt.Printf("Server: %s\n", url)
	fmt.Printf("Token:  %s\n", token)
	fmt.Println()
	fmt.Printf("Example: curl -X POST -H \"Authorization: Bearer %s\" %s/api/run\n", token, url)
	return nil
}
