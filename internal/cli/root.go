package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/logging"
)

var (
	dbPath    string
	serverURL string
	verbose   bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "autowinner",
	Short: "Automatic winner selection and rollout for A/B tests",
	Long: `autowinner watches running A/B tests, decides when a winner is statistically
and commercially safe to ship, and rolls it out in phases with automatic rollback.

Single Go binary, embedded SQLite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(verbose)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("AW_DB_PATH", "./autowinner.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("AW_SERVER_URL", ""), "URL of the running server (default: stored server_url)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
