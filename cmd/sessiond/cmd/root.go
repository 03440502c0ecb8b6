package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brightpath/sessiond/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Session identity and role resolution for the training portal",
	Long: `sessiond resolves who the current user is and whether they hold the
student or admin capability, reconciling the remote identity provider, the
remote profile store, the persistent local cache, and the demo override into
one coherent identity without ever blocking on a slow network.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags mirror the environment variables for discoverability
	rootCmd.PersistentFlags().String("cache-dsn", "", "Local cache DSN (env: CACHE_DSN)")
	rootCmd.PersistentFlags().String("provider-url", "", "Identity provider base URL (env: PROVIDER_URL)")
	rootCmd.PersistentFlags().String("profile-url", "", "Profile store base URL (env: PROFILE_URL)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: DEBUG)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
