package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCore()
		if err != nil {
			return err
		}
		defer c.close()

		c.sessions.Start(cmd.Context())
		waitForResolution(c, cfg.HardDeadline)

		if err := c.sessions.SignOut(cmd.Context()); err != nil {
			// Local state is cleared regardless; only report the remote hiccup
			fmt.Printf("signed out locally (remote revocation failed: %v)\n", err)
			return nil
		}
		fmt.Println("signed out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
